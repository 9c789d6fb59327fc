package tenant

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"
	giturls "github.com/whilp/git-urls"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

// DefaultReserved are tenant IDs that would collide with namespaces
// the platform itself uses.
var DefaultReserved = []string{"kube-*", "argocd*", "default", "luffy*"}

// Request asks for a new tenant to be provisioned. The repository
// may be given either as owner and name, or as a git URL.
type Request struct {
	Name     string `json:"name"`
	Stack    string `json:"stack"`
	Owner    string `json:"repo_owner,omitempty"`
	RepoName string `json:"repo_name,omitempty"`
	RepoURL  string `json:"repo_url,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// Validate checks the request and returns the tenant it describes.
// The returned error is always a validation error.
func (r Request) Validate(reserved []string, defaultOwner, defaultBranch string) (Tenant, error) {
	var problems []string

	name := strings.TrimSpace(r.Name)
	id := MakeID(name)
	if name == "" {
		problems = append(problems, "name is required")
	} else if id == "" {
		problems = append(problems, "name must contain at least one letter or digit")
	}
	for _, pattern := range reserved {
		if id != "" && glob.Glob(pattern, string(id)) {
			problems = append(problems, "name "+string(id)+" is reserved")
			break
		}
	}

	var stack Stack
	if strings.TrimSpace(r.Stack) == "" {
		problems = append(problems, "stack is required")
	} else {
		var err error
		if stack, err = ParseStack(r.Stack); err != nil {
			problems = append(problems, err.Error())
		}
	}

	repo, err := r.repo(defaultOwner)
	if err != nil {
		problems = append(problems, err.Error())
	}
	repo.Branch = r.Branch
	if repo.Branch == "" {
		repo.Branch = defaultBranch
	}

	if len(problems) > 0 {
		return Tenant{}, &luffyerr.Error{
			Type: luffyerr.Validation,
			Help: "invalid customer request: " + strings.Join(problems, "; "),
			Err:  luffyerr.InvalidRequest,
		}
	}

	return Tenant{
		ID:           id,
		DisplayName:  name,
		Stack:        stack,
		Repo:         repo,
		Environments: append([]Environment(nil), Environments...),
	}, nil
}

func (r Request) repo(defaultOwner string) (Repo, error) {
	if r.RepoURL != "" {
		u, err := giturls.Parse(r.RepoURL)
		if err != nil {
			return Repo{}, errors.Wrapf(err, "parsing repo_url %q", r.RepoURL)
		}
		parts := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Repo{}, errors.Errorf("repo_url %q does not name an owner and a repository", r.RepoURL)
		}
		return Repo{Owner: parts[0], Name: parts[1]}, nil
	}
	owner := r.Owner
	if owner == "" {
		owner = defaultOwner
	}
	if owner == "" || r.RepoName == "" {
		return Repo{}, errors.New("repository coordinates are required (repo_owner and repo_name, or repo_url)")
	}
	return Repo{Owner: owner, Name: r.RepoName}, nil
}
