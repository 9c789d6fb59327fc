package tenant

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ID is the immutable slug identifying a tenant. It is derived from
// the display name once, when the tenant is created, and never
// changes afterwards.
type ID string

type Environment string

const (
	Dev     Environment = "dev"
	Preprod Environment = "preprod"
	Prod    Environment = "prod"
)

// Environments is the promotion pipeline, in order.
var Environments = []Environment{Dev, Preprod, Prod}

func ParseEnvironment(s string) (Environment, error) {
	for _, env := range Environments {
		if string(env) == s {
			return env, nil
		}
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

type Stack string

const (
	NodeJS Stack = "nodejs"
	Python Stack = "python"
	Golang Stack = "golang"
)

var Stacks = []Stack{NodeJS, Python, Golang}

func ParseStack(s string) (Stack, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nodejs", "node":
		return NodeJS, nil
	case "python":
		return Python, nil
	case "golang", "go":
		return Golang, nil
	}
	return "", fmt.Errorf("unsupported stack %q", s)
}

// Repo locates a tenant's source repository on the source-code host.
type Repo struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Branch string `json:"branch,omitempty"`
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

type Tenant struct {
	ID           ID            `json:"id"`
	DisplayName  string        `json:"display_name"`
	Stack        Stack         `json:"stack"`
	Repo         Repo          `json:"repo"`
	Environments []Environment `json:"environments"`
	CreatedAt    time.Time     `json:"created_at"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	// SuspendedAt is set while the tenant's applications are held at
	// zero replicas.
	SuspendedAt   *time.Time `json:"suspended_at,omitempty"`
	SuspendReason string     `json:"suspend_reason,omitempty"`
}

func (t Tenant) Archived() bool {
	return t.ArchivedAt != nil
}

func (t Tenant) Suspended() bool {
	return t.SuspendedAt != nil
}

// Namespace is the cluster namespace holding env for this tenant.
func Namespace(id ID, env Environment) string {
	return string(id) + "-" + string(env)
}

// AppName is the name of the GitOps application deploying env for
// this tenant. It is the same as the namespace name.
func AppName(id ID, env Environment) string {
	return Namespace(id, env)
}

var (
	nonSlug    = regexp.MustCompile(`[^a-z0-9]+`)
	maxSlugLen = 40
)

// MakeID derives the tenant ID from a display name: lower case,
// runs of anything other than letters and digits collapsed to a
// single dash, no leading or trailing dashes. The result is
// short enough that "<id>-preprod" is a valid namespace name.
func MakeID(name string) ID {
	slug := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return ID(slug)
}
