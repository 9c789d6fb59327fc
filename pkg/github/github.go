package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kit/kit/log"
	gh "github.com/google/go-github/v28/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/tenant"
)

const system = "github"

type Config struct {
	Token string
	// APIURL points at a GitHub Enterprise API; empty means github.com.
	APIURL string
	// OwnerIsOrg creates new repositories in the owning organisation
	// rather than under the authenticated user.
	OwnerIsOrg bool
	Private    bool
	// RPS caps the request rate to the API; zero means no limit.
	RPS float64
	// Timeouts for calls that change things, and for those that only
	// read them.
	ControlTimeout time.Duration
	PollTimeout    time.Duration
}

type Client struct {
	client *gh.Client
	config Config
	logger log.Logger
}

// NewClient instantiates a GitHub client from a provided OAuth token.
func NewClient(config Config, logger log.Logger) (*Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: config.Token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	if config.RPS > 0 {
		tc.Transport = &limitedTransport{
			limiter: rate.NewLimiter(rate.Limit(config.RPS), 1),
			next:    tc.Transport,
		}
	}

	client := gh.NewClient(tc)
	if config.APIURL != "" {
		var err error
		if client, err = gh.NewEnterpriseClient(config.APIURL, config.APIURL, tc); err != nil {
			return nil, err
		}
	}
	return newClient(client, config, logger), nil
}

func newClient(client *gh.Client, config Config, logger log.Logger) *Client {
	if config.ControlTimeout == 0 {
		config.ControlTimeout = 30 * time.Second
	}
	if config.PollTimeout == 0 {
		config.PollTimeout = 5 * time.Second
	}
	return &Client{client: client, config: config, logger: logger}
}

// limitedTransport waits for the limiter before each request, so a
// burst of provisioning jobs does not use up the API's rate limit.
type limitedTransport struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

func (c *Client) control(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.ControlTimeout)
}

func (c *Client) poll(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.PollTimeout)
}

// EnsureRepo creates the repository if it does not already exist.
func (c *Client) EnsureRepo(ctx context.Context, repo tenant.Repo, description string) (bool, error) {
	ctx, cancel := c.control(ctx)
	defer cancel()

	_, resp, err := c.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err == nil {
		return false, nil
	}
	if err = parseError(resp, err); !luffyerr.IsMissing(err) {
		return false, err
	}

	org := ""
	if c.config.OwnerIsOrg {
		org = repo.Owner
	}
	_, resp, err = c.client.Repositories.Create(ctx, org, &gh.Repository{
		Name:        gh.String(repo.Name),
		Description: gh.String(description),
		Private:     gh.Bool(c.config.Private),
		AutoInit:    gh.Bool(true),
	})
	if err != nil {
		return false, parseError(resp, err)
	}
	c.logger.Log("repo", repo.String(), "action", "created")
	return true, nil
}

// DeleteRepo deletes the repository, if it is there.
func (c *Client) DeleteRepo(ctx context.Context, repo tenant.Repo) (bool, error) {
	ctx, cancel := c.control(ctx)
	defer cancel()

	resp, err := c.client.Repositories.Delete(ctx, repo.Owner, repo.Name)
	if err != nil {
		err = parseError(resp, err)
		if luffyerr.IsMissing(err) {
			return false, nil
		}
		return false, err
	}
	c.logger.Log("repo", repo.String(), "action", "deleted")
	return true, nil
}

// RepoExists reports whether the repository is there to be seen.
func (c *Client) RepoExists(ctx context.Context, repo tenant.Repo) (bool, error) {
	ctx, cancel := c.poll(ctx)
	defer cancel()

	_, resp, err := c.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		err = parseError(resp, err)
		if luffyerr.IsMissing(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func repoPath(repo tenant.Repo, rest string) string {
	return fmt.Sprintf("repos/%s/%s/%s", url.PathEscape(repo.Owner), url.PathEscape(repo.Name), rest)
}
