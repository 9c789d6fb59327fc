package github

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/openluffy/luffy/pkg/tenant"
)

// The Actions API is not wrapped by this version of go-github, so
// these are requested through the client's own NewRequest and Do,
// which keeps authentication and error decoding the same as the
// rest.

// Run is a GitHub Actions workflow run.
type Run struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	HeadSHA    string    `json:"head_sha"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Job struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Steps       []JobStep  `json:"steps"`
}

type JobStep struct {
	Number     int64  `json:"number"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

type runs struct {
	TotalCount   int    `json:"total_count"`
	WorkflowRuns []*Run `json:"workflow_runs"`
}

type jobs struct {
	TotalCount int    `json:"total_count"`
	Jobs       []*Job `json:"jobs"`
}

// LatestRun returns the most recent workflow run on the repository's
// branch, or nil if there has not been one.
func (c *Client) LatestRun(ctx context.Context, repo tenant.Repo) (*Run, error) {
	ctx, cancel := c.poll(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("per_page", "1")
	if repo.Branch != "" {
		q.Set("branch", repo.Branch)
	}
	req, err := c.client.NewRequest("GET", repoPath(repo, "actions/runs?"+q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	var rs runs
	resp, err := c.client.Do(ctx, req, &rs)
	if err != nil {
		return nil, parseError(resp, err)
	}
	if len(rs.WorkflowRuns) == 0 {
		return nil, nil
	}
	return rs.WorkflowRuns[0], nil
}

// RunJobs returns the jobs, with their steps, of a workflow run.
func (c *Client) RunJobs(ctx context.Context, repo tenant.Repo, runID int64) ([]*Job, error) {
	ctx, cancel := c.poll(ctx)
	defer cancel()

	req, err := c.client.NewRequest("GET", repoPath(repo, fmt.Sprintf("actions/runs/%d/jobs?per_page=100", runID)), nil)
	if err != nil {
		return nil, err
	}
	var js jobs
	resp, err := c.client.Do(ctx, req, &js)
	if err != nil {
		return nil, parseError(resp, err)
	}
	return js.Jobs, nil
}
