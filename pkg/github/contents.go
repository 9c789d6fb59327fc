package github

import (
	"bytes"
	"context"

	gh "github.com/google/go-github/v28/github"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/templates"
	"github.com/openluffy/luffy/pkg/tenant"
)

// PushResult says what happened to each file pushed.
type PushResult struct {
	Created   []string          `json:"created,omitempty"`
	Updated   []string          `json:"updated,omitempty"`
	Unchanged []string          `json:"unchanged,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Pushed lists every file now in the repository as given, whether
// or not it had to be written.
func (r PushResult) Pushed() []string {
	var res []string
	res = append(res, r.Created...)
	res = append(res, r.Updated...)
	res = append(res, r.Unchanged...)
	return res
}

// PushFiles writes each file to the repository's branch, creating or
// overwriting it. Files whose content is already as given are left
// alone, so pushing the same set twice makes no second commit. Every
// file is attempted; the error returned is that of the first file
// to fail, with the rest recorded in the result.
func (c *Client) PushFiles(ctx context.Context, repo tenant.Repo, files []templates.File, message string) (PushResult, error) {
	res := PushResult{}
	var firstErr error
	for _, f := range files {
		outcome, err := c.pushFile(ctx, repo, f, message)
		if err != nil {
			if res.Errors == nil {
				res.Errors = map[string]string{}
			}
			res.Errors[f.Path] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			// no point going on with bad credentials
			if luffyerr.IsAuth(err) {
				break
			}
			continue
		}
		switch outcome {
		case "created":
			res.Created = append(res.Created, f.Path)
		case "updated":
			res.Updated = append(res.Updated, f.Path)
		default:
			res.Unchanged = append(res.Unchanged, f.Path)
		}
	}
	return res, firstErr
}

func (c *Client) pushFile(ctx context.Context, repo tenant.Repo, f templates.File, message string) (string, error) {
	ctx, cancel := c.control(ctx)
	defer cancel()

	var getOpts *gh.RepositoryContentGetOptions
	if repo.Branch != "" {
		getOpts = &gh.RepositoryContentGetOptions{Ref: repo.Branch}
	}
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(message + ": " + f.Path),
		Content: f.Content,
	}
	if repo.Branch != "" {
		opts.Branch = gh.String(repo.Branch)
	}

	existing, _, resp, err := c.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, f.Path, getOpts)
	if err != nil {
		err = parseError(resp, err)
		if !luffyerr.IsMissing(err) {
			return "", err
		}
		if _, resp, err = c.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, f.Path, opts); err != nil {
			return "", parseError(resp, err)
		}
		return "created", nil
	}

	if existing != nil && f.Seed {
		return "unchanged", nil
	}
	if existing != nil {
		current, err := existing.GetContent()
		if err == nil && bytes.Equal([]byte(current), f.Content) {
			return "unchanged", nil
		}
		opts.SHA = existing.SHA
	}
	if _, resp, err = c.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, f.Path, opts); err != nil {
		return "", parseError(resp, err)
	}
	return "updated", nil
}
