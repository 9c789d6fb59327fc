package github

import (
	"context"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v28/github"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

// parseError sorts a failed API call by what can be done about it.
func parseError(resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *gh.RateLimitError, *gh.AbuseRateLimitError:
		return luffyerr.TransientError(system, err)
	}
	if err == context.DeadlineExceeded {
		return luffyerr.TransientError(system, err)
	}
	if resp == nil || resp.Response == nil {
		// never got as far as a response: DNS, connection refused, timeouts
		return luffyerr.TransientError(system, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return &luffyerr.Error{
			Type: luffyerr.Auth,
			Err:  err,
			Help: "GitHub rejected the token. Check it is valid and has not expired.",
		}
	case code == http.StatusForbidden:
		return &luffyerr.Error{
			Type: luffyerr.Auth,
			Err:  err,
			Help: "GitHub refused the request. Check the token has the repo (and delete_repo, for teardown) scope.",
		}
	case code == http.StatusNotFound:
		return &luffyerr.Error{
			Type: luffyerr.Missing,
			Err:  err,
			Help: "Cannot find owner or repository. Check spelling.",
		}
	case code == http.StatusConflict:
		return &luffyerr.Error{Type: luffyerr.Conflict, Err: err, Help: fmt.Sprintf("GitHub: %s", err)}
	case code == http.StatusUnprocessableEntity:
		return &luffyerr.Error{Type: luffyerr.Validation, Err: err, Help: fmt.Sprintf("GitHub did not accept the request: %s", err)}
	case code == http.StatusTooManyRequests, code >= 500:
		return luffyerr.TransientError(system, err)
	}
	return luffyerr.ServerError(system, err)
}
