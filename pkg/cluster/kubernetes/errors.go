package kubernetes

import (
	"fmt"
	"net"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

func NotManagedError(namespace string) *luffyerr.Error {
	return &luffyerr.Error{
		Type: luffyerr.Validation,
		Err:  fmt.Errorf("namespace %q is not managed by luffy", namespace),
		Help: fmt.Sprintf(`Namespace %q exists but was not created by luffy

It does not carry the label app.kubernetes.io/managed-by=luffy, so it
will not be deleted. Remove it by hand (e.g., using kubectl) if it
really belongs to this customer.
`, namespace),
	}
}

func classify(what string, err error) error {
	return Classify("kubernetes", what, err)
}

// Classify sorts errors from an API server into those worth
// retrying, those that need an operator's attention, and those that
// need the request to change.
func Classify(system, what string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		// quota is a property of the request (too many namespaces,
		// too much memory), not of our credentials
		return &luffyerr.Error{
			Type: luffyerr.Validation,
			Err:  err,
			Help: fmt.Sprintf("%s: the cluster refused the request because a quota would be exceeded: %s", what, err),
		}
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return luffyerr.AuthError(system, err)
	case apierrors.IsNotFound(err):
		return &luffyerr.Error{
			Type: luffyerr.Missing,
			Err:  err,
			Help: fmt.Sprintf("Cluster object %s not found", what),
		}
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err), apierrors.IsUnexpectedServerError(err):
		return luffyerr.TransientError(system, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return &luffyerr.Error{Type: luffyerr.Validation, Err: err, Help: fmt.Sprintf("%s: %s", what, err)}
	}
	if _, ok := err.(net.Error); ok {
		return luffyerr.TransientError(system, err)
	}
	return luffyerr.ServerError(system, err)
}
