// Package retry runs calls to external systems again when they fail
// in a way that might go away by itself.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

// Policy bounds how hard we try.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Initial is the wait before the first retry; each later wait is
	// longer, up to Max.
	Initial time.Duration
	Max     time.Duration
}

var DefaultPolicy = Policy{
	Attempts: 3,
	Initial:  500 * time.Millisecond,
	Max:      5 * time.Second,
}

// Notify is told about each failure that will be retried.
type Notify func(err error, wait time.Duration)

// Do calls op until it succeeds, returns an error that is not
// transient, or the attempts run out. The error returned is the last
// one op returned. Do gives up waiting if ctx is done, but never
// interrupts op itself.
func Do(ctx context.Context, p Policy, op func() error, notify Notify) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		last = op()
		if last != nil && !luffyerr.IsTransient(last) {
			return backoff.Permanent(last)
		}
		return last
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, wait)
		}
	})
	if err != nil && last != nil {
		return last
	}
	return err
}
