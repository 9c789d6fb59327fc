package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/openluffy/luffy/pkg/api"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

var ErrTimeout = errors.New("timeout")

// awaitJob polls a customer's provisioning job until it finishes,
// showing the steps done on a progress bar.
func awaitJob(ctx context.Context, stderr io.Writer, client api.Server, id tenant.ID, timeout time.Duration) (*job.Job, error) {
	bar := pb.New(len(job.StepNames))
	bar.SetWriter(stderr)
	bar.SetTemplateString(`Provisioning {{string . "step"}} {{counters . }} {{bar . }} {{etime . "%s"}}`)
	bar.Start()
	defer bar.Finish()

	var last *job.Job
	err := backoff(200*time.Millisecond, 2, 10, timeout, func() (bool, error) {
		j, err := client.ProvisioningStatus(ctx, id)
		if err != nil {
			return false, err
		}
		last = j
		done := 0
		for _, s := range j.Steps {
			if s.Status.Terminal() {
				done++
			}
			if s.Status == job.StatusRunning {
				bar.Set("step", s.Name)
			}
		}
		bar.SetCurrent(int64(done))
		return j.Status.Terminal(), nil
	})
	return last, err
}

// awaitPromotion polls a promotion until prod has converged or it
// failed.
func awaitPromotion(ctx context.Context, client api.Server, handle string, timeout time.Duration) (store.Promotion, error) {
	var p store.Promotion
	err := backoff(time.Second, 2, 5, timeout, func() (bool, error) {
		var err error
		p, err = client.PromotionStatus(ctx, handle)
		if err != nil {
			return false, err
		}
		return p.State != store.PromotionRunning, nil
	})
	return p, err
}

// failedStep describes the step a job failed at.
func failedStep(j *job.Job) error {
	for _, s := range j.Steps {
		if s.Status == job.StatusError {
			return fmt.Errorf("provisioning failed at %s: %s", s.Name, s.Message)
		}
	}
	return fmt.Errorf("provisioning failed")
}

// backoff polls for f() to have been completed, with exponential backoff.
func backoff(initialDelay, factor, maxFactor, timeout time.Duration, f func() (bool, error)) error {
	maxDelay := initialDelay * maxFactor
	finish := time.Now().Add(timeout)
	for delay := initialDelay; time.Now().Before(finish); delay = min(delay*factor, maxDelay) {
		ok, err := f()
		if ok || err != nil {
			return err
		}
		// If we don't have time to try again, stop
		if time.Now().Add(delay).After(finish) {
			break
		}
		time.Sleep(delay)
	}
	return ErrTimeout
}

func min(t1, t2 time.Duration) time.Duration {
	if t1 < t2 {
		return t1
	}
	return t2
}
