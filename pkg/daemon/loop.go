package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
)

type LoopVars struct {
	ReconcileInterval time.Duration

	initOnce      sync.Once
	reconcileSoon chan struct{}
}

func (loop *LoopVars) ensureInit() {
	loop.initOnce.Do(func() {
		loop.reconcileSoon = make(chan struct{}, 1)
	})
}

// Loop reconciles every tenant's environments with what the cluster
// runs, at least every ReconcileInterval. Being asked to reconcile
// may intervene, in which case the next one is rescheduled.
func (d *Daemon) Loop(stop chan struct{}, wg *sync.WaitGroup, logger log.Logger) {
	defer wg.Done()
	d.ensureInit()

	reconcileTimer := time.NewTimer(d.ReconcileInterval)

	d.AskForReconcile()

	for {
		select {
		case <-stop:
			logger.Log("stopping", "true")
			return
		case <-d.reconcileSoon:
			if !reconcileTimer.Stop() {
				select {
				case <-reconcileTimer.C:
				default:
				}
			}
			started := time.Now().UTC()
			// each tenant is reconciled under its own deadline
			err := d.Promoter.Reconcile(context.Background())
			reconcileDuration.With(
				luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
			).Observe(time.Since(started).Seconds())
			if err != nil {
				logger.Log("err", err)
			}
			reconcileTimer.Reset(d.ReconcileInterval)
		case <-reconcileTimer.C:
			d.AskForReconcile()
		}
	}
}

// Ask for a reconcile, or if there's one waiting, let that happen.
func (loop *LoopVars) AskForReconcile() {
	loop.ensureInit()
	select {
	case loop.reconcileSoon <- struct{}{}:
	default:
	}
}
