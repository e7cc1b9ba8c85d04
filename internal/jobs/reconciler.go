package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"invoiceflow/internal/models"
)

// RunReconciler periodically recovers jobs stuck in PROCESSING (a crash
// mid-run) or in PENDING (a runner that never started, or one whose process
// died while queued behind the user lock). Recovery does not consume a retry
// attempt: the previous run never reported an outcome. Blocks until ctx is
// cancelled.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcile(ctx, staleAfter)
		}
	}
}

func (o *Orchestrator) reconcile(ctx context.Context, staleAfter time.Duration) {
	stale, err := o.store.StaleJobs(ctx, staleAfter)
	if err != nil {
		o.log.Error("reconciler: listing stale jobs failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-staleAfter)

	for i := range stale {
		job := &stale[i]

		if _, ok := o.handlers[job.Type]; !ok {
			o.log.Warn("reconciler: no handler for stale job",
				zap.String("job_id", job.ID),
				zap.String("job_type", string(job.Type)),
			)
			continue
		}

		if job.Status == models.JobPending {
			// No requeue write needed: MarkJobProcessing only accepts
			// PENDING, so a racing runner loses cleanly.
			o.log.Info("reconciler: dispatching stale pending job",
				zap.String("job_id", job.ID),
				zap.String("job_type", string(job.Type)),
				zap.String("user_id", job.UserID),
			)
			o.dispatch(job)
			continue
		}

		requeued, err := o.store.RequeueStaleJob(ctx, job.ID, cutoff)
		if err != nil {
			o.log.Error("reconciler: requeue failed",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !requeued {
			continue // the job moved on by itself
		}

		o.log.Info("reconciler: re-running stale job",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.String("user_id", job.UserID),
		)
		o.dispatch(job)
	}
}
