package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
)

// Reaper fails executions whose worker died mid-run. A crashed worker
// leaves the row running and locked forever; the reaper finds rows with
// no update past the staleness cutoff and settles them so the UI stops
// showing a spinner and the lock frees up.
type Reaper struct {
	store     repository.ExecutionStore
	publisher events.Publisher
	logger    Logger

	interval   time.Duration
	staleAfter time.Duration
}

// NewReaper creates a reaper sweeping every interval for executions
// untouched for staleAfter.
func NewReaper(store repository.ExecutionStore, publisher events.Publisher, logger Logger, interval, staleAfter time.Duration) *Reaper {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Reaper{
		store:      store,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Start sweeps until the context ends. Blocks; run it in its own
// goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep settles every stale running execution it can find. Exported so
// an operator endpoint can trigger it out of cycle.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.staleAfter)
	stale, err := r.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to list stale executions", "error", err)
		return
	}

	for _, exec := range stale {
		msg := fmt.Sprintf("execution abandoned: no progress since %s", cutoff.UTC().Format(time.RFC3339))

		holder := ""
		if exec.LockedBy != nil {
			holder = *exec.LockedBy
			// Settle through the lock path with the dead holder's identity
			// so the conditional write matches.
			err = r.store.ReleaseLock(ctx, exec.ID, holder, models.ExecutionFailed, nil, &msg)
		} else {
			err = r.store.UpdateExecutionStatus(ctx, exec.ID, models.ExecutionFailed)
		}
		if err != nil {
			r.logger.Error("failed to reap execution",
				"execution_id", exec.ID, "error", err)
			continue
		}

		r.publisher.Publish(events.Failed(exec.ID, msg))

		started := exec.CreatedAt
		if exec.StartedAt != nil {
			started = *exec.StartedAt
		}
		metrics.ObserveExecution(string(models.ExecutionFailed), started)

		r.logger.Warn("reaped stale execution",
			"execution_id", exec.ID, "worker_id", holder)
	}
}
