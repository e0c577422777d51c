package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/config"
	"github.com/dayan73a/Kashless/internal/models"
)

// TransactionCommitter is the primary-store side of reconciliation.
type TransactionCommitter interface {
	// CommitOffline records a queued transaction. Replaying an already
	// committed item must be a no-op, not an error.
	CommitOffline(ctx context.Context, item *models.OfflineQueueItem) error

	// ReflectMachineStatus mirrors the transaction onto the machine row.
	// Failures here are secondary and do not fail the item.
	ReflectMachineStatus(ctx context.Context, item *models.OfflineQueueItem) error
}

// OfflineStore is the queue side of reconciliation.
type OfflineStore interface {
	DrainCandidates(ctx context.Context) ([]models.OfflineQueueItem, error)
	TrimCommitted(ctx context.Context, n int) error
}

// Reconciler drains the offline queue into the primary transaction store.
// It commits strictly in queue order and stops at the first failure, so a
// dead backend costs one attempt per cycle instead of one per item.
type Reconciler struct {
	committer TransactionCommitter
	queue     OfflineStore
	interval  time.Duration
	log       zerolog.Logger
}

func NewReconciler(committer TransactionCommitter, queue OfflineStore, cfg config.ReconcilerConfig, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		committer: committer,
		queue:     queue,
		interval:  cfg.Interval,
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// Run drains once at startup and then on every tick until the context is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if _, err := r.DrainOnce(ctx); err != nil {
		r.log.Warn().Err(err).Msg("startup drain incomplete")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				r.log.Warn().Err(err).Msg("drain incomplete")
			}
		}
	}
}

// DrainOnce commits queued items in order. Only the committed prefix is
// trimmed off the head of the queue; on the first commit failure the failed
// item, everything behind it, and anything enqueued while the drain ran all
// stay queued, and the number of committed items is returned with the error.
func (r *Reconciler) DrainOnce(ctx context.Context) (int, error) {
	items, err := r.queue.DrainCandidates(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	r.log.Info().Int("pending", len(items)).Msg("reconciling offline transactions")

	for i := range items {
		item := &items[i]
		if err := r.committer.CommitOffline(ctx, item); err != nil {
			r.log.Warn().Err(err).
				Str("client_ref", item.ClientRef).
				Int("committed", i).
				Int("remaining", len(items)-i).
				Msg("commit failed, keeping remainder queued")
			if trimErr := r.queue.TrimCommitted(ctx, i); trimErr != nil {
				r.log.Error().Err(trimErr).Msg("failed to trim committed items")
			}
			return i, err
		}

		if err := r.committer.ReflectMachineStatus(ctx, item); err != nil {
			r.log.Warn().Err(err).
				Str("machine_id", item.MachineID).
				Msg("machine status update failed")
		}
	}

	if err := r.queue.TrimCommitted(ctx, len(items)); err != nil {
		return len(items), err
	}

	r.log.Info().Int("committed", len(items)).Msg("offline queue drained")
	return len(items), nil
}
