// Package worker drives delivery: a cancellable background loop that batches
// ready writes, submits them, and applies the server's verdict to the queue.
package worker

import (
	"errors"
	"log/slog"

	"github.com/nuetzliches/pantrysync/internal/entity"
	"github.com/nuetzliches/pantrysync/internal/queue"
	"github.com/nuetzliches/pantrysync/internal/transport"
)

// Events are the collaborator callbacks emitted while reconciling. Both are
// optional; nil callbacks are skipped.
type Events struct {
	// OnInvalidate fires once per entity type whose cached view went stale.
	OnInvalidate func(t entity.Type)
	// OnServerID reports a server-assigned id for a locally created entity.
	OnServerID func(t entity.Type, localID, serverID string)
}

// Outcome summarizes what one batch attempt did to the queue.
type Outcome struct {
	Removed      int
	Retried      int
	DeadLettered int
	Unaccounted  int

	// AuthFailure stops the worker until re-authentication.
	AuthFailure bool
	// Connectivity means the server was never reached; no attempt penalty.
	Connectivity bool
}

// Reconciler is the single authority for deciding whether a queued write may
// be deleted. The invariant it enforces: no removal without an explicit
// positive confirmation keyed by operationId, with one backward-compat
// exception for servers that predate per-operation accounting.
type Reconciler struct {
	store      queue.Store
	logger     *slog.Logger
	maxRetries int
	events     Events
}

func NewReconciler(store queue.Store, logger *slog.Logger, maxRetries int, events Events) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = queue.MaxRetries
	}
	return &Reconciler{
		store:      store,
		logger:     logger,
		maxRetries: maxRetries,
		events:     events,
	}
}

// Reconcile applies a server verdict to the batch it answered. It is used
// identically for verdicts carried in success responses and for verdicts
// carried inside transport error bodies.
func (r *Reconciler) Reconcile(result *transport.Result, batch []queue.Write) Outcome {
	var out Outcome

	byOp := make(map[string]queue.Write, len(batch))
	for _, w := range batch {
		byOp[w.OperationID] = w
	}
	resolved := make(map[string]bool, len(batch))
	invalidated := make(map[entity.Type]bool)

	if result.SucceededPresent {
		for _, s := range result.Succeeded {
			w, ok := byOp[s.OperationID]
			if !ok {
				r.logger.Warn("sync_success_unknown_operation",
					slog.String("operation_id", s.OperationID),
				)
				continue
			}
			resolved[s.OperationID] = true
			r.removeConfirmed(w, &out)
			invalidated[w.EntityType] = true
			if s.ID != "" && s.ID != w.Target.LocalID && r.events.OnServerID != nil {
				r.events.OnServerID(w.EntityType, w.Target.LocalID, s.ID)
			}
		}
	}

	for _, c := range result.Conflicts {
		w, ok := byOp[c.OperationID]
		if !ok {
			r.logger.Warn("sync_conflict_unknown_operation",
				slog.String("operation_id", c.OperationID),
			)
			continue
		}
		if resolved[c.OperationID] {
			continue
		}
		resolved[c.OperationID] = true
		r.penalizeConflict(w, c.Reason, &out)
	}

	// Servers predating per-operation accounting omit succeeded entirely.
	// Only a blanket synced verdict proves the whole batch landed; any other
	// status removes nothing.
	if !result.SucceededPresent && result.Status == transport.StatusSynced {
		for _, w := range batch {
			if resolved[w.OperationID] {
				continue
			}
			resolved[w.OperationID] = true
			r.removeConfirmed(w, &out)
			invalidated[w.EntityType] = true
		}
	}

	for _, w := range batch {
		if resolved[w.OperationID] {
			continue
		}
		out.Unaccounted++
		r.logger.Warn("sync_operation_unaccounted",
			slog.String("operation_id", w.OperationID),
			slog.String("key", w.Key()),
			slog.String("status", result.Status),
		)
	}

	if r.events.OnInvalidate != nil {
		for _, t := range entity.Types() {
			if invalidated[t] {
				r.events.OnInvalidate(t)
			}
		}
	}

	return out
}

// HandleFailure applies retry policy for a batch attempt that produced no
// verdict at all. Nothing is ever removed on this path.
func (r *Reconciler) HandleFailure(err error, batch []queue.Write) Outcome {
	var out Outcome

	switch kind := transport.KindOf(err); kind {
	case transport.KindConnectivity:
		// The server was never reached: a pause, not a failed attempt.
		out.Connectivity = true
		r.logger.Info("sync_batch_offline", slog.Int("items", len(batch)))

	case transport.KindAuth:
		out.AuthFailure = true
		r.logger.Error("sync_auth_failed", slog.Any("err", err))

	default:
		for _, w := range batch {
			n, incErr := r.store.IncrementRetry(w.ID)
			if incErr != nil {
				if !errors.Is(incErr, queue.ErrNotFound) {
					r.logger.Warn("sync_retry_increment_failed",
						slog.String("id", w.ID), slog.Any("err", incErr))
				}
				continue
			}
			if n > r.maxRetries {
				if mfErr := r.store.MarkFailedPermanent(w.ID, err.Error()); mfErr != nil {
					r.logger.Warn("sync_dead_letter_failed",
						slog.String("id", w.ID), slog.Any("err", mfErr))
					continue
				}
				out.DeadLettered++
				r.logger.Warn("sync_write_dead_lettered",
					slog.String("id", w.ID),
					slog.String("key", w.Key()),
					slog.Int("attempts", n),
					slog.String("kind", string(kind)),
				)
			} else {
				if usErr := r.store.UpdateStatus(w.ID, queue.StatusRetrying); usErr != nil {
					r.logger.Warn("sync_status_update_failed",
						slog.String("id", w.ID), slog.Any("err", usErr))
				}
				out.Retried++
			}
		}
	}

	return out
}

func (r *Reconciler) removeConfirmed(w queue.Write, out *Outcome) {
	if err := r.store.Remove(w.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		r.logger.Warn("sync_remove_failed", slog.String("id", w.ID), slog.Any("err", err))
		return
	}
	if err := r.store.TrimCheckpoint([]string{w.OperationID}); err != nil {
		r.logger.Warn("sync_checkpoint_trim_failed",
			slog.String("operation_id", w.OperationID), slog.Any("err", err))
	}
	out.Removed++
}

func (r *Reconciler) penalizeConflict(w queue.Write, reason string, out *Outcome) {
	if w.AttemptCount < r.maxRetries {
		if _, err := r.store.IncrementRetry(w.ID); err != nil {
			if !errors.Is(err, queue.ErrNotFound) {
				r.logger.Warn("sync_retry_increment_failed",
					slog.String("id", w.ID), slog.Any("err", err))
			}
			return
		}
		if err := r.store.UpdateStatus(w.ID, queue.StatusRetrying); err != nil {
			r.logger.Warn("sync_status_update_failed",
				slog.String("id", w.ID), slog.Any("err", err))
		}
		out.Retried++
		return
	}
	if err := r.store.MarkFailedPermanent(w.ID, reason); err != nil {
		r.logger.Warn("sync_dead_letter_failed",
			slog.String("id", w.ID), slog.Any("err", err))
		return
	}
	out.DeadLettered++
	r.logger.Warn("sync_write_dead_lettered",
		slog.String("id", w.ID),
		slog.String("key", w.Key()),
		slog.Int("attempts", w.AttemptCount),
		slog.String("reason", reason),
	)
}
