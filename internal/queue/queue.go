// Package queue implements the durable offline write queue: ordered storage
// of pending mutations, compaction, retry bookkeeping, and the in-flight
// batch checkpoint used for crash recovery.
package queue

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/pantrysync/internal/entity"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusRetrying        Status = "retrying"
	StatusFailedPermanent Status = "failed_permanent"
)

// SchemaVersion is stamped on newly persisted writes. Records carrying a
// higher version were written by a newer client and are quarantined rather
// than reinterpreted.
const SchemaVersion = 2

// DefaultMaxRecords bounds the retained queue. On overflow the store keeps
// the oldest records and drops the newest; oldest writes are closest to
// being stale and should be resolved first.
const DefaultMaxRecords = 1000

var (
	ErrNotFound     = errors.New("queued write not found")
	ErrInvalidWrite = errors.New("invalid queued write")
)

// Write is one durable record of a pending local mutation. Payload is the
// full current-state snapshot of the entity, not a diff.
type Write struct {
	ID              string          `json:"id"`
	OperationID     string          `json:"operationId"`
	EntityType      entity.Type     `json:"entityType"`
	Op              entity.Op       `json:"op"`
	Target          entity.Target   `json:"target"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	AttemptCount    int             `json:"attemptCount"`
	LastAttemptAt   time.Time       `json:"lastAttemptAt,omitzero"`
	Status          Status          `json:"status"`
	LastError       string          `json:"lastError,omitempty"`
	Version         int             `json:"version"`
}

// Key returns the compaction/merge key for the write.
func (w Write) Key() string {
	return entity.Key(w.EntityType, w.Target.LocalID)
}

// Live reports whether the write is still eligible for delivery.
// Dead-lettered records are retained for diagnostics only.
func (w Write) Live() bool {
	return w.Status != StatusFailedPermanent
}

type EnqueueRequest struct {
	EntityType entity.Type
	Op         entity.Op
	Target     entity.Target
	Payload    json.RawMessage
}

// Checkpoint records one in-flight batch so a crash mid-flight can be
// recovered safely. InFlightOperationIDs shrinks monotonically as
// confirmations arrive; payloads are never re-derived from it.
type Checkpoint struct {
	CheckpointID         string        `json:"checkpointId"`
	UserID               string        `json:"userId"`
	HouseholdID          string        `json:"householdId,omitempty"`
	RequestID            string        `json:"requestId"`
	InFlightOperationIDs []string      `json:"inFlightOperationIds"`
	CreatedAt            time.Time     `json:"createdAt"`
	LastAttemptAt        time.Time     `json:"lastAttemptAt,omitzero"`
	AttemptCount         int           `json:"attemptCount"`
	TTL                  time.Duration `json:"ttl"`
}

// Expired reports whether the checkpoint is abandoned. An expired checkpoint
// must never block new batches.
func (c Checkpoint) Expired(now time.Time) bool {
	if c.CreatedAt.IsZero() || c.TTL <= 0 {
		return true
	}
	return now.Sub(c.CreatedAt) > c.TTL
}

type Stats struct {
	Total    int
	ByStatus map[Status]int

	OldestPendingAt  time.Time
	OldestPendingAge time.Duration
}

// Store is the durable, ordered log of queued writes plus the checkpoint
// slot. Implementations serialize all mutating calls through a single
// logical lock so concurrent enqueue/remove/retry calls never tear a
// read-modify-write.
type Store interface {
	// Enqueue persists a new write, compacting before and after insertion so
	// the log never grows unbounded for a hot entity.
	Enqueue(req EnqueueRequest) (Write, error)
	// GetAll returns every retained write sorted by ClientTimestamp.
	GetAll() ([]Write, error)
	Remove(id string) error
	// IncrementRetry bumps the attempt counter and returns the new count.
	IncrementRetry(id string) (int, error)
	UpdateStatus(id string, status Status) error
	MarkFailedPermanent(id, reason string) error
	UpdateLastAttempt(id string) error
	Compact() error
	// ClearFailed drops dead-lettered records and returns how many were cleared.
	ClearFailed() (int, error)
	Stats() (Stats, error)

	SaveCheckpoint(cp Checkpoint) error
	LoadCheckpoint() (Checkpoint, bool, error)
	// TrimCheckpoint removes confirmed operation ids from the in-flight set
	// and clears the checkpoint once the set is empty.
	TrimCheckpoint(confirmedOperationIDs []string) error
	ClearCheckpoint() error

	// Wake returns a channel closed on the next enqueue, so a sleeping
	// worker can react to new local writes without busy-polling.
	Wake() <-chan struct{}
}

func newID(prefix string) string {
	return prefix + uuid.NewString()
}

// sortWrites orders by ClientTimestamp with the record id as a stable
// tie-break for writes landing on the same instant.
func sortWrites(ws []Write) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].ClientTimestamp.Equal(ws[j].ClientTimestamp) {
			return ws[i].ID < ws[j].ID
		}
		return ws[i].ClientTimestamp.Before(ws[j].ClientTimestamp)
	})
}

func validateEnqueue(req EnqueueRequest) error {
	if !req.EntityType.Valid() {
		return ErrInvalidWrite
	}
	if !req.Op.Valid() {
		return ErrInvalidWrite
	}
	if req.Target.LocalID == "" {
		return ErrInvalidWrite
	}
	return nil
}

func statsFor(ws []Write, now time.Time) Stats {
	st := Stats{
		ByStatus: map[Status]int{
			StatusPending:         0,
			StatusRetrying:        0,
			StatusFailedPermanent: 0,
		},
	}
	for _, w := range ws {
		st.Total++
		st.ByStatus[w.Status]++
		if w.Status == StatusPending || w.Status == StatusRetrying {
			if st.OldestPendingAt.IsZero() || w.ClientTimestamp.Before(st.OldestPendingAt) {
				st.OldestPendingAt = w.ClientTimestamp
			}
		}
	}
	if !st.OldestPendingAt.IsZero() && now.After(st.OldestPendingAt) {
		st.OldestPendingAge = now.Sub(st.OldestPendingAt)
	}
	return st
}

func trimOperationIDs(cp *Checkpoint, confirmed []string) {
	if len(confirmed) == 0 || len(cp.InFlightOperationIDs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(confirmed))
	for _, id := range confirmed {
		drop[id] = struct{}{}
	}
	kept := cp.InFlightOperationIDs[:0]
	for _, id := range cp.InFlightOperationIDs {
		if _, ok := drop[id]; ok {
			continue
		}
		kept = append(kept, id)
	}
	cp.InFlightOperationIDs = kept
}
