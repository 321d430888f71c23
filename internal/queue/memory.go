package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/pantrysync/internal/entity"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithMaxRecords(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxRecords = n
		}
	}
}

func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// MemoryStore keeps the queue in process memory. It backs tests and
// ephemeral sessions; durable deployments use the sqlite or bbolt store.
type MemoryStore struct {
	mu         sync.Mutex
	nowFn      func() time.Time
	logger     *slog.Logger
	items      map[string]*Write
	checkpoint *Checkpoint
	notify     chan struct{}
	maxRecords int
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:      time.Now,
		logger:     slog.Default(),
		items:      make(map[string]*Write),
		notify:     make(chan struct{}),
		maxRecords: DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(req EnqueueRequest) (Write, error) {
	if err := validateEnqueue(req); err != nil {
		return Write{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.compactLocked()

	w := Write{
		ID:              newID("wr_"),
		OperationID:     entity.NewOperationID(),
		EntityType:      req.EntityType,
		Op:              req.Op,
		Target:          req.Target,
		Payload:         append([]byte(nil), req.Payload...),
		ClientTimestamp: s.nowFn().UTC(),
		Status:          StatusPending,
		Version:         SchemaVersion,
	}
	cpy := w
	s.items[w.ID] = &cpy

	s.compactLocked()
	s.enforceLimitLocked()

	// Wake a sleeping worker.
	close(s.notify)
	s.notify = make(chan struct{})

	return w, nil
}

func (s *MemoryStore) GetAll() ([]Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) IncrementRetry(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.items[id]
	if !ok {
		return 0, ErrNotFound
	}
	w.AttemptCount++
	return w.AttemptCount, nil
}

func (s *MemoryStore) UpdateStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

func (s *MemoryStore) MarkFailedPermanent(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = StatusFailedPermanent
	w.LastError = reason
	return nil
}

func (s *MemoryStore) UpdateLastAttempt(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	w.LastAttemptAt = s.nowFn().UTC()
	return nil
}

func (s *MemoryStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
	return nil
}

func (s *MemoryStore) ClearFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for id, w := range s.items {
		if w.Status == StatusFailedPermanent {
			delete(s.items, id)
			cleared++
		}
	}
	return cleared, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statsFor(s.snapshotLocked(), s.nowFn()), nil
}

func (s *MemoryStore) SaveCheckpoint(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.InFlightOperationIDs = append([]string(nil), cp.InFlightOperationIDs...)
	s.checkpoint = &cp
	return nil
}

func (s *MemoryStore) LoadCheckpoint() (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpoint == nil {
		return Checkpoint{}, false, nil
	}
	cp := *s.checkpoint
	cp.InFlightOperationIDs = append([]string(nil), s.checkpoint.InFlightOperationIDs...)
	return cp, true, nil
}

func (s *MemoryStore) TrimCheckpoint(confirmedOperationIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkpoint == nil {
		return nil
	}
	trimOperationIDs(s.checkpoint, confirmedOperationIDs)
	if len(s.checkpoint.InFlightOperationIDs) == 0 {
		s.checkpoint = nil
	}
	return nil
}

func (s *MemoryStore) ClearCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = nil
	return nil
}

func (s *MemoryStore) Wake() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *MemoryStore) snapshotLocked() []Write {
	out := make([]Write, 0, len(s.items))
	for _, w := range s.items {
		cpy := *w
		cpy.Payload = append([]byte(nil), w.Payload...)
		out = append(out, cpy)
	}
	sortWrites(out)
	return out
}

func (s *MemoryStore) compactLocked() {
	compacted := Compact(s.snapshotLocked(), s.logger)
	items := make(map[string]*Write, len(compacted))
	for i := range compacted {
		items[compacted[i].ID] = &compacted[i]
	}
	s.items = items
}

// enforceLimitLocked drops the newest writes once the retained count
// exceeds the cap. The oldest writes stay so they reach the server first;
// every dropped write is logged.
func (s *MemoryStore) enforceLimitLocked() {
	if s.maxRecords <= 0 || len(s.items) <= s.maxRecords {
		return
	}
	ws := s.snapshotLocked()
	for _, w := range ws[s.maxRecords:] {
		delete(s.items, w.ID)
		s.logger.Warn("queue_overflow_dropped_newest",
			slog.String("id", w.ID),
			slog.String("key", w.Key()),
			slog.Int("max_records", s.maxRecords),
		)
	}
}
