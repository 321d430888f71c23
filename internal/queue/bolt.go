package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nuetzliches/pantrysync/internal/entity"
)

var (
	boltBucketQueue      = []byte("queue")
	boltBucketCheckpoint = []byte("checkpoint")

	boltKeyWrites     = []byte("writes")
	boltKeyCheckpoint = []byte("current")
)

type BoltOption func(*BoltStore)

func WithBoltNowFunc(now func() time.Time) BoltOption {
	return func(s *BoltStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithBoltMaxRecords(n int) BoltOption {
	return func(s *BoltStore) {
		if n > 0 {
			s.maxRecords = n
		}
	}
}

func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(s *BoltStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// BoltStore persists the queue in a bbolt file: one key holds the whole
// serialized write log (re-sorted on every save), one key holds the current
// checkpoint. The simple layout keeps the on-disk format inspectable and
// the write path a single atomic put.
type BoltStore struct {
	db *bolt.DB

	mu         sync.Mutex
	nowFn      func() time.Time
	logger     *slog.Logger
	notify     chan struct{}
	maxRecords int
}

func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	s := &BoltStore{
		db:         db,
		nowFn:      time.Now,
		logger:     slog.Default(),
		notify:     make(chan struct{}),
		maxRecords: DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(s)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltBucketQueue); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltBucketCheckpoint)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Enqueue(req EnqueueRequest) (Write, error) {
	if err := validateEnqueue(req); err != nil {
		return Write{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.loadLocked()
	if err != nil {
		return Write{}, err
	}
	ws = Compact(ws, s.logger)

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
	ws = Compact(append(ws, w), s.logger)
	ws = s.enforceLimit(ws)

	if err := s.saveLocked(ws); err != nil {
		return Write{}, err
	}

	close(s.notify)
	s.notify = make(chan struct{})

	return w, nil
}

func (s *BoltStore) GetAll() ([]Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *BoltStore) Remove(id string) error {
	return s.mutate(id, nil)
}

func (s *BoltStore) IncrementRetry(id string) (int, error) {
	n := 0
	err := s.mutate(id, func(w *Write) {
		w.AttemptCount++
		n = w.AttemptCount
	})
	return n, err
}

func (s *BoltStore) UpdateStatus(id string, status Status) error {
	return s.mutate(id, func(w *Write) { w.Status = status })
}

func (s *BoltStore) MarkFailedPermanent(id, reason string) error {
	return s.mutate(id, func(w *Write) {
		w.Status = StatusFailedPermanent
		w.LastError = reason
	})
}

func (s *BoltStore) UpdateLastAttempt(id string) error {
	return s.mutate(id, func(w *Write) { w.LastAttemptAt = s.nowFn().UTC() })
}

func (s *BoltStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.saveLocked(Compact(ws, s.logger))
}

func (s *BoltStore) ClearFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	kept := ws[:0]
	cleared := 0
	for _, w := range ws {
		if w.Status == StatusFailedPermanent {
			cleared++
			continue
		}
		kept = append(kept, w)
	}
	if cleared == 0 {
		return 0, nil
	}
	return cleared, s.saveLocked(kept)
}

func (s *BoltStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.loadLocked()
	if err != nil {
		return Stats{}, err
	}
	return statsFor(ws, s.nowFn()), nil
}

func (s *BoltStore) SaveCheckpoint(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketCheckpoint).Put(boltKeyCheckpoint, data)
	})
}

func (s *BoltStore) LoadCheckpoint() (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCheckpointLocked()
}

func (s *BoltStore) TrimCheckpoint(confirmedOperationIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok, err := s.loadCheckpointLocked()
	if err != nil || !ok {
		return err
	}
	trimOperationIDs(&cp, confirmedOperationIDs)
	if len(cp.InFlightOperationIDs) == 0 {
		return s.clearCheckpointLocked()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketCheckpoint).Put(boltKeyCheckpoint, data)
	})
}

func (s *BoltStore) ClearCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCheckpointLocked()
}

func (s *BoltStore) Wake() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *BoltStore) clearCheckpointLocked() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketCheckpoint).Delete(boltKeyCheckpoint)
	})
}

func (s *BoltStore) loadCheckpointLocked() (Checkpoint, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucketCheckpoint).Get(boltKeyCheckpoint); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	if data == nil {
		return Checkpoint{}, false, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint_corrupt_discarded", slog.Any("err", err))
		if clearErr := s.clearCheckpointLocked(); clearErr != nil {
			return Checkpoint{}, false, clearErr
		}
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (s *BoltStore) mutate(id string, fn func(*Write)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.loadLocked()
	if err != nil {
		return err
	}
	for i := range ws {
		if ws[i].ID != id {
			continue
		}
		if fn == nil {
			ws = append(ws[:i], ws[i+1:]...)
		} else {
			fn(&ws[i])
		}
		return s.saveLocked(ws)
	}
	return ErrNotFound
}

// loadLocked decodes the persisted log. Individually malformed records are
// dropped with a diagnostic; an unparsable blob wipes the key and yields an
// empty queue. Data loss is acceptable only for corruption, never for valid
// records. Future-versioned records are quarantined and legacy records
// missing an operation id get a deterministic one, written back best-effort.
func (s *BoltStore) loadLocked() ([]Write, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucketQueue).Get(boltKeyWrites); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		s.logger.Warn("queue_blob_corrupt_wiped", slog.Any("err", err))
		return nil, s.saveLocked(nil)
	}

	out := make([]Write, 0, len(raw))
	dirty := false
	for i, msg := range raw {
		var w Write
		if err := json.Unmarshal(msg, &w); err != nil {
			s.logger.Warn("queue_record_corrupt_dropped", slog.Int("index", i), slog.Any("err", err))
			dirty = true
			continue
		}
		if w.ID == "" || !w.EntityType.Valid() || !w.Op.Valid() || w.Target.LocalID == "" {
			s.logger.Warn("queue_record_corrupt_dropped", slog.Int("index", i), slog.String("id", w.ID))
			dirty = true
			continue
		}
		switch w.Status {
		case StatusPending, StatusRetrying, StatusFailedPermanent:
		default:
			w.Status = StatusPending
			dirty = true
		}
		if w.Version > SchemaVersion && w.Status != StatusFailedPermanent {
			w.Status = StatusFailedPermanent
			w.LastError = fmt.Sprintf("unsupported schema version %d", w.Version)
			dirty = true
		}
		if w.OperationID == "" {
			w.OperationID = entity.LegacyOperationID(w.EntityType, w.Target.LocalID, w.Op, w.ClientTimestamp)
			w.Version = SchemaVersion
			dirty = true
		}
		out = append(out, w)
	}
	sortWrites(out)

	if dirty {
		if err := s.saveLocked(out); err != nil {
			s.logger.Warn("queue_migrate_writeback_failed", slog.Any("err", err))
		}
	}
	return out, nil
}

func (s *BoltStore) saveLocked(ws []Write) error {
	sortWrites(ws)
	data, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucketQueue).Put(boltKeyWrites, data)
	})
}

func (s *BoltStore) enforceLimit(ws []Write) []Write {
	if s.maxRecords <= 0 || len(ws) <= s.maxRecords {
		return ws
	}
	sortWrites(ws)
	for _, w := range ws[s.maxRecords:] {
		s.logger.Warn("queue_overflow_dropped_newest",
			slog.String("id", w.ID),
			slog.String("key", w.Key()),
			slog.Int("max_records", s.maxRecords),
		)
	}
	return ws[:s.maxRecords]
}
