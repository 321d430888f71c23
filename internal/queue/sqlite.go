package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nuetzliches/pantrysync/internal/entity"
)

const sqliteSchemaVersion = 2

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS queued_writes (
  id               TEXT PRIMARY KEY,
  operation_id     TEXT NOT NULL,
  entity_type      TEXT NOT NULL,
  op               TEXT NOT NULL,
  local_id         TEXT NOT NULL,
  server_id        TEXT,
  payload          BLOB,
  client_timestamp INTEGER NOT NULL,
  attempt_count    INTEGER NOT NULL,
  last_attempt_at  INTEGER,
  status           TEXT NOT NULL,
  last_error       TEXT,
  version          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_writes_order
  ON queued_writes(client_timestamp, id);
CREATE INDEX IF NOT EXISTS idx_queued_writes_status
  ON queued_writes(status, client_timestamp);
`

const sqliteSchemaV2 = `
CREATE TABLE IF NOT EXISTS sync_checkpoints (
  slot                    INTEGER PRIMARY KEY CHECK (slot = 1),
  checkpoint_id           TEXT NOT NULL,
  user_id                 TEXT NOT NULL,
  household_id            TEXT,
  request_id              TEXT NOT NULL,
  in_flight_operation_ids TEXT NOT NULL,
  created_at              INTEGER NOT NULL,
  last_attempt_at         INTEGER,
  attempt_count           INTEGER NOT NULL,
  ttl_ns                  INTEGER NOT NULL
);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteMaxRecords(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxRecords = n
		}
	}
}

func WithSQLiteLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SQLiteStore persists the queue in a local sqlite database shared with the
// rest of the application. All mutating calls are serialized through one
// mutex; the database handle itself is held to a single connection.
type SQLiteStore struct {
	db *sql.DB

	mu         sync.Mutex
	nowFn      func() time.Time
	logger     *slog.Logger
	notify     chan struct{}
	maxRecords int
}

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:         db,
		nowFn:      time.Now,
		logger:     slog.Default(),
		notify:     make(chan struct{}),
		maxRecords: DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	hasVersion := true
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		hasVersion = false
		current = 0
	case err != nil:
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current > sqliteSchemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
	}

	for v := current + 1; v <= sqliteSchemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion {
		if _, err := conn.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
	} else if current != sqliteSchemaVersion {
		if _, err := conn.ExecContext(ctx, `UPDATE schema_migrations SET version = ?;`, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Enqueue(req EnqueueRequest) (Write, error) {
	if err := validateEnqueue(req); err != nil {
		return Write{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if err := s.compactLocked(ctx); err != nil {
		return Write{}, err
	}

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
	if err := s.insertLocked(ctx, w); err != nil {
		return Write{}, err
	}

	if err := s.compactLocked(ctx); err != nil {
		return Write{}, err
	}
	if err := s.enforceLimitLocked(ctx); err != nil {
		return Write{}, err
	}

	close(s.notify)
	s.notify = make(chan struct{})

	return w, nil
}

func (s *SQLiteStore) GetAll() ([]Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(context.Background())
}

func (s *SQLiteStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(context.Background(), `DELETE FROM queued_writes WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *SQLiteStore) IncrementRetry(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	res, err := s.db.ExecContext(ctx, `UPDATE queued_writes SET attempt_count = attempt_count + 1 WHERE id = ?;`, id)
	if err != nil {
		return 0, err
	}
	if err := affectedOrNotFound(res); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT attempt_count FROM queued_writes WHERE id = ?;`, id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) UpdateStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(context.Background(), `UPDATE queued_writes SET status = ? WHERE id = ?;`, string(status), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *SQLiteStore) MarkFailedPermanent(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(context.Background(),
		`UPDATE queued_writes SET status = ?, last_error = ? WHERE id = ?;`,
		string(StatusFailedPermanent), reason, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *SQLiteStore) UpdateLastAttempt(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(context.Background(),
		`UPDATE queued_writes SET last_attempt_at = ? WHERE id = ?;`,
		s.nowFn().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *SQLiteStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked(context.Background())
}

func (s *SQLiteStore) ClearFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(context.Background(),
		`DELETE FROM queued_writes WHERE status = ?;`, string(StatusFailedPermanent))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.loadLocked(context.Background())
	if err != nil {
		return Stats{}, err
	}
	return statsFor(ws, s.nowFn()), nil
}

func (s *SQLiteStore) SaveCheckpoint(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := json.Marshal(cp.InFlightOperationIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(context.Background(), `
INSERT INTO sync_checkpoints
  (slot, checkpoint_id, user_id, household_id, request_id, in_flight_operation_ids, created_at, last_attempt_at, attempt_count, ttl_ns)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
  checkpoint_id = excluded.checkpoint_id,
  user_id = excluded.user_id,
  household_id = excluded.household_id,
  request_id = excluded.request_id,
  in_flight_operation_ids = excluded.in_flight_operation_ids,
  created_at = excluded.created_at,
  last_attempt_at = excluded.last_attempt_at,
  attempt_count = excluded.attempt_count,
  ttl_ns = excluded.ttl_ns;
`,
		cp.CheckpointID, cp.UserID, cp.HouseholdID, cp.RequestID, string(ids),
		cp.CreatedAt.UTC().UnixNano(), timeToNanos(cp.LastAttemptAt), cp.AttemptCount, int64(cp.TTL))
	return err
}

func (s *SQLiteStore) LoadCheckpoint() (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCheckpointLocked(context.Background())
}

func (s *SQLiteStore) TrimCheckpoint(confirmedOperationIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	cp, ok, err := s.loadCheckpointLocked(ctx)
	if err != nil || !ok {
		return err
	}
	trimOperationIDs(&cp, confirmedOperationIDs)
	if len(cp.InFlightOperationIDs) == 0 {
		return s.clearCheckpointLocked(ctx)
	}
	ids, err := json.Marshal(cp.InFlightOperationIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sync_checkpoints SET in_flight_operation_ids = ? WHERE slot = 1;`, string(ids))
	return err
}

func (s *SQLiteStore) ClearCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCheckpointLocked(context.Background())
}

func (s *SQLiteStore) Wake() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *SQLiteStore) clearCheckpointLocked(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE slot = 1;`)
	return err
}

func (s *SQLiteStore) loadCheckpointLocked(ctx context.Context) (Checkpoint, bool, error) {
	var (
		cp            Checkpoint
		householdID   sql.NullString
		idsJSON       string
		createdAt     int64
		lastAttemptAt sql.NullInt64
		ttlNanos      int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT checkpoint_id, user_id, household_id, request_id, in_flight_operation_ids, created_at, last_attempt_at, attempt_count, ttl_ns
FROM sync_checkpoints WHERE slot = 1;
`).Scan(&cp.CheckpointID, &cp.UserID, &householdID, &cp.RequestID, &idsJSON, &createdAt, &lastAttemptAt, &cp.AttemptCount, &ttlNanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}

	cp.HouseholdID = householdID.String
	cp.CreatedAt = nanosToTime(createdAt)
	if lastAttemptAt.Valid {
		cp.LastAttemptAt = nanosToTime(lastAttemptAt.Int64)
	}
	cp.TTL = time.Duration(ttlNanos)
	if err := json.Unmarshal([]byte(idsJSON), &cp.InFlightOperationIDs); err != nil {
		// Unreadable in-flight set: discard the checkpoint rather than guess.
		s.logger.Warn("checkpoint_corrupt_discarded", slog.Any("err", err))
		if clearErr := s.clearCheckpointLocked(ctx); clearErr != nil {
			return Checkpoint{}, false, clearErr
		}
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (s *SQLiteStore) insertLocked(ctx context.Context, w Write) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queued_writes
  (id, operation_id, entity_type, op, local_id, server_id, payload, client_timestamp, attempt_count, last_attempt_at, status, last_error, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		w.ID, w.OperationID, string(w.EntityType), string(w.Op), w.Target.LocalID, w.Target.ServerID,
		[]byte(w.Payload), w.ClientTimestamp.UTC().UnixNano(), w.AttemptCount, timeToNanos(w.LastAttemptAt),
		string(w.Status), w.LastError, w.Version)
	return err
}

// loadLocked reads every retained write in timestamp order, self-healing as
// it goes: structurally invalid rows are deleted, rows written by a newer
// schema are quarantined as failed_permanent, and legacy rows missing an
// operation id get a deterministic one assigned and written back.
func (s *SQLiteStore) loadLocked(ctx context.Context) ([]Write, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operation_id, entity_type, op, local_id, server_id, payload, client_timestamp, attempt_count, last_attempt_at, status, last_error, version
FROM queued_writes
ORDER BY client_timestamp ASC, id ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out      []Write
		dropIDs  []string
		fixups   []Write
		quarIDs  []string
		quarMsgs []string
	)
	for rows.Next() {
		var (
			w             Write
			entityType    string
			op            string
			serverID      sql.NullString
			payload       []byte
			clientTS      int64
			lastAttemptAt sql.NullInt64
			status        string
			lastError     sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.OperationID, &entityType, &op, &w.Target.LocalID, &serverID,
			&payload, &clientTS, &w.AttemptCount, &lastAttemptAt, &status, &lastError, &w.Version); err != nil {
			return nil, err
		}

		w.EntityType = entity.Type(entityType)
		w.Op = entity.Op(op)
		w.Target.ServerID = serverID.String
		w.Payload = payload
		w.ClientTimestamp = nanosToTime(clientTS)
		if lastAttemptAt.Valid {
			w.LastAttemptAt = nanosToTime(lastAttemptAt.Int64)
		}
		w.Status = Status(status)
		w.LastError = lastError.String

		if !w.EntityType.Valid() || !w.Op.Valid() || w.Target.LocalID == "" {
			s.logger.Warn("queue_record_corrupt_dropped", slog.String("id", w.ID))
			dropIDs = append(dropIDs, w.ID)
			continue
		}
		switch w.Status {
		case StatusPending, StatusRetrying, StatusFailedPermanent:
		default:
			w.Status = StatusPending
		}

		if w.Version > SchemaVersion && w.Status != StatusFailedPermanent {
			w.Status = StatusFailedPermanent
			w.LastError = fmt.Sprintf("unsupported schema version %d", w.Version)
			quarIDs = append(quarIDs, w.ID)
			quarMsgs = append(quarMsgs, w.LastError)
		}
		if w.OperationID == "" {
			w.OperationID = entity.LegacyOperationID(w.EntityType, w.Target.LocalID, w.Op, w.ClientTimestamp)
			w.Version = SchemaVersion
			fixups = append(fixups, w)
		}

		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range dropIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_writes WHERE id = ?;`, id); err != nil {
			s.logger.Warn("queue_record_drop_failed", slog.String("id", id), slog.Any("err", err))
		}
	}
	for i, id := range quarIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE queued_writes SET status = ?, last_error = ? WHERE id = ?;`,
			string(StatusFailedPermanent), quarMsgs[i], id); err != nil {
			s.logger.Warn("queue_record_quarantine_failed", slog.String("id", id), slog.Any("err", err))
		}
	}
	// Best-effort write-back of lazily assigned operation ids.
	for _, w := range fixups {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE queued_writes SET operation_id = ?, version = ? WHERE id = ?;`,
			w.OperationID, w.Version, w.ID); err != nil {
			s.logger.Warn("queue_record_migrate_failed", slog.String("id", w.ID), slog.Any("err", err))
		}
	}

	return out, nil
}

func (s *SQLiteStore) compactLocked(ctx context.Context) error {
	ws, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	compacted := Compact(ws, s.logger)
	if len(compacted) == len(ws) && sameWriteSet(ws, compacted) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_writes;`); err != nil {
		return err
	}
	for _, w := range compacted {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queued_writes
  (id, operation_id, entity_type, op, local_id, server_id, payload, client_timestamp, attempt_count, last_attempt_at, status, last_error, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			w.ID, w.OperationID, string(w.EntityType), string(w.Op), w.Target.LocalID, w.Target.ServerID,
			[]byte(w.Payload), w.ClientTimestamp.UTC().UnixNano(), w.AttemptCount, timeToNanos(w.LastAttemptAt),
			string(w.Status), w.LastError, w.Version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) enforceLimitLocked(ctx context.Context) error {
	if s.maxRecords <= 0 {
		return nil
	}
	ws, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if len(ws) <= s.maxRecords {
		return nil
	}
	for _, w := range ws[s.maxRecords:] {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM queued_writes WHERE id = ?;`, w.ID); err != nil {
			return err
		}
		s.logger.Warn("queue_overflow_dropped_newest",
			slog.String("id", w.ID),
			slog.String("key", w.Key()),
			slog.Int("max_records", s.maxRecords),
		)
	}
	return nil
}

func sameWriteSet(a, b []Write) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].OperationID != b[i].OperationID ||
			!a[i].ClientTimestamp.Equal(b[i].ClientTimestamp) || a[i].Op != b[i].Op {
			return false
		}
	}
	return true
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func timeToNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
