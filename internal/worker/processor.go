package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/pantrysync/internal/queue"
	"github.com/nuetzliches/pantrysync/internal/transport"
)

// Transport is the outbound boundary the processor delivers through.
// *transport.Client satisfies it.
type Transport interface {
	SubmitBatch(ctx context.Context, batch transport.BatchRequest) (*transport.Result, error)
	Ping(ctx context.Context) error
}

type State string

const (
	StateIdle           State = "idle"
	StateWaitingOffline State = "waiting_offline"
	StateWaitingBackoff State = "waiting_backoff"
	StateProcessing     State = "processing"
	StateStopped        State = "stopped"
)

const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultCheckpointTTL = 5 * time.Minute
)

type ProcessorOption func(*Processor)

func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithNowFunc(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.nowFn = now
		}
	}
}

func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithCheckpointTTL(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.checkpointTTL = d
		}
	}
}

func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

func WithEvents(events Events) ProcessorOption {
	return func(p *Processor) {
		p.events = events
	}
}

func WithIdentity(userID, householdID string) ProcessorOption {
	return func(p *Processor) {
		p.userID = userID
		p.householdID = householdID
	}
}

// Processor is the single delivery worker. Exactly one batch is in flight at
// a time; UI-originated enqueues run concurrently against the store.
type Processor struct {
	store         queue.Store
	transport     Transport
	reconciler    *Reconciler
	logger        *slog.Logger
	nowFn         func() time.Time
	pollInterval  time.Duration
	checkpointTTL time.Duration
	maxRetries    int
	userID        string
	householdID   string
	events        Events

	mu       sync.Mutex
	state    State
	running  bool
	stopping bool
	gen      uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	pending  *pendingBatch
}

// pendingBatch is the shared result handle: callers that find a batch already
// in flight await the same outcome instead of issuing a second submission.
type pendingBatch struct {
	done    chan struct{}
	outcome Outcome
}

func NewProcessor(store queue.Store, tr Transport, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:         store,
		transport:     tr,
		logger:        slog.Default(),
		nowFn:         time.Now,
		pollInterval:  DefaultPollInterval,
		checkpointTTL: DefaultCheckpointTTL,
		maxRetries:    queue.MaxRetries,
		state:         StateStopped,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.reconciler = NewReconciler(store, p.logger, p.maxRetries, p.events)
	return p
}

// State reports the loop's current phase.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the delivery loop. Calling Start while the loop is running
// or while a Stop is in progress is a no-op; the loop exits on Stop, on an
// authentication failure, or once the queue is fully drained.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.running || p.stopping {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.state = StateIdle
	p.mu.Unlock()

	p.recoverCheckpoint()

	p.wg.Add(1)
	go p.run(gen, stopCh)
}

// Stop cancels the loop and waits for it to exit. The cancellation flag is
// checked in every suspension point, so a stop takes effect within one poll
// tick rather than only between batches. Start calls arriving while Stop
// waits are no-ops; they must not relaunch a loop the waiter never joins.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running && !p.stopping {
		p.mu.Unlock()
		return
	}
	if !p.stopping {
		p.stopping = true
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.stopping = false
	p.stopCh = nil
	p.mu.Unlock()
}

// exitLoop clears the running flag, but only for the generation that owns
// it: a loop relaunched from the drain path must not be clobbered by its
// predecessor's exit.
func (p *Processor) exitLoop(gen uint64) {
	p.mu.Lock()
	if p.gen == gen {
		p.running = false
		p.state = StateStopped
	}
	p.mu.Unlock()
}

func (p *Processor) run(gen uint64, stopCh chan struct{}) {
	defer p.wg.Done()
	defer p.exitLoop(gen)

	for {
		if cancelled(stopCh) {
			return
		}

		// Capture the wake channel before reading the queue so an enqueue
		// racing the read still interrupts the upcoming sleep.
		wake := p.store.Wake()

		writes, err := p.store.GetAll()
		if err != nil {
			p.logger.Warn("worker_queue_read_failed", slog.Any("err", err))
			if !p.sleep(stopCh, wake, p.pollInterval) {
				return
			}
			continue
		}
		live := liveWrites(writes)
		if len(live) == 0 {
			// Confirm by re-reading before declaring the queue drained; an
			// enqueue may have raced the first read.
			writes, err = p.store.GetAll()
			if err == nil && len(liveWrites(writes)) == 0 {
				p.logger.Debug("worker_queue_drained")
				p.exitLoop(gen)
				// An enqueue racing the confirming read has already fired
				// the wake channel. The running flag is cleared, so a
				// relaunch here cannot be swallowed as a no-op.
				select {
				case <-wake:
					p.Start()
				default:
				}
				return
			}
			continue
		}

		pingCtx, cancelPing := stopContext(stopCh)
		pingErr := p.transport.Ping(pingCtx)
		cancelPing()
		if pingErr != nil {
			p.setState(StateWaitingOffline)
			p.logger.Debug("worker_waiting_offline", slog.Any("err", pingErr))
			if !p.sleep(stopCh, wake, p.pollInterval) {
				return
			}
			continue
		}

		now := p.nowFn()
		if !anyReady(live, now) {
			p.setState(StateWaitingBackoff)
			if !p.sleepUntil(stopCh, wake, earliestNextAttempt(live), now) {
				return
			}
			continue
		}

		p.setState(StateProcessing)
		outcome := p.ProcessReadyItems()
		if outcome.AuthFailure {
			p.logger.Error("worker_stopped_auth_failure")
			return
		}
		p.setState(StateIdle)
	}
}

// ProcessReadyItems submits one batch of ready writes. A call arriving while
// a batch is already in flight awaits that batch's outcome instead of
// submitting a second one.
func (p *Processor) ProcessReadyItems() Outcome {
	p.mu.Lock()
	if p.pending != nil {
		pending := p.pending
		p.mu.Unlock()
		<-pending.done
		return pending.outcome
	}
	pending := &pendingBatch{done: make(chan struct{})}
	p.pending = pending
	p.mu.Unlock()

	outcome := p.processBatch()

	p.mu.Lock()
	pending.outcome = outcome
	p.pending = nil
	p.mu.Unlock()
	close(pending.done)

	return outcome
}

func (p *Processor) processBatch() Outcome {
	writes, err := p.store.GetAll()
	if err != nil {
		p.logger.Warn("worker_queue_read_failed", slog.Any("err", err))
		return Outcome{}
	}
	now := p.nowFn()
	var ready []queue.Write
	for _, w := range liveWrites(writes) {
		if queue.Ready(w, now) {
			if w.AttemptCount > 0 && w.LastAttemptAt.IsZero() {
				// Ready fails open for retry records with no attempt
				// timestamp; surface the inconsistency.
				p.logger.Warn("retry_missing_last_attempt",
					slog.String("id", w.ID),
					slog.Int("attempt_count", w.AttemptCount),
				)
			}
			ready = append(ready, w)
		}
	}
	if len(ready) == 0 {
		return Outcome{}
	}

	batch := transport.NewBatch(newRequestID(), ready)
	if batch.Empty() {
		// Everything folded away locally: the writes are net no-ops and can
		// be dropped without a network call.
		for _, w := range ready {
			if err := p.store.Remove(w.ID); err != nil {
				p.logger.Warn("worker_noop_remove_failed",
					slog.String("id", w.ID), slog.Any("err", err))
			}
		}
		return Outcome{Removed: len(ready)}
	}

	cp := queue.Checkpoint{
		CheckpointID:         "cp_" + uuid.NewString(),
		UserID:               p.userID,
		HouseholdID:          p.householdID,
		RequestID:            batch.RequestID,
		InFlightOperationIDs: batch.OperationIDs(),
		CreatedAt:            now.UTC(),
		AttemptCount:         1,
		TTL:                  p.checkpointTTL,
	}
	if err := p.store.SaveCheckpoint(cp); err != nil {
		// Without the recovery anchor a crash mid-flight could lose track of
		// the batch. Skip this attempt rather than fly blind.
		p.logger.Warn("worker_checkpoint_save_failed", slog.Any("err", err))
		return Outcome{}
	}

	p.logger.Info("sync_batch_submitting",
		slog.String("request_id", batch.RequestID),
		slog.Int("items", len(ready)),
	)

	submitCtx, cancelSubmit := stopContext(p.stopChan())
	result, submitErr := p.transport.SubmitBatch(submitCtx, batch)
	cancelSubmit()

	// The attempt happened, whatever the verdict.
	for _, w := range ready {
		if err := p.store.UpdateLastAttempt(w.ID); err != nil {
			p.logger.Warn("worker_last_attempt_update_failed",
				slog.String("id", w.ID), slog.Any("err", err))
		}
	}

	var outcome Outcome
	if submitErr != nil {
		outcome = p.reconciler.HandleFailure(submitErr, ready)
	} else {
		outcome = p.reconciler.Reconcile(result, ready)
	}

	// The flight is over; remaining items are governed by their own retry
	// bookkeeping, not by the checkpoint.
	if err := p.store.ClearCheckpoint(); err != nil {
		p.logger.Warn("worker_checkpoint_clear_failed", slog.Any("err", err))
	}

	p.logger.Info("sync_batch_done",
		slog.String("request_id", batch.RequestID),
		slog.Int("removed", outcome.Removed),
		slog.Int("retried", outcome.Retried),
		slog.Int("dead_lettered", outcome.DeadLettered),
		slog.Int("unaccounted", outcome.Unaccounted),
		slog.Bool("offline", outcome.Connectivity),
	)

	return outcome
}

// recoverCheckpoint handles a checkpoint left behind by a crash. A live
// checkpoint means a batch may have reached the server with unknown outcome;
// the safe recovery is a fresh batch, since the server deduplicates by
// operationId. Assuming either success or failure would risk loss or
// duplication.
func (p *Processor) recoverCheckpoint() {
	cp, ok, err := p.store.LoadCheckpoint()
	if err != nil {
		p.logger.Warn("worker_checkpoint_load_failed", slog.Any("err", err))
		return
	}
	if !ok {
		return
	}
	now := p.nowFn()
	if cp.Expired(now) || len(cp.InFlightOperationIDs) == 0 {
		p.logger.Debug("worker_checkpoint_expired_discarded",
			slog.String("checkpoint_id", cp.CheckpointID),
		)
	} else {
		p.logger.Warn("worker_checkpoint_recovered",
			slog.String("checkpoint_id", cp.CheckpointID),
			slog.String("request_id", cp.RequestID),
			slog.Int("in_flight", len(cp.InFlightOperationIDs)),
		)
	}
	if err := p.store.ClearCheckpoint(); err != nil {
		p.logger.Warn("worker_checkpoint_clear_failed", slog.Any("err", err))
	}
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func cancelled(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// sleep waits out d, returning early (true) when a new write lands and
// immediately (false) on cancellation.
func (p *Processor) sleep(stopCh <-chan struct{}, wake <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = p.pollInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// sleepUntil waits for the earliest next-ready instant. The zero time means
// some write is already eligible, so only a minimal pause applies.
func (p *Processor) sleepUntil(stopCh <-chan struct{}, wake <-chan struct{}, at time.Time, now time.Time) bool {
	d := p.pollInterval
	if !at.IsZero() && at.After(now) {
		d = at.Sub(now)
	}
	return p.sleep(stopCh, wake, d)
}

// stopContext returns a context cancelled when stopCh closes, so an
// in-flight transport call cannot outlive Stop. A nil stopCh never cancels.
// Callers must invoke the cancel func once the call returns.
func stopContext(stopCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (p *Processor) stopChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh
}

func newRequestID() string {
	return "req_" + uuid.NewString()
}

func liveWrites(ws []queue.Write) []queue.Write {
	out := ws[:0:0]
	for _, w := range ws {
		if w.Live() {
			out = append(out, w)
		}
	}
	return out
}

func anyReady(ws []queue.Write, now time.Time) bool {
	for _, w := range ws {
		if queue.Ready(w, now) {
			return true
		}
	}
	return false
}

func earliestNextAttempt(ws []queue.Write) time.Time {
	var earliest time.Time
	for _, w := range ws {
		if !w.Live() {
			continue
		}
		at := queue.NextAttemptAt(w)
		if at.IsZero() {
			return time.Time{}
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest
}
