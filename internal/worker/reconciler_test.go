package worker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nuetzliches/pantrysync/internal/entity"
	"github.com/nuetzliches/pantrysync/internal/queue"
	"github.com/nuetzliches/pantrysync/internal/transport"
)

func testStore(t *testing.T, now *time.Time) queue.Store {
	t.Helper()
	return queue.NewMemoryStore(
		queue.WithNowFunc(func() time.Time { return now.UTC() }),
	)
}

func enqueue(t *testing.T, store queue.Store, et entity.Type, op entity.Op, localID, payload string) queue.Write {
	t.Helper()
	w, err := store.Enqueue(queue.EnqueueRequest{
		EntityType: et,
		Op:         op,
		Target:     entity.Target{LocalID: localID},
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("enqueue %s %s: %v", et, localID, err)
	}
	return w
}

func queueWrites(t *testing.T, store queue.Store) []queue.Write {
	t.Helper()
	ws, err := store.GetAll()
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	return ws
}

func TestReconcilePartialBatch(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w1 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)
	now = now.Add(time.Second)
	w2 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r2", `{}`)
	now = now.Add(time.Second)
	w3 := enqueue(t, store, entity.TypeChore, entity.OpCreate, "c1", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.Reconcile(&transport.Result{
		Status:           "partial",
		SucceededPresent: true,
		Succeeded: []transport.Succeeded{
			{OperationID: w1.OperationID, EntityType: "recipe", ID: "r1"},
			{OperationID: w3.OperationID, EntityType: "chore", ID: "c1"},
		},
		Conflicts: []transport.Conflict{
			{Type: "recipe", ID: "r2", OperationID: w2.OperationID, Reason: "stale write"},
		},
	}, []queue.Write{w1, w2, w3})

	if out.Removed != 2 || out.Retried != 1 || out.DeadLettered != 0 {
		t.Fatalf("outcome=%+v, want 2 removed 1 retried", out)
	}

	ws := queueWrites(t, store)
	if len(ws) != 1 {
		t.Fatalf("queue len=%d, want only the conflicted write", len(ws))
	}
	got := ws[0]
	if got.ID != w2.ID {
		t.Fatalf("remaining=%s, want %s", got.ID, w2.ID)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attemptCount=%d, want 1", got.AttemptCount)
	}
	if got.Status != queue.StatusRetrying {
		t.Fatalf("status=%q, want retrying", got.Status)
	}
}

func TestReconcileServerIDMapping(t *testing.T) {
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "local_r1", `{}`)

	var mappedType entity.Type
	var mappedLocal, mappedServer string
	var invalidated []entity.Type

	r := NewReconciler(store, nil, queue.MaxRetries, Events{
		OnInvalidate: func(t entity.Type) { invalidated = append(invalidated, t) },
		OnServerID: func(t entity.Type, localID, serverID string) {
			mappedType, mappedLocal, mappedServer = t, localID, serverID
		},
	})

	r.Reconcile(&transport.Result{
		Status:           transport.StatusSynced,
		SucceededPresent: true,
		Succeeded: []transport.Succeeded{
			{OperationID: w.OperationID, EntityType: "recipe", ID: "srv_42", ClientLocalID: "local_r1"},
		},
	}, []queue.Write{w})

	if mappedType != entity.TypeRecipe || mappedLocal != "local_r1" || mappedServer != "srv_42" {
		t.Fatalf("mapping=(%s,%s,%s), want (recipe,local_r1,srv_42)", mappedType, mappedLocal, mappedServer)
	}
	if len(invalidated) != 1 || invalidated[0] != entity.TypeRecipe {
		t.Fatalf("invalidated=%v, want [recipe]", invalidated)
	}
	if len(queueWrites(t, store)) != 0 {
		t.Fatalf("queue not empty after confirmed success")
	}
}

func TestReconcileConflictDeadLettersAtMaxRetries(t *testing.T) {
	now := time.Date(2026, 3, 5, 11, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w := enqueue(t, store, entity.TypeChore, entity.OpUpdate, "c1", `{}`)
	for i := 0; i < queue.MaxRetries; i++ {
		if _, err := store.IncrementRetry(w.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	w.AttemptCount = queue.MaxRetries

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.Reconcile(&transport.Result{
		Status:           "partial",
		SucceededPresent: true,
		Conflicts: []transport.Conflict{
			{Type: "chore", ID: "c1", OperationID: w.OperationID, Reason: "version mismatch"},
		},
	}, []queue.Write{w})

	if out.DeadLettered != 1 || out.Retried != 0 {
		t.Fatalf("outcome=%+v, want 1 dead-lettered", out)
	}
	ws := queueWrites(t, store)
	if len(ws) != 1 || ws[0].Status != queue.StatusFailedPermanent {
		t.Fatalf("writes=%v, want retained failed_permanent record", ws)
	}
	if ws[0].LastError != "version mismatch" {
		t.Fatalf("lastError=%q, want the conflict reason", ws[0].LastError)
	}
	if queue.Ready(ws[0], now.Add(time.Hour)) {
		t.Fatalf("dead-lettered write still reported ready")
	}
}

func TestReconcileLegacySyncedAuthorizesBulkRemoval(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w1 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)
	now = now.Add(time.Second)
	w2 := enqueue(t, store, entity.TypeChore, entity.OpCreate, "c1", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.Reconcile(&transport.Result{
		Status:           transport.StatusSynced,
		SucceededPresent: false,
	}, []queue.Write{w1, w2})

	if out.Removed != 2 {
		t.Fatalf("outcome=%+v, want bulk removal of both", out)
	}
	if len(queueWrites(t, store)) != 0 {
		t.Fatalf("queue not empty after legacy synced verdict")
	}
}

func TestReconcileLegacyPartialRemovesNothing(t *testing.T) {
	now := time.Date(2026, 3, 5, 13, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w1 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)
	now = now.Add(time.Second)
	w2 := enqueue(t, store, entity.TypeChore, entity.OpCreate, "c1", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.Reconcile(&transport.Result{
		Status:           "partial",
		SucceededPresent: false,
	}, []queue.Write{w1, w2})

	if out.Removed != 0 {
		t.Fatalf("outcome=%+v, want nothing removed: success cannot be proven", out)
	}
	if out.Unaccounted != 2 {
		t.Fatalf("unaccounted=%d, want 2", out.Unaccounted)
	}
	ws := queueWrites(t, store)
	if len(ws) != 2 {
		t.Fatalf("queue len=%d, want both retained", len(ws))
	}
	for _, w := range ws {
		if w.AttemptCount != 0 {
			t.Fatalf("attemptCount=%d for %s, want 0: no explicit conflict verdict", w.AttemptCount, w.ID)
		}
	}
}

func TestReconcileUnaccountedOperationKept(t *testing.T) {
	now := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w1 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)
	now = now.Add(time.Second)
	w2 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r2", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.Reconcile(&transport.Result{
		Status:           "partial",
		SucceededPresent: true,
		Succeeded: []transport.Succeeded{
			{OperationID: w1.OperationID, EntityType: "recipe", ID: "r1"},
		},
	}, []queue.Write{w1, w2})

	if out.Removed != 1 || out.Unaccounted != 1 {
		t.Fatalf("outcome=%+v, want 1 removed 1 unaccounted", out)
	}
	ws := queueWrites(t, store)
	if len(ws) != 1 || ws[0].ID != w2.ID {
		t.Fatalf("writes=%v, want the unaccounted write retained", ws)
	}
	if ws[0].AttemptCount != 0 || ws[0].Status != queue.StatusPending {
		t.Fatalf("unaccounted write=%+v, want untouched", ws[0])
	}
}

func TestHandleFailureConnectivityNoPenalty(t *testing.T) {
	now := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.HandleFailure(&transport.Error{Kind: transport.KindConnectivity, Err: errors.New("dial refused")}, []queue.Write{w})

	if !out.Connectivity || out.Retried != 0 || out.DeadLettered != 0 {
		t.Fatalf("outcome=%+v, want connectivity with no penalty", out)
	}
	ws := queueWrites(t, store)
	if ws[0].AttemptCount != 0 || ws[0].Status != queue.StatusPending {
		t.Fatalf("write=%+v, want attempt count and status untouched", ws[0])
	}
}

func TestHandleFailureAuthStopsWorker(t *testing.T) {
	now := time.Date(2026, 3, 5, 16, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	out := r.HandleFailure(&transport.Error{Kind: transport.KindAuth, StatusCode: 401}, []queue.Write{w})

	if !out.AuthFailure {
		t.Fatalf("outcome=%+v, want auth failure flagged", out)
	}
	ws := queueWrites(t, store)
	if ws[0].AttemptCount != 0 {
		t.Fatalf("attemptCount=%d, want 0: auth failure burns no retries", ws[0].AttemptCount)
	}
}

func TestHandleFailureServerErrorPenalizesAndDeadLetters(t *testing.T) {
	now := time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	enqueue(t, store, entity.TypeRecipe, entity.OpUpdate, "r1", `{}`)

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	serverErr := &transport.Error{Kind: transport.KindServer, StatusCode: 500}

	for i := 1; i <= queue.MaxRetries; i++ {
		out := r.HandleFailure(serverErr, queueWrites(t, store))
		if out.Retried != 1 || out.DeadLettered != 0 {
			t.Fatalf("attempt %d outcome=%+v, want retried", i, out)
		}
	}

	out := r.HandleFailure(serverErr, queueWrites(t, store))
	if out.DeadLettered != 1 {
		t.Fatalf("final outcome=%+v, want dead-lettered past max retries", out)
	}
	ws := queueWrites(t, store)
	if ws[0].Status != queue.StatusFailedPermanent {
		t.Fatalf("status=%q, want failed_permanent", ws[0].Status)
	}
	if ws[0].AttemptCount != queue.MaxRetries+1 {
		t.Fatalf("attemptCount=%d, want %d", ws[0].AttemptCount, queue.MaxRetries+1)
	}
}

func TestReconcileTrimsCheckpoint(t *testing.T) {
	now := time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC)
	store := testStore(t, &now)

	w1 := enqueue(t, store, entity.TypeRecipe, entity.OpCreate, "r1", `{}`)
	now = now.Add(time.Second)
	w2 := enqueue(t, store, entity.TypeChore, entity.OpCreate, "c1", `{}`)

	if err := store.SaveCheckpoint(queue.Checkpoint{
		CheckpointID:         "cp_1",
		UserID:               "u1",
		RequestID:            "req_1",
		InFlightOperationIDs: []string{w1.OperationID, w2.OperationID},
		CreatedAt:            now,
		TTL:                  time.Hour,
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	r := NewReconciler(store, nil, queue.MaxRetries, Events{})
	r.Reconcile(&transport.Result{
		Status:           "partial",
		SucceededPresent: true,
		Succeeded: []transport.Succeeded{
			{OperationID: w1.OperationID, EntityType: "recipe", ID: "r1"},
		},
	}, []queue.Write{w1, w2})

	cp, ok, err := store.LoadCheckpoint()
	if err != nil || !ok {
		t.Fatalf("load checkpoint: ok=%v err=%v", ok, err)
	}
	if len(cp.InFlightOperationIDs) != 1 || cp.InFlightOperationIDs[0] != w2.OperationID {
		t.Fatalf("inFlight=%v, want only %s", cp.InFlightOperationIDs, w2.OperationID)
	}
}
