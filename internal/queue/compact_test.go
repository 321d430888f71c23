package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nuetzliches/pantrysync/internal/entity"
)

func compactWrite(id string, et entity.Type, op entity.Op, localID, payload string, at time.Time) Write {
	return Write{
		ID:              id,
		OperationID:     "op_" + id,
		EntityType:      et,
		Op:              op,
		Target:          entity.Target{LocalID: localID},
		Payload:         json.RawMessage(payload),
		ClientTimestamp: at,
		Status:          StatusPending,
		Version:         SchemaVersion,
	}
}

func TestCompactCreateThenUpdateFolds(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	out := Compact([]Write{
		compactWrite("wr_1", entity.TypeRecipe, entity.OpCreate, "r1", `{"name":"alt"}`, base),
		compactWrite("wr_2", entity.TypeRecipe, entity.OpUpdate, "r1", `{"name":"neu"}`, base.Add(time.Second)),
	}, nil)

	if len(out) != 1 {
		t.Fatalf("len=%d, want 1", len(out))
	}
	w := out[0]
	if w.Op != entity.OpCreate {
		t.Fatalf("op=%s, want create: the server never saw the entity", w.Op)
	}
	if w.ID != "wr_1" {
		t.Fatalf("id=%s, want the original record wr_1", w.ID)
	}
	if string(w.Payload) != `{"name":"neu"}` {
		t.Fatalf("payload=%s, want the update payload", w.Payload)
	}
	if w.OperationID != "op_wr_2" {
		t.Fatalf("operationId=%s, want the latest intent op_wr_2", w.OperationID)
	}
	if !w.ClientTimestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("clientTimestamp=%v, want the update instant", w.ClientTimestamp)
	}
}

func TestCompactUpdateChainKeepsLast(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 10, 0, 0, time.UTC)
	out := Compact([]Write{
		compactWrite("wr_1", entity.TypeChore, entity.OpUpdate, "c1", `{"v":1}`, base),
		compactWrite("wr_2", entity.TypeChore, entity.OpUpdate, "c1", `{"v":2}`, base.Add(time.Second)),
		compactWrite("wr_3", entity.TypeChore, entity.OpUpdate, "c1", `{"v":3}`, base.Add(2*time.Second)),
	}, nil)

	if len(out) != 1 {
		t.Fatalf("len=%d, want 1", len(out))
	}
	if out[0].Op != entity.OpUpdate || string(out[0].Payload) != `{"v":3}` || out[0].OperationID != "op_wr_3" {
		t.Fatalf("got %+v, want single update carrying {\"v\":3} and op_wr_3", out[0])
	}
}

func TestCompactCreateThenDeleteCancels(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 20, 0, 0, time.UTC)
	out := Compact([]Write{
		compactWrite("wr_1", entity.TypeShoppingItem, entity.OpCreate, "i1", `{"qty":1}`, base),
		compactWrite("wr_2", entity.TypeShoppingItem, entity.OpUpdate, "i1", `{"qty":4}`, base.Add(time.Second)),
		compactWrite("wr_3", entity.TypeShoppingItem, entity.OpDelete, "i1", ``, base.Add(2*time.Second)),
	}, nil)

	if len(out) != 0 {
		t.Fatalf("len=%d, want 0: entity never existed server-side", len(out))
	}
}

func TestCompactDeleteAbsorbsLaterOps(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	out := Compact([]Write{
		compactWrite("wr_1", entity.TypeRecipe, entity.OpDelete, "r1", ``, base),
		compactWrite("wr_2", entity.TypeRecipe, entity.OpUpdate, "r1", `{"name":"geist"}`, base.Add(time.Second)),
		compactWrite("wr_3", entity.TypeRecipe, entity.OpDelete, "r1", ``, base.Add(2*time.Second)),
	}, nil)

	if len(out) != 1 {
		t.Fatalf("len=%d, want 1", len(out))
	}
	if out[0].ID != "wr_1" || out[0].Op != entity.OpDelete {
		t.Fatalf("got %+v, want the original delete unchanged", out[0])
	}
}

func TestCompactKeysAreIndependent(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 40, 0, 0, time.UTC)
	out := Compact([]Write{
		compactWrite("wr_1", entity.TypeRecipe, entity.OpCreate, "r1", `{}`, base),
		compactWrite("wr_2", entity.TypeChore, entity.OpCreate, "r1", `{}`, base.Add(time.Second)),
		compactWrite("wr_3", entity.TypeRecipe, entity.OpCreate, "r2", `{}`, base.Add(2*time.Second)),
	}, nil)

	if len(out) != 3 {
		t.Fatalf("len=%d, want 3: same localId under different types must not fold", len(out))
	}
}

func TestCompactProcessesOutOfOrderInput(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC)
	// Input arrives newest-first; folding must still honor timestamp order.
	out := Compact([]Write{
		compactWrite("wr_2", entity.TypeRecipe, entity.OpUpdate, "r1", `{"name":"neu"}`, base.Add(time.Second)),
		compactWrite("wr_1", entity.TypeRecipe, entity.OpCreate, "r1", `{"name":"alt"}`, base),
	}, nil)

	if len(out) != 1 {
		t.Fatalf("len=%d, want 1", len(out))
	}
	if out[0].Op != entity.OpCreate || string(out[0].Payload) != `{"name":"neu"}` {
		t.Fatalf("got %+v, want create carrying the newer payload", out[0])
	}
}

func TestCompactUnexpectedPairPreserved(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	// update followed by delete is outside the documented fold table.
	out := Compact([]Write{
		compactWrite("wr_1", entity.TypeChore, entity.OpUpdate, "c1", `{"v":1}`, base),
		compactWrite("wr_2", entity.TypeChore, entity.OpDelete, "c1", ``, base.Add(time.Second)),
	}, nil)

	if len(out) != 2 {
		t.Fatalf("len=%d, want both entries preserved", len(out))
	}
}

func TestCompactSkipsDeadLetters(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	dead := compactWrite("wr_1", entity.TypeRecipe, entity.OpCreate, "r1", `{"name":"kaputt"}`, base)
	dead.Status = StatusFailedPermanent
	dead.LastError = "server rejected"

	out := Compact([]Write{
		dead,
		compactWrite("wr_2", entity.TypeRecipe, entity.OpDelete, "r1", ``, base.Add(time.Second)),
	}, nil)

	if len(out) != 2 {
		t.Fatalf("len=%d, want 2: dead letters neither fold nor get revived", len(out))
	}
	for _, w := range out {
		if w.ID == "wr_1" && w.Status != StatusFailedPermanent {
			t.Fatalf("dead letter status=%q, want failed_permanent retained", w.Status)
		}
	}
}

func TestCompactEmptyAndSingle(t *testing.T) {
	if out := Compact(nil, nil); len(out) != 0 {
		t.Fatalf("compact nil len=%d, want 0", len(out))
	}
	base := time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC)
	single := compactWrite("wr_1", entity.TypeShoppingList, entity.OpCreate, "l1", `{}`, base)
	out := Compact([]Write{single}, nil)
	if len(out) != 1 || out[0].ID != "wr_1" {
		t.Fatalf("compact single got %v, want untouched", out)
	}
}
