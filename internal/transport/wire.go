// Package transport carries queued writes to the sync server: the batched
// wire format, the HTTP client, and the failure taxonomy the worker's retry
// policy keys on.
package transport

import (
	"encoding/json"
	"time"

	"github.com/nuetzliches/pantrysync/internal/entity"
	"github.com/nuetzliches/pantrysync/internal/queue"
)

// WriteDTO is one queued write on the wire. OperationID is the server-side
// deduplication key; Data is the full entity snapshot.
type WriteDTO struct {
	OperationID     string          `json:"operationId"`
	Op              entity.Op       `json:"op"`
	LocalID         string          `json:"localId"`
	ServerID        string          `json:"serverId,omitempty"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ShoppingListDTO nests the list's item writes. A list that only exists to
// carry orphaned item writes has no OperationID and no Op of its own.
type ShoppingListDTO struct {
	WriteDTO
	Items []WriteDTO `json:"items,omitempty"`
}

type BatchRequest struct {
	RequestID string            `json:"requestId"`
	Recipes   []WriteDTO        `json:"recipes,omitempty"`
	Lists     []ShoppingListDTO `json:"lists,omitempty"`
	Chores    []WriteDTO        `json:"chores,omitempty"`
}

// Empty reports whether the batch carries no writes at all.
func (b BatchRequest) Empty() bool {
	return len(b.Recipes) == 0 && len(b.Lists) == 0 && len(b.Chores) == 0
}

// OperationIDs returns every operation id in the batch, items included.
func (b BatchRequest) OperationIDs() []string {
	var ids []string
	add := func(dto WriteDTO) {
		if dto.OperationID != "" {
			ids = append(ids, dto.OperationID)
		}
	}
	for _, dto := range b.Recipes {
		add(dto)
	}
	for _, list := range b.Lists {
		add(list.WriteDTO)
		for _, item := range list.Items {
			add(item)
		}
	}
	for _, dto := range b.Chores {
		add(dto)
	}
	return ids
}

// NewBatch groups the given writes into the wire shape. Shopping-item writes
// nest under their list's DTO; when no write for the owning list is in the
// batch, a payload-only carrier list is synthesized from the listId embedded
// in the item snapshot.
func NewBatch(requestID string, writes []queue.Write) BatchRequest {
	b := BatchRequest{RequestID: requestID}

	listIndex := map[string]int{}
	for _, w := range writes {
		if w.EntityType != entity.TypeShoppingList {
			continue
		}
		dto := writeDTO(w)
		listIndex[w.Target.LocalID] = len(b.Lists)
		b.Lists = append(b.Lists, ShoppingListDTO{WriteDTO: dto})
	}

	for _, w := range writes {
		switch w.EntityType {
		case entity.TypeRecipe:
			b.Recipes = append(b.Recipes, writeDTO(w))
		case entity.TypeChore:
			b.Chores = append(b.Chores, writeDTO(w))
		case entity.TypeShoppingItem:
			listID := peekListID(w.Payload)
			at, ok := listIndex[listID]
			if !ok {
				listIndex[listID] = len(b.Lists)
				at = len(b.Lists)
				b.Lists = append(b.Lists, ShoppingListDTO{WriteDTO: WriteDTO{LocalID: listID}})
			}
			b.Lists[at].Items = append(b.Lists[at].Items, writeDTO(w))
		}
	}

	return b
}

func writeDTO(w queue.Write) WriteDTO {
	return WriteDTO{
		OperationID:     w.OperationID,
		Op:              w.Op,
		LocalID:         w.Target.LocalID,
		ServerID:        w.Target.ServerID,
		ClientTimestamp: w.ClientTimestamp,
		Data:            w.Payload,
	}
}

func peekListID(payload json.RawMessage) string {
	var probe struct {
		ListID string `json:"listId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ListID
}

type Conflict struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	OperationID string `json:"operationId"`
	Reason      string `json:"reason"`
}

type Succeeded struct {
	OperationID   string `json:"operationId"`
	EntityType    string `json:"entityType"`
	ID            string `json:"id"`
	ClientLocalID string `json:"clientLocalId,omitempty"`
}

// Result is the server's verdict on one batch. SucceededPresent
// distinguishes an empty succeeded list from a server predating
// idempotency-key support that omits the field entirely; the reconciler's
// bulk-removal compatibility path hinges on that distinction.
type Result struct {
	Status    string
	Conflicts []Conflict
	Succeeded []Succeeded

	SucceededPresent bool
}

const StatusSynced = "synced"

func (r *Result) UnmarshalJSON(data []byte) error {
	var wire struct {
		Status    string      `json:"status"`
		Conflicts []Conflict  `json:"conflicts"`
		Succeeded []Succeeded `json:"succeeded"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	_, present := probe["succeeded"]

	r.Status = wire.Status
	r.Conflicts = wire.Conflicts
	r.Succeeded = wire.Succeeded
	r.SucceededPresent = present
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	wire := map[string]any{
		"status":    r.Status,
		"conflicts": r.Conflicts,
	}
	if r.SucceededPresent {
		wire["succeeded"] = r.Succeeded
	}
	return json.Marshal(wire)
}

// ParseResult decodes a response body into a Result if it is schema-valid.
// A body with no status field is not a verdict, whatever its shape.
func ParseResult(body []byte) (*Result, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, false
	}
	if r.Status == "" {
		return nil, false
	}
	return &r, true
}
