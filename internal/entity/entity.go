// Package entity defines the closed set of syncable entity kinds and the
// identity scheme used to key queued writes and deduplicate delivery.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRecipe       Type = "recipe"
	TypeShoppingList Type = "shoppingList"
	TypeShoppingItem Type = "shoppingItem"
	TypeChore        Type = "chore"
)

// Types lists every known entity type in a stable order.
func Types() []Type {
	return []Type{TypeRecipe, TypeShoppingList, TypeShoppingItem, TypeChore}
}

func (t Type) Valid() bool {
	switch t {
	case TypeRecipe, TypeShoppingList, TypeShoppingItem, TypeChore:
		return true
	}
	return false
}

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Target identifies the entity a write applies to. LocalID is always set and
// is the compaction/merge key; ServerID is filled in once the server has
// confirmed a create.
type Target struct {
	LocalID  string `json:"localId"`
	ServerID string `json:"serverId,omitempty"`
}

// Key derives the stable per-entity identity used for compaction folding.
func Key(t Type, localID string) string {
	return string(t) + ":" + localID
}

// NewOperationID returns a fresh idempotency key for one logical write.
// The key stays stable across retries; it is only replaced when compaction
// substitutes a newer write for the record.
func NewOperationID() string {
	return "op_" + uuid.NewString()
}

// LegacyOperationID deterministically derives an idempotency key for records
// persisted before operation identity existed. The digest is keyed on the
// fields that made the legacy write unique, so re-migrating the same record
// always yields the same key.
func LegacyOperationID(t Type, localID string, op Op, clientTimestamp time.Time) string {
	h := sha256.New()
	h.Write([]byte(string(t)))
	h.Write([]byte{0})
	h.Write([]byte(localID))
	h.Write([]byte{0})
	h.Write([]byte(string(op)))
	h.Write([]byte{0})
	h.Write([]byte(clientTimestamp.UTC().Format(time.RFC3339Nano)))
	sum := h.Sum(nil)
	return "op_legacy_" + hex.EncodeToString(sum[:16])
}
