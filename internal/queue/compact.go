package queue

import (
	"log/slog"

	"github.com/nuetzliches/pantrysync/internal/entity"
)

// Compact folds a sequence of writes into the minimal equivalent set,
// processing in ascending ClientTimestamp order and folding per
// (entityType, localId) key:
//
//	create ⊕ update → create carrying the update's payload
//	update ⊕ update → update carrying the later payload
//	create ⊕ delete → dropped entirely (net no-op)
//	delete ⊕ update → delete unchanged
//	delete ⊕ delete → delete unchanged
//
// Whenever a fold replaces the payload, the incoming write's OperationID
// wins: it represents the latest real intent and must be the idempotency
// key the server sees. Any other combination should not occur given the op
// state machine; it is preserved as separate entries and logged.
//
// Dead-lettered writes do not participate: they are retained verbatim for
// diagnostics and must not swallow (or be revived by) newer intent.
func Compact(writes []Write, logger *slog.Logger) []Write {
	if logger == nil {
		logger = slog.Default()
	}

	sorted := append([]Write(nil), writes...)
	sortWrites(sorted)

	out := make([]*Write, 0, len(sorted))
	idx := make(map[string]int, len(sorted))

	for i := range sorted {
		in := sorted[i]
		if !in.Live() {
			out = append(out, &sorted[i])
			continue
		}

		key := in.Key()
		at, ok := idx[key]
		if !ok || out[at] == nil {
			idx[key] = len(out)
			out = append(out, &sorted[i])
			continue
		}

		ex := out[at]
		switch {
		case ex.Op == entity.OpCreate && in.Op == entity.OpUpdate,
			ex.Op == entity.OpUpdate && in.Op == entity.OpUpdate:
			merged := *ex
			merged.Payload = in.Payload
			merged.ClientTimestamp = in.ClientTimestamp
			merged.OperationID = in.OperationID
			*out[at] = merged

		case ex.Op == entity.OpCreate && in.Op == entity.OpDelete:
			out[at] = nil
			delete(idx, key)

		case ex.Op == entity.OpDelete && (in.Op == entity.OpUpdate || in.Op == entity.OpDelete):
			// Delete already captures the final intent.

		default:
			logger.Warn("compact_unexpected_op_pair",
				slog.String("key", key),
				slog.String("existing_op", string(ex.Op)),
				slog.String("incoming_op", string(in.Op)),
			)
			idx[key] = len(out)
			out = append(out, &sorted[i])
		}
	}

	result := make([]Write, 0, len(out))
	for _, w := range out {
		if w != nil {
			result = append(result, *w)
		}
	}
	return result
}
