package update

import (
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region merge
// Merge is a pure function that computes the next document from the current one
// and a patch. Add ops add to the current numeric field (missing or non-numeric
// counts as 0); Set ops replace. The result is stamped with _lastDeltaAt.
// The input document is not modified.
func Merge(current state.Document, patch Patch, now time.Time) state.Document {
	next := current.Clone()
	for _, key := range patch.Keys() {
		op := patch[key]
		switch op.Kind {
		case OpAdd:
			base, _ := asFloat(next[key])
			next[key] = base + op.Amount
		default:
			next[key] = op.Value
		}
	}
	next[state.KeyLastDeltaAt] = now.UTC().Format(time.RFC3339Nano)
	return next
}

// Resulting returns the values the patched keys hold in doc.
func Resulting(doc state.Document, patch Patch) map[string]any {
	out := make(map[string]any, len(patch))
	for k := range patch {
		out[k] = doc[k]
	}
	return out
}

// #endregion merge
