package invariant

import (
	"strings"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// Extract derives a named metric from a delta. ok is false when the metric does
// not apply (unknown name, absent or non-numeric patch field).
func Extract(metric string, delta update.StateDelta) (float64, bool) {
	switch metric {
	case MetricMaxAbsDelta:
		return update.MaxAbsDelta(delta.Patch), true
	case MetricConfidence:
		return delta.Confidence, true
	case MetricEvidenceCount:
		return float64(len(delta.SupportingEventHashes)), true
	}
	key, ok := strings.CutPrefix(metric, MetricPatchPrefix)
	if !ok || key == "" {
		return 0, false
	}
	op, ok := delta.Patch[key]
	if !ok {
		return 0, false
	}
	if op.Kind == update.OpAdd {
		return op.Amount, true
	}
	return numeric(op.Value)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func validMetric(m string) bool {
	switch m {
	case MetricMaxAbsDelta, MetricConfidence, MetricEvidenceCount:
		return true
	}
	key, ok := strings.CutPrefix(m, MetricPatchPrefix)
	return ok && key != ""
}
