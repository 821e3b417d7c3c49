package update

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
)

// #region patch-op
// OpKind selects how a patch value combines with the stored value.
type OpKind int

const (
	OpSet OpKind = iota // replace the stored value
	OpAdd               // add Amount to the stored numeric value
)

// PatchOp is one field update. Value is used by OpSet, Amount by OpAdd.
type PatchOp struct {
	Kind   OpKind
	Value  any
	Amount float64
}

// Set replaces the stored field with v.
func Set(v any) PatchOp { return PatchOp{Kind: OpSet, Value: v} }

// Add adds amount to the stored numeric field.
func Add(amount float64) PatchOp { return PatchOp{Kind: OpAdd, Amount: amount} }

// Magnitude returns the absolute numeric size of the op. Non-numeric sets
// report ok=false.
func (op PatchOp) Magnitude() (float64, bool) {
	if op.Kind == OpAdd {
		return math.Abs(op.Amount), true
	}
	f, ok := asFloat(op.Value)
	if !ok {
		return 0, false
	}
	return math.Abs(f), true
}

// scaled multiplies the numeric part of op by factor.
func (op PatchOp) scaled(factor float64) PatchOp {
	if op.Kind == OpAdd {
		return Add(op.Amount * factor)
	}
	if f, ok := asFloat(op.Value); ok {
		return Set(f * factor)
	}
	return op
}

// withMagnitude returns op with its numeric part set to exactly mag, keeping the sign.
func (op PatchOp) withMagnitude(mag float64) PatchOp {
	if op.Kind == OpAdd {
		return Add(math.Copysign(mag, op.Amount))
	}
	if f, ok := asFloat(op.Value); ok {
		return Set(math.Copysign(mag, f))
	}
	return op
}

func (op PatchOp) String() string {
	if op.Kind == OpAdd {
		return formatSigned(op.Amount)
	}
	return fmt.Sprintf("%v", op.Value)
}

// #endregion patch-op

// #region json
var signedNumber = regexp.MustCompile(`^[+-](\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// MarshalJSON encodes Add ops as signed-delta strings ("+0.05") and Set ops as
// their plain value.
func (op PatchOp) MarshalJSON() ([]byte, error) {
	if op.Kind == OpAdd {
		return json.Marshal(formatSigned(op.Amount))
	}
	return json.Marshal(op.Value)
}

// UnmarshalJSON decodes a signed-delta string into Add and anything else into Set.
func (op *PatchOp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if signedNumber.MatchString(s) {
			f, err := strconv.ParseFloat(s, 64)
			if err == nil && !math.IsInf(f, 0) {
				*op = Add(f)
				return nil
			}
		}
		*op = Set(s)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*op = Set(v)
	return nil
}

func formatSigned(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if f >= 0 && !math.Signbit(f) {
		return "+" + s
	}
	return s
}

// #endregion json

// #region patch
// Patch maps document field names to operations.
type Patch map[string]PatchOp

// Keys returns the patch keys sorted.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsAbsolute reports whether every op is a Set. Absolute patches are idempotent.
func (p Patch) IsAbsolute() bool {
	for _, op := range p {
		if op.Kind != OpSet {
			return false
		}
	}
	return true
}

// Clone copies the patch map.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MaxAbsDelta returns the largest numeric magnitude in the patch, counting both
// signed deltas and absolute numeric values. Non-numeric fields are ignored.
func MaxAbsDelta(p Patch) float64 {
	var max float64
	for _, op := range p {
		if m, ok := op.Magnitude(); ok && m > max {
			max = m
		}
	}
	return max
}

// Clamp scales the numeric fields of p so that MaxAbsDelta equals bound. The
// field(s) holding the maximum are set to exactly ±bound; other numeric fields
// are scaled by the same factor; non-numeric fields pass through unchanged.
// A patch already within bound is returned as a copy.
func Clamp(p Patch, bound float64) Patch {
	max := MaxAbsDelta(p)
	out := p.Clone()
	if max <= bound || max == 0 {
		return out
	}
	factor := bound / max
	for k, op := range p {
		m, ok := op.Magnitude()
		if !ok {
			continue
		}
		if m == max {
			out[k] = op.withMagnitude(bound)
		} else {
			out[k] = op.scaled(factor)
		}
	}
	return out
}

// #endregion patch

// #region helpers
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// #endregion helpers
