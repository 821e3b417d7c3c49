package update

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

var now = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func TestPatchDecodeSignedAndAbsolute(t *testing.T) {
	var p Patch
	raw := `{"confidence":"+0.05","trust":"-3","status":"completed","level":0.7,"tags":["a"],"flag":true}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if p["confidence"].Kind != OpAdd || p["confidence"].Amount != 0.05 {
		t.Fatalf("expected Add(0.05), got %+v", p["confidence"])
	}
	if p["trust"].Kind != OpAdd || p["trust"].Amount != -3 {
		t.Fatalf("expected Add(-3), got %+v", p["trust"])
	}
	if p["status"].Kind != OpSet || p["status"].Value != "completed" {
		t.Fatalf("expected Set(completed), got %+v", p["status"])
	}
	if p["level"].Kind != OpSet || p["level"].Value != 0.7 {
		t.Fatalf("expected Set(0.7), got %+v", p["level"])
	}
	if p["flag"].Kind != OpSet || p["flag"].Value != true {
		t.Fatalf("expected Set(true), got %+v", p["flag"])
	}
}

func TestPatchDecodeAmbiguousStringsStaySet(t *testing.T) {
	var p Patch
	if err := json.Unmarshal([]byte(`{"a":"0.5","b":"+x","c":"+","d":"1-2"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		if p[k].Kind != OpSet {
			t.Errorf("%s: expected Set, got Add(%v)", k, p[k].Amount)
		}
	}
}

func TestPatchEncodeSigned(t *testing.T) {
	p := Patch{"up": Add(0.1), "down": Add(-2), "name": Set("ada")}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	json.Unmarshal(data, &back)
	if back["up"] != "+0.1" {
		t.Errorf("expected \"+0.1\", got %v", back["up"])
	}
	if back["down"] != "-2" {
		t.Errorf("expected \"-2\", got %v", back["down"])
	}
	if back["name"] != "ada" {
		t.Errorf("expected ada, got %v", back["name"])
	}
}

func TestMaxAbsDelta(t *testing.T) {
	p := Patch{"a": Add(-0.4), "b": Set(0.2), "c": Set("text"), "d": Add(0.1)}
	if got := MaxAbsDelta(p); got != 0.4 {
		t.Fatalf("expected 0.4, got %v", got)
	}
	if got := MaxAbsDelta(Patch{"c": Set("x")}); got != 0 {
		t.Fatalf("expected 0 for non-numeric patch, got %v", got)
	}
}

func TestClampSetsMaxFieldToExactBound(t *testing.T) {
	p := Patch{"confidence": Add(0.2)}
	got := Clamp(p, 0.1)

	if got["confidence"].Kind != OpAdd {
		t.Fatalf("clamp must keep op kind, got %+v", got["confidence"])
	}
	if got["confidence"].Amount != 0.1 {
		t.Fatalf("expected exactly 0.1, got %v", got["confidence"].Amount)
	}
	if MaxAbsDelta(got) != 0.1 {
		t.Fatalf("expected clamped magnitude 0.1, got %v", MaxAbsDelta(got))
	}
	if p["confidence"].Amount != 0.2 {
		t.Fatal("Clamp must not modify its input")
	}
}

func TestClampScalesOtherFieldsAndKeepsSign(t *testing.T) {
	p := Patch{"a": Add(-0.3), "b": Add(0.15), "label": Set("calm")}
	got := Clamp(p, 0.1)

	if got["a"].Amount != -0.1 {
		t.Fatalf("expected a=-0.1, got %v", got["a"].Amount)
	}
	if math.Abs(got["b"].Amount-0.05) > 1e-12 {
		t.Fatalf("expected b≈0.05, got %v", got["b"].Amount)
	}
	if got["label"].Value != "calm" {
		t.Fatalf("non-numeric field changed: %+v", got["label"])
	}
}

func TestClampWithinBoundIsUnchanged(t *testing.T) {
	p := Patch{"a": Add(0.05)}
	got := Clamp(p, 0.1)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("expected unchanged patch, got %+v", got)
	}
}

func TestClampArbitraryMagnitudes(t *testing.T) {
	bounds := []float64{0.1, 0.3, 1, 7.5}
	amounts := []float64{0.11, 0.7, -1.3, 9.99, 123.456}
	for _, b := range bounds {
		for _, a := range amounts {
			if math.Abs(a) <= b {
				continue
			}
			got := Clamp(Patch{"x": Add(a), "y": Set(a / 2)}, b)
			if MaxAbsDelta(got) != b {
				t.Errorf("bound=%v amount=%v: magnitude %v", b, a, MaxAbsDelta(got))
			}
		}
	}
}

func TestMergeAddAndSet(t *testing.T) {
	cur := state.Document{"confidence": 0.5, "status": "active"}
	next := Merge(cur, Patch{"confidence": Add(0.1), "status": Set("completed"), "fresh": Add(-2)}, now)

	if math.Abs(next["confidence"].(float64)-0.6) > 1e-12 {
		t.Fatalf("expected 0.6, got %v", next["confidence"])
	}
	if next["status"] != "completed" {
		t.Fatalf("expected completed, got %v", next["status"])
	}
	if next["fresh"] != -2.0 {
		t.Fatalf("missing field should default to 0 before add, got %v", next["fresh"])
	}
	if next[state.KeyLastDeltaAt] != now.Format(time.RFC3339Nano) {
		t.Fatalf("expected _lastDeltaAt stamp, got %v", next[state.KeyLastDeltaAt])
	}
	if cur["confidence"] != 0.5 {
		t.Fatal("Merge must not modify its input")
	}
}

func TestMergeAddOverNonNumericTreatsAsZero(t *testing.T) {
	next := Merge(state.Document{"trust": "high"}, Patch{"trust": Add(1)}, now)
	if next["trust"] != 1.0 {
		t.Fatalf("expected 1, got %v", next["trust"])
	}
}

func TestMergeAbsoluteIsIdempotent(t *testing.T) {
	p := Patch{"valence": Set(0.3), "label": Set("calm")}
	if !p.IsAbsolute() {
		t.Fatal("expected absolute patch")
	}
	once := Merge(state.Document{"valence": 0.9}, p, now)
	twice := Merge(once, p, now)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("absolute merge not idempotent: %v vs %v", once, twice)
	}
}

func TestMergeSignedIsNotIdempotent(t *testing.T) {
	p := Patch{"valence": Add(0.1)}
	once := Merge(state.Document{}, p, now)
	twice := Merge(once, p, now)
	if reflect.DeepEqual(once, twice) {
		t.Fatal("signed merge applied twice should differ")
	}
}

func TestProposalNormalize(t *testing.T) {
	p := StateDeltaProposal{Deltas: []StateDelta{{Type: state.DomainMood}}}.Normalize(now)
	if p.TurnID != now.Format(time.RFC3339Nano) {
		t.Fatalf("expected timestamp turn id, got %q", p.TurnID)
	}
	if !p.ProposedAt.Equal(now) {
		t.Fatalf("expected proposedAt filled, got %v", p.ProposedAt)
	}
	if p.Deltas[0].Source != SourceExternal {
		t.Fatalf("expected default external source, got %q", p.Deltas[0].Source)
	}

	kept := StateDeltaProposal{TurnID: "turn-9"}.Normalize(now)
	if kept.TurnID != "turn-9" {
		t.Fatalf("caller turn id overwritten: %q", kept.TurnID)
	}
}

func TestProposalDomains(t *testing.T) {
	p := StateDeltaProposal{Deltas: []StateDelta{
		{Type: state.DomainMood}, {Type: state.DomainBelief}, {Type: state.DomainMood},
	}}
	got := p.Domains()
	want := []state.Domain{state.DomainMood, state.DomainBelief}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
