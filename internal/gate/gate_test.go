package gate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/invariant"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func mustTable(t *testing.T, src string) *invariant.Table {
	t.Helper()
	tbl, err := invariant.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	return tbl
}

const beliefStep = `
rules:
  - id: belief-step
    domain: belief
    metric: max_abs_delta
    comparator: lte
    threshold: 0.1
  - id: mood-valence-ceiling
    domain: mood
    metric: patch.valence
    comparator: lte
    threshold: 0.5
`

func proposal(deltas ...update.StateDelta) update.StateDeltaProposal {
	return update.StateDeltaProposal{TurnID: "turn-1", ProposedAt: now, Deltas: deltas}
}

func TestBeliefOversizedIsClampedToExactBound(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep))
	d := update.StateDelta{
		Type:                  state.DomainBelief,
		Patch:                 update.Patch{"confidence": update.Add(0.2)},
		Confidence:            0.9,
		SupportingEventHashes: []string{"evt-1"},
	}

	results := g.Evaluate(proposal(d), Context{Now: now})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Verdict != VerdictClamp {
		t.Fatalf("expected clamp, got %s (%s)", r.Verdict, r.Reason)
	}
	if r.Gate != GateMagnitude || r.Reason != ReasonMagnitudeClamped {
		t.Fatalf("unexpected gate/reason: %s/%s", r.Gate, r.Reason)
	}
	data, err := json.Marshal(r.ClampedPatch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"confidence":"+0.1"}` {
		t.Fatalf("expected clamped patch {\"confidence\":\"+0.1\"}, got %s", data)
	}
}

func TestGoalWithoutEvidenceIsRejected(t *testing.T) {
	g := NewGate(DefaultGateConfig(), invariant.Empty())
	d := update.StateDelta{
		Type:       state.DomainGoal,
		TargetID:   "goal-3",
		Patch:      update.Patch{"status": update.Set("active")},
		Confidence: 0.95,
		Notes:      "reopening completed goal",
	}

	r := g.Evaluate(proposal(d), Context{Now: now})[0]
	if r.Verdict != VerdictReject || r.Reason != ReasonMissingEvidence {
		t.Fatalf("expected reject/missing_evidence, got %s/%s", r.Verdict, r.Reason)
	}
	if r.ClampedPatch != nil {
		t.Fatal("clampedPatch must be absent on reject")
	}
}

func TestClampAlwaysHitsBound(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep))
	for _, amount := range []float64{0.10001, 0.15, 0.7, -3, 42} {
		d := update.StateDelta{
			Type:                  state.DomainBelief,
			Patch:                 update.Patch{"x": update.Add(amount), "y": update.Add(amount / 3), "label": update.Set("keep")},
			Confidence:            0.9,
			SupportingEventHashes: []string{"e"},
		}
		r := g.EvaluateDelta(0, d, Context{Now: now})
		if r.Verdict != VerdictClamp {
			t.Fatalf("amount %v: expected clamp, got %s", amount, r.Verdict)
		}
		if got := update.MaxAbsDelta(r.ClampedPatch); got != 0.1 {
			t.Fatalf("amount %v: clamped magnitude %v, want exactly 0.1", amount, got)
		}
		if r.ClampedPatch["label"].Value != "keep" {
			t.Fatalf("non-numeric field changed: %+v", r.ClampedPatch["label"])
		}
	}
}

func TestPrecedenceOrder(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Cooldowns[state.DomainBelief] = time.Hour
	g := NewGate(cfg, mustTable(t, beliefStep))
	recent := Context{Now: now, LastMutated: map[state.Domain]time.Time{state.DomainBelief: now.Add(-time.Minute)}}

	// low confidence wins over cooldown and evidence
	d := update.StateDelta{Type: state.DomainBelief, Patch: update.Patch{"x": update.Add(5)}, Confidence: 0.1}
	if r := g.EvaluateDelta(0, d, recent); r.Reason != ReasonLowConfidence || r.Gate != GateConfidence {
		t.Fatalf("expected low_confidence, got %s/%s", r.Gate, r.Reason)
	}

	// cooldown wins over evidence
	d.Confidence = 0.9
	if r := g.EvaluateDelta(0, d, recent); r.Reason != ReasonCooldownActive {
		t.Fatalf("expected cooldown_active, got %s", r.Reason)
	}

	// evidence wins over magnitude
	if r := g.EvaluateDelta(0, d, Context{Now: now}); r.Reason != ReasonMissingEvidence {
		t.Fatalf("expected missing_evidence, got %s", r.Reason)
	}
}

func TestCooldownExpires(t *testing.T) {
	g := NewGate(DefaultGateConfig(), invariant.Empty())
	d := update.StateDelta{
		Type:                  state.DomainPersonality,
		Patch:                 update.Patch{"openness": update.Add(0.05)},
		Confidence:            0.9,
		SupportingEventHashes: []string{"e"},
	}
	old := Context{Now: now, LastMutated: map[state.Domain]time.Time{state.DomainPersonality: now.Add(-2 * time.Hour)}}
	if r := g.EvaluateDelta(0, d, old); r.Verdict != VerdictAccept {
		t.Fatalf("expected accept after cooldown, got %s/%s", r.Verdict, r.Reason)
	}
}

func TestInvariantRuleRejectsWithMessage(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep))
	d := update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"valence": update.Set(0.8)}, Confidence: 0.9}

	r := g.EvaluateDelta(0, d, Context{Now: now})
	if r.Verdict != VerdictReject {
		t.Fatalf("expected reject, got %s", r.Verdict)
	}
	if r.Gate != GateInvariantPrefix+"mood-valence-ceiling" {
		t.Fatalf("unexpected gate %q", r.Gate)
	}
	if !strings.Contains(r.Reason, "mood-valence-ceiling") {
		t.Fatalf("reason should carry rule message, got %q", r.Reason)
	}
}

func TestInvariantsSeeClampedPatch(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.DefaultMaxStep = 0.5
	g := NewGate(cfg, mustTable(t, beliefStep))
	// valence 0.9 is clamped to 0.5 which satisfies lte 0.5
	d := update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"valence": update.Set(0.9)}, Confidence: 0.9}

	r := g.EvaluateDelta(0, d, Context{Now: now})
	if r.Verdict != VerdictClamp {
		t.Fatalf("expected clamp, got %s/%s", r.Verdict, r.Reason)
	}
}

func TestStepScaleShrinksBound(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep))
	d := update.StateDelta{
		Type:                  state.DomainBelief,
		Patch:                 update.Patch{"confidence": update.Add(0.08)},
		Confidence:            0.9,
		SupportingEventHashes: []string{"e"},
	}
	if r := g.EvaluateDelta(0, d, Context{Now: now}); r.Verdict != VerdictAccept {
		t.Fatalf("expected accept at scale 1, got %s", r.Verdict)
	}
	r := g.EvaluateDelta(0, d, Context{Now: now, StepScale: 0.5})
	if r.Verdict != VerdictClamp {
		t.Fatalf("expected clamp at scale 0.5, got %s", r.Verdict)
	}
	if got := update.MaxAbsDelta(r.ClampedPatch); got != 0.05 {
		t.Fatalf("expected bound 0.05, got %v", got)
	}
}

func TestDefaultMaxStepZeroDisablesClamp(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.DefaultMaxStep = 0
	g := NewGate(cfg, nil)
	d := update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"arousal": update.Add(9)}, Confidence: 0.9}
	if r := g.EvaluateDelta(0, d, Context{Now: now}); r.Verdict != VerdictAccept {
		t.Fatalf("expected accept, got %s", r.Verdict)
	}
}

func TestSystemDeltaBypassesGates(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep))
	d := update.StateDelta{
		Type:   state.DomainBelief,
		Patch:  update.Patch{"confidence": update.Add(-0.9)},
		Source: update.SourceSystem,
	}
	r := g.EvaluateDelta(0, d, Context{Now: now})
	if r.Verdict != VerdictAccept || r.Gate != GateSystem {
		t.Fatalf("expected accept/system, got %s/%s", r.Verdict, r.Gate)
	}
}

func TestOneResultPerDeltaInOrder(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep))
	p := proposal(
		update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"valence": update.Add(0.1)}, Confidence: 0.9},
		update.StateDelta{Type: state.DomainGoal, Patch: update.Patch{"status": update.Set("done")}, Confidence: 0.9},
		update.StateDelta{Type: state.DomainBelief, Patch: update.Patch{"c": update.Add(0.3)}, Confidence: 0.9, SupportingEventHashes: []string{"e"}},
		update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"valence": update.Add(0.1)}, Source: update.SourceSystem},
	)
	results := g.Evaluate(p, Context{Now: now})
	if len(results) != len(p.Deltas) {
		t.Fatalf("expected %d results, got %d", len(p.Deltas), len(results))
	}
	want := []Verdict{VerdictAccept, VerdictReject, VerdictClamp, VerdictAccept}
	for i, r := range results {
		if r.DeltaIndex != i {
			t.Errorf("result %d has index %d", i, r.DeltaIndex)
		}
		if r.Verdict != want[i] {
			t.Errorf("result %d: expected %s, got %s (%s)", i, want[i], r.Verdict, r.Reason)
		}
	}
	a, c, rj := Counts(results)
	if a != 2 || c != 1 || rj != 1 {
		t.Fatalf("counts = %d/%d/%d", a, c, rj)
	}
}

func TestEmptyProposal(t *testing.T) {
	g := NewGate(DefaultGateConfig(), nil)
	if got := g.Evaluate(proposal(), Context{Now: now}); len(got) != 0 {
		t.Fatalf("expected no results, got %d", len(got))
	}
}

func TestUnknownDomainIsRejected(t *testing.T) {
	g := NewGate(DefaultGateConfig(), nil)
	d := update.StateDelta{Type: "dreams", Patch: update.Patch{"x": update.Add(0.1)}, Source: update.SourceSystem}
	r := g.EvaluateDelta(0, d, Context{Now: now})
	if r.Verdict != VerdictReject || r.Gate != GateSchema || r.Reason != ReasonUnknownDomain {
		t.Fatalf("expected schema reject, got %s/%s/%s", r.Verdict, r.Gate, r.Reason)
	}
}

func TestMagnitudeFloorRuleIsEnforced(t *testing.T) {
	g := NewGate(DefaultGateConfig(), mustTable(t, beliefStep+`
  - id: mood-min-step
    domain: mood
    metric: max_abs_delta
    comparator: gte
    threshold: 0.05
`))
	tiny := update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"arousal": update.Add(0.01)}, Confidence: 0.9}
	r := g.EvaluateDelta(0, tiny, Context{Now: now})
	if r.Verdict != VerdictReject || r.Gate != GateInvariantPrefix+"mood-min-step" {
		t.Fatalf("expected floor reject, got %s/%s", r.Verdict, r.Gate)
	}

	enough := update.StateDelta{Type: state.DomainMood, Patch: update.Patch{"arousal": update.Add(0.1)}, Confidence: 0.9}
	if r := g.EvaluateDelta(0, enough, Context{Now: now}); r.Verdict != VerdictAccept {
		t.Fatalf("expected accept, got %s/%s", r.Verdict, r.Reason)
	}
}

func TestCooldownAppliesWithinOneProposal(t *testing.T) {
	g := NewGate(DefaultGateConfig(), nil)
	trait := func(key string) update.StateDelta {
		return update.StateDelta{
			Type:                  state.DomainPersonality,
			Patch:                 update.Patch{key: update.Add(0.05)},
			Confidence:            0.9,
			SupportingEventHashes: []string{"e"},
		}
	}
	lowConfidence := trait("warmth")
	lowConfidence.Confidence = 0.1

	ctx := Context{Now: now, LastMutated: map[state.Domain]time.Time{}}
	results := g.Evaluate(proposal(lowConfidence, trait("openness"), trait("warmth")), ctx)
	want := []struct {
		verdict Verdict
		reason  string
	}{
		{VerdictReject, ReasonLowConfidence},
		{VerdictAccept, ReasonPassed},
		{VerdictReject, ReasonCooldownActive},
	}
	for i, w := range want {
		if results[i].Verdict != w.verdict || results[i].Reason != w.reason {
			t.Errorf("delta %d: got %s/%s, want %s/%s", i, results[i].Verdict, results[i].Reason, w.verdict, w.reason)
		}
	}
	if len(ctx.LastMutated) != 0 {
		t.Fatal("caller's context must not be modified")
	}
}
