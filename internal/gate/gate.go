package gate

import (
	"fmt"
	"maps"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/invariant"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region gate
// Gate decides accept, clamp or reject for each delta of a proposal.
type Gate struct {
	config GateConfig
	table  *invariant.Table
}

// NewGate creates a gate. A nil table is permissive.
func NewGate(config GateConfig, table *invariant.Table) *Gate {
	if table == nil {
		table = invariant.Empty()
	}
	return &Gate{config: config, table: table}
}

// Config returns the gate settings.
func (g *Gate) Config() GateConfig { return g.config }

// Table returns the invariant table the gate checks against.
func (g *Gate) Table() *invariant.Table { return g.table }

// Evaluate returns one result per delta, in proposal order. A delta that
// applies marks its domain mutated at ctx.Now, so later deltas of the same
// proposal see that domain's cooldown.
func (g *Gate) Evaluate(proposal update.StateDeltaProposal, ctx Context) []DeltaGateResult {
	results := make([]DeltaGateResult, len(proposal.Deltas))
	ctx.LastMutated = maps.Clone(ctx.LastMutated)
	for i, d := range proposal.Deltas {
		results[i] = g.EvaluateDelta(i, d, ctx)
		results[i].DeltaIndex = i
		if results[i].Verdict.Applies() {
			if ctx.LastMutated == nil {
				ctx.LastMutated = make(map[state.Domain]time.Time)
			}
			ctx.LastMutated[d.Type] = ctx.Now
		}
	}
	return results
}

// EvaluateDelta runs the checks for one delta:
// domain, confidence floor, cooldown, evidence, magnitude clamp, invariant rules.
func (g *Gate) EvaluateDelta(index int, d update.StateDelta, ctx Context) DeltaGateResult {
	if !d.Type.Valid() {
		return reject(index, GateSchema, ReasonUnknownDomain)
	}
	if d.IsSystem() {
		return DeltaGateResult{DeltaIndex: index, Verdict: VerdictAccept, Gate: GateSystem, Reason: ReasonSystem}
	}

	// 1. Confidence floor
	if floor := g.config.FloorFor(d.Type); d.Confidence < floor {
		return reject(index, GateConfidence, ReasonLowConfidence)
	}

	// 2. Cooldown
	if cd := g.config.Cooldowns[d.Type]; cd > 0 {
		if last, ok := ctx.LastMutated[d.Type]; ok && !last.IsZero() && ctx.Now.Sub(last) < cd {
			return reject(index, GateCooldown, ReasonCooldownActive)
		}
	}

	// 3. Evidence
	if g.config.EvidenceRequired[d.Type] && len(d.SupportingEventHashes) == 0 {
		return reject(index, GateEvidence, ReasonMissingEvidence)
	}

	// 4. Magnitude: clamp instead of reject
	result := DeltaGateResult{DeltaIndex: index, Verdict: VerdictAccept, Gate: GatePass, Reason: ReasonPassed}
	effective := d
	if bound, ok := g.bound(d, ctx); ok && update.MaxAbsDelta(d.Patch) > bound {
		clamped := update.Clamp(d.Patch, bound)
		effective = d.WithPatch(clamped)
		result = DeltaGateResult{
			DeltaIndex:   index,
			Verdict:      VerdictClamp,
			Gate:         GateMagnitude,
			Reason:       ReasonMagnitudeClamped,
			ClampedPatch: clamped,
		}
	}

	// 5. Invariant rules on the effective delta; ceilings were enforced above.
	for _, check := range g.table.EvaluateBeyondCeilings(effective) {
		if !check.Passed {
			return reject(index, GateInvariantPrefix+check.Rule.ID, check.Message)
		}
	}
	return result
}

// bound is the magnitude ceiling for d: the tightest max_abs_delta invariant,
// else the configured default step, scaled by the context.
func (g *Gate) bound(d update.StateDelta, ctx Context) (float64, bool) {
	b, ok := g.table.Bound(d.Type)
	if !ok {
		if g.config.DefaultMaxStep <= 0 {
			return 0, false
		}
		b = g.config.DefaultMaxStep
	}
	return b * ctx.scale(), true
}

func reject(index int, gate, reason string) DeltaGateResult {
	return DeltaGateResult{DeltaIndex: index, Verdict: VerdictReject, Gate: gate, Reason: reason}
}

// #endregion gate

// Describe renders a result for logs and CLI output.
func Describe(r DeltaGateResult) string {
	if r.Verdict == VerdictClamp {
		return fmt.Sprintf("#%d %s (%s) %s -> %v", r.DeltaIndex, r.Verdict, r.Gate, r.Reason, r.ClampedPatch)
	}
	return fmt.Sprintf("#%d %s (%s) %s", r.DeltaIndex, r.Verdict, r.Gate, r.Reason)
}
