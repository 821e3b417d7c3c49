package replay

import (
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region shadow-types
// DocumentLoader reads current domain documents. *state.Store satisfies it.
type DocumentLoader interface {
	Load(d state.Domain) state.LoadResult
}

// WouldApply is one delta the gate let through, with the values its patched
// keys would have held after a real commit.
type WouldApply struct {
	DeltaIndex int            `json:"deltaIndex"`
	Domain     state.Domain   `json:"domain"`
	TargetID   string         `json:"targetId"`
	Patch      update.Patch   `json:"patch"`
	Resulting  map[string]any `json:"resulting"`
}

// ShadowReport is the dry-run outcome of a proposal.
type ShadowReport struct {
	TurnID           string                 `json:"turnId"`
	Accepted         int                    `json:"accepted"`
	Rejected         int                    `json:"rejected"`
	Clamped          int                    `json:"clamped"`
	GateResults      []gate.DeltaGateResult `json:"gateResults"`
	WouldHaveApplied []WouldApply           `json:"wouldHaveApplied"`
}

// #endregion shadow-types

// #region shadow
// RunShadowMode gates a proposal and computes what a commit would have written,
// without writing anything. Deltas on the same domain accumulate in order, as
// they would in a real commit. A nil loader starts every domain empty.
func RunShadowMode(g *gate.Gate, docs DocumentLoader, proposal update.StateDeltaProposal, ctx gate.Context) ShadowReport {
	results := g.Evaluate(proposal, ctx)
	report := ShadowReport{
		TurnID:           proposal.TurnID,
		GateResults:      results,
		WouldHaveApplied: []WouldApply{},
	}
	report.Accepted, report.Clamped, report.Rejected = gate.Counts(results)

	working := make(map[state.Domain]state.Document)
	for _, r := range results {
		if !r.Verdict.Applies() {
			continue
		}
		d := proposal.Deltas[r.DeltaIndex]
		doc, ok := working[d.Type]
		if !ok {
			doc = state.Document{}
			if docs != nil {
				doc = docs.Load(d.Type).OrEmpty()
			}
		}
		patch := r.Effective(d)
		doc = update.Merge(doc, patch, ctx.Now)
		working[d.Type] = doc

		report.WouldHaveApplied = append(report.WouldHaveApplied, WouldApply{
			DeltaIndex: r.DeltaIndex,
			Domain:     d.Type,
			TargetID:   d.TargetID,
			Patch:      patch,
			Resulting:  update.Resulting(doc, patch),
		})
	}
	return report
}

// #endregion shadow
