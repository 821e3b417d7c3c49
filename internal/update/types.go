package update

import (
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region source
// Source says who produced a delta. System deltas come from autonomous
// internal evolution (e.g. mood decay) and are not gated.
type Source string

const (
	SourceExternal Source = "external"
	SourceSystem   Source = "system"
)

// #endregion source

// #region state-delta
// StateDelta is one proposed mutation of one domain document.
type StateDelta struct {
	Type                  state.Domain `json:"type"`
	TargetID              string       `json:"targetId"`
	Patch                 Patch        `json:"patch"`
	Confidence            float64      `json:"confidence"`
	SupportingEventHashes []string     `json:"supportingEventHashes"`
	Notes                 string       `json:"notes,omitempty"`
	Source                Source       `json:"source,omitempty"`
}

// IsSystem reports whether the delta bypasses gating.
func (d StateDelta) IsSystem() bool {
	return d.Source == SourceSystem
}

// WithPatch returns a copy of d carrying p.
func (d StateDelta) WithPatch(p Patch) StateDelta {
	d.Patch = p
	return d
}

// #endregion state-delta

// #region proposal
// StateDeltaProposal is one governance transaction ("turn").
type StateDeltaProposal struct {
	TurnID     string       `json:"turnId"`
	ProposedAt time.Time    `json:"proposedAt"`
	Deltas     []StateDelta `json:"deltas"`
}

// Normalize fills ProposedAt and TurnID when absent. The default turn id is the
// proposal timestamp.
func (p StateDeltaProposal) Normalize(now time.Time) StateDeltaProposal {
	if p.ProposedAt.IsZero() {
		p.ProposedAt = now.UTC()
	}
	if p.TurnID == "" {
		p.TurnID = p.ProposedAt.UTC().Format(time.RFC3339Nano)
	}
	for i := range p.Deltas {
		if p.Deltas[i].Source == "" {
			p.Deltas[i].Source = SourceExternal
		}
	}
	return p
}

// Domains returns the distinct domains touched by the proposal, in first-seen order.
func (p StateDeltaProposal) Domains() []state.Domain {
	seen := make(map[state.Domain]bool, len(p.Deltas))
	var out []state.Domain
	for _, d := range p.Deltas {
		if !seen[d.Type] {
			seen[d.Type] = true
			out = append(out, d.Type)
		}
	}
	return out
}

// #endregion proposal
