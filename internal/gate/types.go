package gate

import (
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region verdict
// Verdict is the gate outcome for one delta.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictClamp  Verdict = "clamp"
	VerdictReject Verdict = "reject"
)

// Applies reports whether a delta with this verdict reaches storage.
func (v Verdict) Applies() bool {
	return v == VerdictAccept || v == VerdictClamp
}

// #endregion verdict

// #region reasons
// Machine-readable rejection and clamp reasons. Invariant rejections carry the
// rule message instead.
const (
	ReasonUnknownDomain    = "unknown_domain"
	ReasonLowConfidence    = "low_confidence"
	ReasonCooldownActive   = "cooldown_active"
	ReasonMissingEvidence  = "missing_evidence"
	ReasonMagnitudeClamped = "magnitude_clamped"
	ReasonSystem           = "system_delta"
	ReasonPassed           = "passed"
)

// Gate names recorded on each result.
const (
	GateSchema     = "schema"
	GateConfidence = "confidence"
	GateCooldown   = "cooldown"
	GateEvidence   = "evidence"
	GateMagnitude  = "magnitude"
	GatePass       = "pass"
	GateSystem     = "system"
	// GateInvariantPrefix is followed by the failing rule id.
	GateInvariantPrefix = "invariant:"
)

// #endregion reasons

// #region gate-config
// GateConfig holds per-domain gate settings. Each map may be emptied or
// extended by the policy file; the check order is fixed.
type GateConfig struct {
	ConfidenceFloor        float64                        // applies to domains without an override
	DomainConfidenceFloors map[state.Domain]float64       // per-domain override
	Cooldowns              map[state.Domain]time.Duration // min time between mutations
	EvidenceRequired       map[state.Domain]bool          // domains that need supporting events
	DefaultMaxStep         float64                        // magnitude bound when no invariant sets one; 0 disables
}

// DefaultGateConfig returns the stock governance settings.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ConfidenceFloor: 0.3,
		DomainConfidenceFloors: map[state.Domain]float64{
			state.DomainBelief:      0.5,
			state.DomainValue:       0.6,
			state.DomainPersonality: 0.7,
		},
		Cooldowns: map[state.Domain]time.Duration{
			state.DomainPersonality: time.Hour,
			state.DomainValue:       30 * time.Minute,
		},
		EvidenceRequired: map[state.Domain]bool{
			state.DomainBelief:      true,
			state.DomainGoal:        true,
			state.DomainValue:       true,
			state.DomainPersonality: true,
			state.DomainEpigenetics: true,
		},
		DefaultMaxStep: 1.0,
	}
}

// FloorFor returns the confidence floor for d.
func (c GateConfig) FloorFor(d state.Domain) float64 {
	if f, ok := c.DomainConfidenceFloors[d]; ok {
		return f
	}
	return c.ConfidenceFloor
}

// #endregion gate-config

// #region context
// Context carries the per-call facts the gate needs beyond the proposal.
type Context struct {
	Now         time.Time
	LastMutated map[state.Domain]time.Time // from each document's _lastDeltaAt
	StepScale   float64                    // multiplies the magnitude bound; <= 0 means 1
}

func (c Context) scale() float64 {
	if c.StepScale <= 0 {
		return 1
	}
	return c.StepScale
}

// #endregion context

// #region gate-result
// DeltaGateResult is the verdict for one delta of a proposal.
type DeltaGateResult struct {
	DeltaIndex   int          `json:"deltaIndex"`
	Verdict      Verdict      `json:"verdict"`
	Gate         string       `json:"gate"`
	Reason       string       `json:"reason"`
	ClampedPatch update.Patch `json:"clampedPatch,omitempty"`
}

// Effective returns the patch that would be written for delta under r.
func (r DeltaGateResult) Effective(delta update.StateDelta) update.Patch {
	if r.Verdict == VerdictClamp && r.ClampedPatch != nil {
		return r.ClampedPatch
	}
	return delta.Patch
}

// #endregion gate-result

// Counts tallies verdicts across results.
func Counts(results []DeltaGateResult) (accepted, clamped, rejected int) {
	for _, r := range results {
		switch r.Verdict {
		case VerdictAccept:
			accepted++
		case VerdictClamp:
			clamped++
		case VerdictReject:
			rejected++
		}
	}
	return accepted, clamped, rejected
}
