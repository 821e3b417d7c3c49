package logging

import (
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region commit-result
// RejectedDelta pairs a delta with the reason it never reached storage.
type RejectedDelta struct {
	DeltaIndex int               `json:"deltaIndex"`
	Delta      update.StateDelta `json:"delta"`
	Reason     string            `json:"reason"`
}

// Pipeline stage names, in execution order.
const (
	StagePerception   = "perception"
	StageIdea         = "idea"
	StageDeliberation = "deliberation"
	StageMetaReview   = "meta-review"
	StageCommit       = "commit"
	StageShadow       = "shadow"
)

// Routes and modes recorded on a PipelineTrace.
const (
	RouteCommit = "commit"
	RouteReject = "reject"
	RouteSystem = "system"

	ModeLive   = "live"
	ModeShadow = "shadow"
)

// PipelineTrace records the stages a transaction passed through.
type PipelineTrace struct {
	Stages []string `json:"stages"`
	Route  string   `json:"route"` // "commit" | "reject" | "system"
	Mode   string   `json:"mode"`  // "live" | "shadow"
}

// DeltaCommitResult is the audit record of one governance transaction. It is
// appended once to delta_trace.jsonl and never rewritten.
type DeltaCommitResult struct {
	TurnID         string                    `json:"turnId"`
	Proposal       update.StateDeltaProposal `json:"proposal"`
	GateResults    []gate.DeltaGateResult    `json:"gateResults"`
	AppliedDeltas  []update.StateDelta       `json:"appliedDeltas"`
	RejectedDeltas []RejectedDelta           `json:"rejectedDeltas"`
	CommittedAt    time.Time                 `json:"committedAt"`
	Pipeline       *PipelineTrace            `json:"pipeline,omitempty"`
}

// Decision summarizes the transaction: "commit" when anything was applied,
// "reject" when every delta was rejected, "no_op" for an empty proposal.
func (r DeltaCommitResult) Decision() string {
	switch {
	case len(r.AppliedDeltas) > 0:
		return "commit"
	case len(r.RejectedDeltas) > 0:
		return "reject"
	default:
		return "no_op"
	}
}

// #endregion commit-result

// #region migration-event
// MigrationEvent is one line of migration_log.jsonl.
type MigrationEvent struct {
	At                time.Time `json:"at"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Reason            string    `json:"reason"`
	SnapshotID        string    `json:"snapshotId"`
	RollbackAvailable bool      `json:"rollbackAvailable"`
}

// #endregion migration-event

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table: one gate
// decision for one delta of one turn.
type ProvenanceEntry struct {
	TurnID       string
	DeltaIndex   int
	Domain       string
	TargetID     string
	Verdict      string // "accept" | "clamp" | "reject"
	Gate         string
	Reason       string
	Applied      bool
	PatchJSON    string
	EvidenceRefs string
	CreatedAt    time.Time
}

// #endregion provenance-entry
