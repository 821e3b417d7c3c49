// Package commit applies gated proposals to the persona store and records one
// trace line per transaction.
package commit

import (
	"fmt"
	"log/slog"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/clock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/metrics"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// ReasonApplyFailed prefixes rejections caused by an I/O failure.
const ReasonApplyFailed = "apply failed"

// ReasonNoGateResult rejects deltas the caller passed no verdict for.
const ReasonNoGateResult = "no_gate_result"

// Indexer mirrors committed records somewhere queryable.
type Indexer interface {
	Record(rec logging.DeltaCommitResult) error
}

// #region applier
// Applier writes accepted and clamped deltas. It does not lock; callers hold
// the persona write lock for the whole proposal.
type Applier struct {
	store   *state.Store
	trace   *logging.TraceLog
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	index   Indexer
}

// Option customizes an Applier.
type Option func(*Applier)

func WithClock(c clock.Clock) Option        { return func(a *Applier) { a.clock = c } }
func WithLogger(l *slog.Logger) Option      { return func(a *Applier) { a.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Applier) { a.metrics = m } }
func WithIndexer(ix Indexer) Option         { return func(a *Applier) { a.index = ix } }

// NewApplier returns an applier over store that appends to trace.
func NewApplier(store *state.Store, trace *logging.TraceLog, opts ...Option) *Applier {
	a := &Applier{
		store:  store,
		trace:  trace,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply commits a gated proposal without a pipeline trace.
func (a *Applier) Apply(proposal update.StateDeltaProposal, results []gate.DeltaGateResult) (logging.DeltaCommitResult, error) {
	return a.ApplyTraced(proposal, results, nil)
}

// ApplyTraced writes every delta whose verdict is accept or clamp, in proposal
// order, then appends exactly one trace record. Per-delta I/O failures become
// rejections; the returned error reports only a failed trace append.
func (a *Applier) ApplyTraced(proposal update.StateDeltaProposal, results []gate.DeltaGateResult, pipeline *logging.PipelineTrace) (logging.DeltaCommitResult, error) {
	byIndex := make(map[int]gate.DeltaGateResult, len(results))
	for _, r := range results {
		byIndex[r.DeltaIndex] = r
	}

	rec := logging.DeltaCommitResult{
		TurnID:         proposal.TurnID,
		Proposal:       proposal,
		GateResults:    results,
		AppliedDeltas:  []update.StateDelta{},
		RejectedDeltas: []logging.RejectedDelta{},
		Pipeline:       pipeline,
	}

	for i, d := range proposal.Deltas {
		r, ok := byIndex[i]
		if !ok {
			rec.RejectedDeltas = append(rec.RejectedDeltas, logging.RejectedDelta{DeltaIndex: i, Delta: d, Reason: ReasonNoGateResult})
			continue
		}
		a.metrics.ObserveVerdict(string(d.Type), string(r.Verdict))
		if !r.Verdict.Applies() {
			rec.RejectedDeltas = append(rec.RejectedDeltas, logging.RejectedDelta{DeltaIndex: i, Delta: d, Reason: r.Reason})
			continue
		}

		effective := d.WithPatch(r.Effective(d))
		if err := a.applyOne(effective); err != nil {
			a.logger.Warn("delta apply failed", "turn", proposal.TurnID, "index", i, "domain", d.Type, "error", err)
			a.metrics.IncApplyFailure(string(d.Type))
			rec.RejectedDeltas = append(rec.RejectedDeltas, logging.RejectedDelta{
				DeltaIndex: i,
				Delta:      d,
				Reason:     fmt.Sprintf("%s: %v", ReasonApplyFailed, err),
			})
			continue
		}
		rec.AppliedDeltas = append(rec.AppliedDeltas, effective)
	}

	rec.CommittedAt = a.clock.Now().UTC()
	if err := a.trace.Append(rec); err != nil {
		return rec, fmt.Errorf("append trace: %w", err)
	}
	a.metrics.IncCommit("live")

	if a.index != nil {
		if err := a.index.Record(rec); err != nil {
			a.logger.Warn("provenance index update failed", "turn", rec.TurnID, "error", err)
		}
	}
	a.logger.Info("proposal committed",
		"turn", rec.TurnID,
		"applied", len(rec.AppliedDeltas),
		"rejected", len(rec.RejectedDeltas))
	return rec, nil
}

// applyOne merges one effective delta into its document. Absent and corrupt
// documents start from empty.
func (a *Applier) applyOne(d update.StateDelta) error {
	res := a.store.Load(d.Type)
	if res.Status == state.Corrupt {
		a.logger.Warn("corrupt document treated as empty", "domain", d.Type, "error", res.Err)
	}
	next := update.Merge(res.OrEmpty(), d.Patch, a.clock.Now())
	return a.store.Write(d.Type, next)
}

// #endregion applier
