// Package orchestrator runs the governance pipeline for one proposal:
// lock, gate, apply, trace.
package orchestrator

// #region imports
import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/clock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/commit"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/config"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/lock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/metrics"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/replay"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #endregion

// KeyPlasticity is the epigenetics field that scales every magnitude bound.
const KeyPlasticity = "plasticity"

// #region orchestrator-struct
// Orchestrator is the single entry point for persona state writes. Every live
// proposal runs under the persona write lock from gating to the trace append.
type Orchestrator struct {
	store   *state.Store
	locker  *lock.Locker
	policy  config.Provider
	applier *commit.Applier
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	index   commit.Indexer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option        { return func(o *Orchestrator) { o.clock = c } }
func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithIndexer(ix commit.Indexer) Option  { return func(o *Orchestrator) { o.index = ix } }

// #endregion

// #region constructor
// New wires an orchestrator over store. A nil policy uses DefaultPolicy.
func New(store *state.Store, locker *lock.Locker, policy config.Provider, opts ...Option) *Orchestrator {
	if policy == nil {
		policy = config.StaticPolicy(config.DefaultPolicy())
	}
	o := &Orchestrator{
		store:  store,
		locker: locker,
		policy: policy,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	applierOpts := []commit.Option{
		commit.WithClock(o.clock),
		commit.WithLogger(o.logger),
		commit.WithMetrics(o.metrics),
	}
	if o.index != nil {
		applierOpts = append(applierOpts, commit.WithIndexer(o.index))
	}
	o.applier = commit.NewApplier(store, logging.NewTraceLog(store.Root()), applierOpts...)
	return o
}

// Store returns the persona store.
func (o *Orchestrator) Store() *state.Store { return o.store }

// #endregion

// #region commit
// Commit gates and applies a proposal under the write lock and appends its
// trace record. The error is non-nil only for a lock failure or a failed
// trace append; rejections are reported in the result.
func (o *Orchestrator) Commit(ctx context.Context, p update.StateDeltaProposal) (logging.DeltaCommitResult, error) {
	p = p.Normalize(o.clock.Now())
	return lock.WithLock(ctx, o.locker, func(context.Context) (logging.DeltaCommitResult, error) {
		g := o.policy.Current().NewGate()
		results := g.Evaluate(p, o.GateContext())
		trace := Trace(p, results, logging.ModeLive)
		for _, r := range results {
			if !r.Verdict.Applies() {
				o.logger.Debug("delta rejected", "turn", p.TurnID, "result", gate.Describe(r))
			}
		}
		rec, err := o.applier.ApplyTraced(p, results, &trace)
		if err != nil {
			return rec, fmt.Errorf("commit %s: %w", p.TurnID, err)
		}
		return rec, nil
	})
}

// #endregion commit

// #region shadow
// Shadow gates a proposal against current storage and reports what a commit
// would write. It takes no lock and writes nothing.
func (o *Orchestrator) Shadow(ctx context.Context, p update.StateDeltaProposal) (replay.ShadowReport, logging.PipelineTrace, error) {
	if err := ctx.Err(); err != nil {
		return replay.ShadowReport{}, logging.PipelineTrace{}, err
	}
	p = p.Normalize(o.clock.Now())
	g := o.policy.Current().NewGate()
	report := replay.RunShadowMode(g, o.store, p, o.GateContext())
	for i, r := range report.GateResults {
		o.metrics.ObserveVerdict(string(p.Deltas[i].Type), string(r.Verdict))
	}
	o.metrics.IncCommit(logging.ModeShadow)
	o.logger.Info("proposal evaluated in shadow mode",
		"turn", p.TurnID,
		"accepted", report.Accepted,
		"clamped", report.Clamped,
		"rejected", report.Rejected)
	return report, Trace(p, report.GateResults, logging.ModeShadow), nil
}

// #endregion shadow

// #region run
// Run executes one recorded input in its mode and returns the stages it took.
func (o *Orchestrator) Run(ctx context.Context, in replay.Input) (logging.PipelineTrace, error) {
	switch in.Mode {
	case "", logging.ModeLive:
		rec, err := o.Commit(ctx, in.Proposal)
		if err != nil {
			return logging.PipelineTrace{}, err
		}
		return *rec.Pipeline, nil
	case logging.ModeShadow:
		_, trace, err := o.Shadow(ctx, in.Proposal)
		return trace, err
	default:
		return logging.PipelineTrace{}, fmt.Errorf("unknown mode %q", in.Mode)
	}
}

var _ replay.Runner = (*Orchestrator)(nil)

// #endregion run

// #region gate-context
// GateContext reads the facts the gate needs from storage: the last mutation
// time of every domain and the epigenetic plasticity.
func (o *Orchestrator) GateContext() gate.Context {
	ctx := gate.Context{
		Now:         o.clock.Now().UTC(),
		LastMutated: make(map[state.Domain]time.Time),
		StepScale:   1,
	}
	for _, d := range state.AllDomains() {
		res := o.store.Load(d)
		if res.Status != state.Present {
			continue
		}
		if at, ok := res.Doc.LastDeltaAt(); ok {
			ctx.LastMutated[d] = at
		}
		if d == state.DomainEpigenetics {
			if v, ok := res.Doc[KeyPlasticity].(float64); ok && v > 0 {
				ctx.StepScale = v
			}
		}
	}
	return ctx
}

// #endregion gate-context
