package orchestrator

import (
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// Trace derives the stage sequence and route of a gated proposal.
//
// Perception, idea and meta-review always run. Deliberation runs only when an
// external delta needs judging. The last stage is commit or shadow by mode.
// The route is system when every delta is system-sourced, commit when any
// verdict reaches storage, and reject otherwise.
func Trace(p update.StateDeltaProposal, results []gate.DeltaGateResult, mode string) logging.PipelineTrace {
	stages := []string{logging.StagePerception, logging.StageIdea}
	external := false
	for _, d := range p.Deltas {
		if !d.IsSystem() {
			external = true
			break
		}
	}
	if external {
		stages = append(stages, logging.StageDeliberation)
	}
	stages = append(stages, logging.StageMetaReview)
	if mode == logging.ModeShadow {
		stages = append(stages, logging.StageShadow)
	} else {
		stages = append(stages, logging.StageCommit)
	}

	return logging.PipelineTrace{Stages: stages, Route: route(p, results, external), Mode: mode}
}

func route(p update.StateDeltaProposal, results []gate.DeltaGateResult, external bool) string {
	if len(p.Deltas) > 0 && !external {
		return logging.RouteSystem
	}
	for _, r := range results {
		if r.Verdict.Applies() {
			return logging.RouteCommit
		}
	}
	return logging.RouteReject
}
