package replay

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region types
// Input is one recorded pipeline input.
type Input struct {
	Proposal update.StateDeltaProposal `json:"proposal"`
	Mode     string                    `json:"mode"`         // "live" | "shadow"; empty means live
	At       time.Time                 `json:"at,omitempty"` // instant the input was committed at
}

// Runner executes the governance pipeline for one input and reports the
// stages it went through.
type Runner interface {
	Run(ctx context.Context, in Input) (logging.PipelineTrace, error)
}

// Expected is the control flow a case must reproduce.
type Expected struct {
	Stages []string `json:"stages"`
	Route  string   `json:"route"`
	Mode   string   `json:"mode"`
}

// Case pairs an input with its expected control flow.
type Case struct {
	Name     string
	Input    Input
	Expected Expected
}

// CaseResult is the comparison for one case.
type CaseResult struct {
	Name       string
	Passed     bool
	Actual     logging.PipelineTrace
	Mismatches []string
	Err        error
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	Total  int
	Passed int
	Failed int
	Errors int
}

// #endregion types

// #region replay
// Replay runs every case in order and compares stage sequence, route and mode.
// Cases keep running after a failure; a runner error fails only its case.
func Replay(ctx context.Context, runner Runner, cases []Case) []CaseResult {
	results := make([]CaseResult, 0, len(cases))
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			results = append(results, CaseResult{Name: c.Name, Err: err})
			continue
		}
		actual, err := runner.Run(ctx, c.Input)
		if err != nil {
			results = append(results, CaseResult{Name: c.Name, Err: err, Mismatches: []string{"error: " + err.Error()}})
			continue
		}
		mismatches := Compare(c.Expected, actual)
		results = append(results, CaseResult{
			Name:       c.Name,
			Passed:     len(mismatches) == 0,
			Actual:     actual,
			Mismatches: mismatches,
		})
	}
	return results
}

// Pacer is a clock that can be moved forward to a recorded instant.
type Pacer interface {
	AdvanceTo(t time.Time)
}

type pacedRunner struct {
	clock Pacer
	next  Runner
}

// Paced wraps r so the clock reaches each input's recorded instant before the
// input runs. Cooldowns then see the same gaps between turns as the recording.
func Paced(clock Pacer, r Runner) Runner {
	return pacedRunner{clock: clock, next: r}
}

func (p pacedRunner) Run(ctx context.Context, in Input) (logging.PipelineTrace, error) {
	if !in.At.IsZero() {
		p.clock.AdvanceTo(in.At)
	}
	return p.next.Run(ctx, in)
}

// Compare itemizes every difference between expected and actual control flow.
// Empty expected fields are not checked.
func Compare(expected Expected, actual logging.PipelineTrace) []string {
	var out []string
	if expected.Stages != nil && !slices.Equal(expected.Stages, actual.Stages) {
		out = append(out, fmt.Sprintf("stages: expected [%s], got [%s]",
			strings.Join(expected.Stages, " → "), strings.Join(actual.Stages, " → ")))
	}
	if expected.Route != "" && expected.Route != actual.Route {
		out = append(out, fmt.Sprintf("route: expected %s, got %s", expected.Route, actual.Route))
	}
	if expected.Mode != "" && expected.Mode != actual.Mode {
		out = append(out, fmt.Sprintf("mode: expected %s, got %s", expected.Mode, actual.Mode))
	}
	return out
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []CaseResult) ReplaySummary {
	s := ReplaySummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Errors++
			s.Failed++
		case r.Passed:
			s.Passed++
		default:
			s.Failed++
		}
	}
	return s
}

// #endregion replay
