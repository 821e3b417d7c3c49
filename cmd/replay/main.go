package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/clock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/config"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/lock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/orchestrator"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/replay"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	policyPath := flag.String("policy", "", "policy YAML (overrides the fixture's policy_file)")
	root := flag.String("root", "", "storage root to replay into (default: a fresh temp dir)")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--policy policy.yaml] [--root dir]")
		os.Exit(2)
	}
	os.Exit(run(*fixturePath, *policyPath, *root))
}

// #endregion main

// #region run

func run(fixturePath, policyPath, root string) int {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	if policyPath == "" {
		policyPath = f.PolicyPath()
	}

	if root == "" {
		root, err = os.MkdirTemp("", "soulseed-replay-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create temp root: %v\n", err)
			return 2
		}
		defer os.RemoveAll(root)
	}

	// A fixture that records time replays against a fake clock that steps to
	// each case's instant, so cooldowns see the recorded gaps.
	var clk clock.Clock = clock.Real{}
	var fake *clock.Fake
	if start := f.Start(); !start.IsZero() {
		fake = clock.NewFake(start)
		clk = fake
	}

	store, err := state.NewStore(root, clk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 2
	}
	if err := f.SeedStore(store); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	policy := config.LoadPolicy(policyPath, nil)
	locker := lock.NewLocker(root, lock.DefaultConfig(), lock.WithClock(clk))
	orch := orchestrator.New(store, locker, config.StaticPolicy(policy), orchestrator.WithClock(clk))

	log.Printf("replaying %d cases from %s (policy %q, %d rules)", len(f.Cases), fixturePath, policyPath, len(policy.Table.Rules()))
	var runner replay.Runner = orch
	if fake != nil {
		runner = replay.Paced(fake, orch)
	}
	results := replay.Replay(context.Background(), runner, f.ToCases())
	return printComparison(results)
}

// #endregion run

// #region output

// printComparison outputs a comparison table and returns the exit code.
func printComparison(results []replay.CaseResult) int {
	fmt.Printf("%-24s| %-8s| %-7s| %-44s| %s\n", "Case", "Route", "Mode", "Stages", "Match")
	fmt.Printf("%-24s+%-9s+%-8s+%-45s+%s\n",
		"------------------------", "---------", "--------", "---------------------------------------------", "------")

	for _, r := range results {
		match := "OK"
		if !r.Passed {
			match = "DIFF"
		}
		fmt.Printf("%-24s| %-8s| %-7s| %-44s| %s\n",
			r.Name, r.Actual.Route, r.Actual.Mode, strings.Join(r.Actual.Stages, ","), match)
		for _, m := range r.Mismatches {
			fmt.Printf("    %s\n", m)
		}
	}

	s := replay.Summarize(results)
	fmt.Printf("\nSummary: %d total, %d match, %d diverge (%d errors)\n", s.Total, s.Passed, s.Failed, s.Errors)

	if s.Failed > 0 {
		return 1
	}
	return 0
}

// #endregion output
