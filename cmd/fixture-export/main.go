package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/replay"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region main

func main() {
	root := flag.String("root", "", "persona storage root holding delta_trace.jsonl")
	last := flag.Int("last", 4, "number of most recent trace records to export")
	outPath := flag.String("out", "", "output fixture JSON path")
	policy := flag.String("policy", "", "policy file to reference from the fixture (relative to the fixture)")
	flag.Parse()

	if *root == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --root path/to/persona --out path/to/fixture.json [--last N] [--policy policy.yaml]")
		os.Exit(2)
	}

	if err := run(*root, *last, *outPath, *policy); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(root string, last int, outPath, policy string) error {
	records, err := logging.ReadTrace(filepath.Join(root, state.TraceFile))
	if err != nil {
		return err
	}
	records = tail(records, last)

	fixture := buildFixture(records, policy)
	if len(fixture.Cases) == 0 {
		return fmt.Errorf("no pipeline-traced records in the last %d trace entries", last)
	}
	fmt.Printf("Found %d traced records\n", len(fixture.Cases))

	if err := replay.WriteFixture(outPath, fixture); err != nil {
		return err
	}
	fmt.Printf("Wrote fixture to %s (%d cases)\n", outPath, len(fixture.Cases))
	return nil
}

// tail keeps the last n records, all of them when n <= 0.
func tail(records []logging.DeltaCommitResult, n int) []logging.DeltaCommitResult {
	if n <= 0 || n >= len(records) {
		return records
	}
	return records[len(records)-n:]
}

// #endregion extract

// #region output

// buildFixture keeps each turn's commit instant so the replay clock can follow
// the recorded gaps between turns.
func buildFixture(records []logging.DeltaCommitResult, policy string) replay.Fixture {
	f := replay.FromTrace(
		fmt.Sprintf("Session export: %d traced turns from delta_trace.jsonl", len(records)),
		records)
	f.PolicyFile = policy
	return f
}

// #endregion output
