package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region main

func main() {
	root := flag.String("root", "", "persona storage root holding delta_trace.jsonl")
	dbPath := flag.String("db", "", "provenance index path (default <root>/provenance.db)")
	rebuild := flag.Bool("rebuild", false, "rebuild the index from the trace before querying")
	turn := flag.String("turn", "", "show only this turn")
	domain := flag.String("domain", "", "filter by domain")
	verdict := flag.String("verdict", "", "filter by verdict (accept, clamp, reject)")
	last := flag.Int("last", 20, "show N most recent rows")
	counts := flag.Bool("counts", false, "print verdict counts instead of rows")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *root == "" && *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --root path/to/persona [--db index.db] [--rebuild] [--turn id] [--domain d] [--verdict v] [--last N] [--counts] [--json]")
		os.Exit(2)
	}
	if *dbPath == "" {
		*dbPath = filepath.Join(*root, "provenance.db")
	}

	ix, err := logging.OpenIndex(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open index: %v\n", err)
		os.Exit(1)
	}
	defer ix.Close()

	if *rebuild {
		if *root == "" {
			fmt.Fprintln(os.Stderr, "--rebuild needs --root")
			os.Exit(2)
		}
		n, err := ix.Rebuild(filepath.Join(*root, state.TraceFile))
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "indexed %d trace records\n", n)
	}

	if *counts {
		err = runCountsMode(ix, *jsonOut)
	} else {
		err = runListMode(ix, logging.Query{
			TurnID:  *turn,
			Domain:  *domain,
			Verdict: gate.Verdict(*verdict),
			Limit:   *last,
		}, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	TurnID    string `json:"turn_id"`
	Index     int    `json:"delta_index"`
	Domain    string `json:"domain"`
	Verdict   string `json:"verdict"`
	Gate      string `json:"gate"`
	Applied   bool   `json:"applied"`
	Reason    string `json:"reason,omitempty"`
	Patch     string `json:"patch,omitempty"`
	CreatedAt string `json:"created_at"`
}

func runListMode(ix *logging.Index, q logging.Query, jsonOut bool) error {
	entries, err := ix.Find(q)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no provenance rows found")
		return nil
	}

	// Find returns newest first; show chronologically.
	rows := make([]listRow, len(entries))
	for i, e := range entries {
		rows[len(entries)-1-i] = listRow{
			TurnID:    e.TurnID,
			Index:     e.DeltaIndex,
			Domain:    e.Domain,
			Verdict:   e.Verdict,
			Gate:      e.Gate,
			Applied:   e.Applied,
			Reason:    e.Reason,
			Patch:     e.PatchJSON,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	return printListTable(rows)
}

func printListTable(rows []listRow) error {
	fmt.Printf("%-22s  %3s  %-13s  %-7s  %-22s  %-7s  %-20s  %s\n",
		"Turn", "#", "Domain", "Verdict", "Gate", "Applied", "Time", "Reason")
	fmt.Printf("%-22s+-%3s+-%-13s+-%-7s+-%-22s+-%-7s+-%-20s+-%s\n",
		"----------------------", "---", "-------------", "-------", "----------------------", "-------", "--------------------", "------")
	for _, r := range rows {
		applied := "no"
		if r.Applied {
			applied = "yes"
		}
		fmt.Printf("%-22s  %3d  %-13s  %-7s  %-22s  %-7s  %-20s  %s\n",
			shortID(r.TurnID), r.Index, r.Domain, r.Verdict, r.Gate, applied, r.CreatedAt, r.Reason)
	}
	return nil
}

// #endregion list-mode

// #region counts-mode

func runCountsMode(ix *logging.Index, jsonOut bool) error {
	counts, err := ix.VerdictCounts()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(counts)
	}
	verdicts := make([]string, 0, len(counts))
	for v := range counts {
		verdicts = append(verdicts, v)
	}
	sort.Strings(verdicts)
	total := 0
	for _, v := range verdicts {
		fmt.Printf("%-8s %d\n", v, counts[v])
		total += counts[v]
	}
	fmt.Printf("%-8s %d\n", "total", total)
	return nil
}

// #endregion counts-mode

// #region helpers

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shortID trims long turn ids to the table column.
func shortID(id string) string {
	if len(id) > 22 {
		return id[:22]
	}
	return id
}

// #endregion helpers
