package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/invariant"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region helpers
// readProposal decodes one proposal from a file, or stdin for "" and "-".
func readProposal(path string, stdin io.Reader) (update.StateDeltaProposal, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return update.StateDeltaProposal{}, fmt.Errorf("open proposal: %w", err)
		}
		defer f.Close()
		r = f
	}
	var p update.StateDeltaProposal
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return update.StateDeltaProposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := state.MarshalDocument(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// #endregion helpers

// #region commit
func newCommitCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "commit [proposal.json]",
		Short: "Gate and apply one proposal under the persona write lock",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readProposal(argOrEmpty(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			rec, err := app().orch.Commit(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

// #endregion commit

// #region shadow
func newShadowCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shadow [proposal.json]",
		Short: "Report what a proposal would change without writing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readProposal(argOrEmpty(args), cmd.InOrStdin())
			if err != nil {
				return err
			}
			report, _, err := app().orch.Shadow(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

// #endregion shadow

// #region stream
// newStreamCmd commits proposals read one JSON object per line from stdin,
// reloading the policy file whenever it changes.
func newStreamCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Commit newline-delimited proposals from stdin until EOF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.policy.Watch(ctx); err != nil {
				a.logger.Warn("policy watch unavailable", "error", err)
			}

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			line := 0
			for scanner.Scan() {
				line++
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				var p update.StateDeltaProposal
				if err := json.Unmarshal([]byte(text), &p); err != nil {
					a.logger.Warn("skipping malformed proposal", "line", line, "error", err)
					continue
				}
				rec, err := a.orch.Commit(ctx, p)
				if err != nil {
					// lock timeouts end the stream; the caller must intervene
					return fmt.Errorf("line %d: %w", line, err)
				}
				acc, cl, rj := gate.Counts(rec.GateResults)
				fmt.Fprintf(out, "[%s] decision=%s accepted=%d clamped=%d rejected=%d applied=%d\n",
					rec.TurnID, rec.Decision(), acc, cl, rj, len(rec.AppliedDeltas))
			}
			return scanner.Err()
		},
	}
}

// #endregion stream

// #region migrate
func newMigrateCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Back up the storage root and upgrade it to the full genome mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app().mgr.MigrateToFull(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New("migration incomplete: " + strings.Join(res.Errors, "; "))
			}
			return nil
		},
	}
}

func newRollbackCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the pre-migration backup set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := app().mgr.RollbackMigration(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration rolled back")
			return nil
		},
	}
}

// #endregion migrate

// #region coverage
func newCoverageCmd(app func() *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "List invariant rules per domain and flag required domains without any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := app().policy.Current()
			out := cmd.OutOrStdout()
			for _, d := range state.AllDomains() {
				rules := p.Table.ForDomain(d)
				ids := make([]string, len(rules))
				for i, r := range rules {
					ids[i] = r.ID
				}
				fmt.Fprintf(out, "%-14s %d  %s\n", d, len(rules), strings.Join(ids, ", "))
			}
			missing := p.Table.Coverage()
			if len(missing) == 0 {
				fmt.Fprintln(out, "all required domains covered")
				return nil
			}
			names := make([]string, len(missing))
			for i, d := range missing {
				names[i] = string(d)
			}
			fmt.Fprintf(out, "uncovered required domains: %s\n", strings.Join(names, ", "))
			if strict {
				return fmt.Errorf("%d of %d required domains uncovered", len(missing), len(invariant.RequiredDomains))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a required domain has no rule")
	return cmd
}

// #endregion coverage

// #region status
func newStatusCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show lock, migration and document state of the storage root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "root:      %s\n", a.store.Root())

			if lease, ok := a.locker.Holder(); ok {
				fmt.Fprintf(out, "lock:      held by pid %d until %s\n", lease.PID, lease.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			} else {
				fmt.Fprintln(out, "lock:      free")
			}

			snap, migrated, err := a.mgr.LoadSnapshot()
			switch {
			case err != nil:
				fmt.Fprintf(out, "migration: unreadable snapshot (%v)\n", err)
			case migrated:
				fmt.Fprintf(out, "migration: %s -> %s at %s (snapshot %s)\n",
					snap.FromMode, snap.ToMode, snap.MigratedAt.Format("2006-01-02T15:04:05Z07:00"), snap.ID)
			default:
				fmt.Fprintln(out, "migration: none")
			}

			records, err := logging.NewTraceLog(a.store.Root()).Read()
			if err != nil {
				return err
			}
			decisions := map[string]int{}
			for _, r := range records {
				decisions[r.Decision()]++
			}
			fmt.Fprintf(out, "trace:     %d records (commit %d, reject %d, no_op %d)\n",
				len(records), decisions["commit"], decisions["reject"], decisions["no_op"])

			for _, d := range state.AllDomains() {
				res := a.store.Load(d)
				line := res.Status.String()
				if at, ok := res.Doc.LastDeltaAt(); ok {
					line += ", last delta " + at.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Fprintf(out, "  %-14s %s\n", d, line)
			}
			return nil
		},
	}
}

// #endregion status
