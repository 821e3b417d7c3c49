package main

import (
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/config"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/lock"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/metrics"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/migration"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/orchestrator"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region main
func main() {
	cmd, cleanup := newRootCmd()
	err := cmd.Execute()
	cleanup()
	if err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region app
// app holds everything a subcommand needs, built once per invocation.
type app struct {
	env     config.Env
	logger  *slog.Logger
	logFile *os.File
	metrics *metrics.Metrics
	policy  *config.PolicySource
	store   *state.Store
	locker  *lock.Locker
	index   *logging.Index
	orch    *orchestrator.Orchestrator
	mgr     *migration.Manager
}

func newApp(root, policyPath string) (*app, error) {
	env, envErr := config.LoadEnv()
	if root != "" {
		env.Root = root
	}
	if policyPath != "" {
		env.Policy = policyPath
	}

	a := &app{env: env, metrics: metrics.New()}
	logger, logFile, err := newLogger(env)
	if err != nil {
		return nil, err
	}
	a.logger, a.logFile = logger, logFile
	if envErr != nil {
		a.logger.Warn("environment invalid, using defaults", "error", envErr)
	}

	a.store, err = state.NewStore(env.Root, nil)
	if err != nil {
		a.close()
		return nil, err
	}
	a.policy = config.NewPolicySource(env.Policy, a.logger)
	if missing := a.policy.Current().Table.Coverage(); len(missing) > 0 {
		a.logger.Warn("invariant coverage incomplete", "uncovered", missing)
	}
	a.locker = lock.NewLocker(env.Root, env.LockConfig(), lock.WithLogger(a.logger), lock.WithMetrics(a.metrics))

	opts := []orchestrator.Option{orchestrator.WithLogger(a.logger), orchestrator.WithMetrics(a.metrics)}
	if env.TraceIndex != "" {
		a.index, err = logging.OpenIndex(env.TraceIndex)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithIndexer(a.index))
	}
	a.orch = orchestrator.New(a.store, a.locker, a.policy, opts...)
	a.mgr = migration.NewManager(a.store, a.locker, migration.WithLogger(a.logger), migration.WithMetrics(a.metrics))
	return a, nil
}

// newLogger fans out to stderr text and, when configured, a JSON log file.
func newLogger(env config.Env) (*slog.Logger, *os.File, error) {
	opts := &slog.HandlerOptions{Level: env.SlogLevel()}
	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}
	var f *os.File
	if env.LogFile != "" {
		var err error
		f, err = os.OpenFile(env.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...)), f, nil
}

// close flushes metrics and releases files. Safe on a partially built app.
func (a *app) close() {
	if a.env.MetricsTextfile != "" {
		if err := a.metrics.WriteTextfile(a.env.MetricsTextfile); err != nil {
			a.logger.Warn("metrics textfile write failed", "path", a.env.MetricsTextfile, "error", err)
		}
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// #endregion app

// #region root
// newRootCmd builds the command tree. cleanup closes the app built for the
// invocation, whether or not the subcommand failed.
func newRootCmd() (*cobra.Command, func()) {
	var root, policy string
	var a *app

	cmd := &cobra.Command{
		Use:          "controller",
		Short:        "Governed writes to a persona storage root",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(root, policy)
			return err
		},
	}
	cmd.PersistentFlags().StringVar(&root, "root", "", "persona storage root (default $SOULSEED_ROOT)")
	cmd.PersistentFlags().StringVar(&policy, "policy", "", "policy YAML file (default $SOULSEED_POLICY)")

	appRef := func() *app { return a }
	cmd.AddCommand(
		newCommitCmd(appRef),
		newShadowCmd(appRef),
		newStreamCmd(appRef),
		newMigrateCmd(appRef),
		newRollbackCmd(appRef),
		newCoverageCmd(appRef),
		newStatusCmd(appRef),
	)
	cleanup := func() {
		if a != nil {
			a.close()
		}
	}
	return cmd, cleanup
}

// #endregion root
