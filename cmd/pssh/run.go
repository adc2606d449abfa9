package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/canonical/pssh/export/jsonl"
	"github.com/canonical/pssh/export/sqlite"
	"github.com/canonical/pssh/hostpool"
	"github.com/canonical/pssh/manager"
	"github.com/canonical/pssh/shared/logger"
	"github.com/canonical/pssh/task"
)

// argvBuilder constructs a per-host argv for a resolved hostpool.Target,
// specialized per subcommand (ssh/scp/rsync).
type argvBuilder func(t hostpool.Target, extraArgs []string) []string

// variant selects which Manager constructor and classifier a subcommand
// uses, per spec.md §4.7 / §9.
type variant int

const (
	variantSSH variant = iota
	variantSCP
	variantRsync
)

func runFan(f *commonFlags, build argvBuilder, v variant, stdin []byte) error {
	configureLogging(f)

	pool, err := hostpool.Build(f.hostpoolOptions())
	if err != nil {
		return fmt.Errorf("Resolve host pool: %w", err)
	}

	if len(pool) == 0 {
		return fmt.Errorf("No hosts to run against")
	}

	cfg := f.managerConfig()

	var m *manager.Manager
	switch v {
	case variantSCP:
		m = manager.NewSCPManager(cfg)
	case variantRsync:
		m = manager.NewRsyncManager(cfg)
	default:
		m = manager.NewSSHManager(cfg)
	}

	// Sinks are opened after the Manager exists so they can key off its
	// RunID: every task.Record(m.RunID) carries that same ID, so the
	// sqlite meta row must share it for the meta/tasks join to resolve.
	startedAt := time.Now()

	if f.sqliteDB != "" {
		s, err := sqlite.Open(f.sqliteDB, m.RunID, startedAt)
		if err != nil {
			return fmt.Errorf("Open sqlite export: %w", err)
		}

		m.AddSink(s)
	}

	if f.jsonlPath != "" {
		s, err := jsonl.Open(f.jsonlPath)
		if err != nil {
			return fmt.Errorf("Open jsonl export: %w", err)
		}

		m.AddSink(s)
	}

	logger.Info("Starting run", logger.Ctx{"run_id": m.RunID, "hosts": len(pool), "par": cfg.Par})

	for _, t := range pool {
		argv := build(t, f.extraArgs)
		display := t.DisplayName()

		if f.verbose {
			logger.Debugf("host %s: %s", display, shellquote.Join(argv...))
		}

		opts := task.Options{
			Timeout:  cfg.Timeout,
			Verbose:  f.verbose,
			Inline:   f.inline,
			PrintOut: f.printOut,
		}

		m.AddTask(task.New(t.Host, t.Port, t.User, display, argv, stdin, opts))
	}

	if err := m.Run(context.Background()); err != nil {
		return err
	}

	code := m.ExitCode()
	if code != 0 {
		os.Exit(code)
	}

	return nil
}
