// Package manager implements the scheduler: it admits tasks up to a
// concurrency cap, drives the cooperative event loop, reaps children,
// enforces timeouts, and classifies results.
//
// Grounded on psshlib/manager.py's Manager/IOMap split (spec.md §4.5),
// with SIGCHLD handling emulated by a dedicated reaper goroutine per
// design note §9, and the SSH/SCP/rsync variants unified into one
// scheduler parameterized by a Classifier function and a list of
// PostRunHooks, also per design note §9.
package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/canonical/pssh/iomap"
	"github.com/canonical/pssh/password"
	"github.com/canonical/pssh/report"
	"github.com/canonical/pssh/shared/api"
	"github.com/canonical/pssh/shared/logger"
	"github.com/canonical/pssh/task"
	"github.com/canonical/pssh/writer"
)

// Classifier maps a finished task's exit status to a reporting bucket, per
// spec.md §4.7. SSH, SCP, and rsync variants differ only in this function.
type Classifier func(exitStatus int) api.Bucket

// ClassifySSH implements spec.md §4.7's SSH-variant rule: 255 is a
// transport failure, any other non-zero is a command failure.
func ClassifySSH(exitStatus int) api.Bucket {
	switch {
	case exitStatus < 0:
		return api.BucketKilled
	case exitStatus == task.StatusSSHFailed:
		return api.BucketSSHFailed
	case exitStatus != 0:
		return api.BucketCmdFailed
	default:
		return api.BucketSucceeded
	}
}

// ClassifySCP implements spec.md §4.7's SCP/rsync-variant rule: any
// non-zero, non-negative status is a connection failure, collapsing what
// the SSH variant splits into ssh_failed/cmd_failed.
func ClassifySCP(exitStatus int) api.Bucket {
	switch {
	case exitStatus < 0:
		return api.BucketKilled
	case exitStatus != 0:
		return api.BucketSSHFailed
	default:
		return api.BucketSucceeded
	}
}

// PostRunHook runs after a Manager's loop has finished and results have
// been tallied, e.g. to export a sqlite DB or write fork-hosts files.
type PostRunHook func(m *Manager) error

// Config mirrors the resolved options object from spec.md §6.
type Config struct {
	Par         int
	Timeout     time.Duration
	Outdir      string
	Errdir      string
	Askpass     bool
	Verbose     bool
	Summary     bool
	ProgressBar bool
	Inline      bool
	PrintOut    bool
	TestCases   int
	ForkHosts   string

	// Sinks receive every finished task record, e.g. for SQLite or
	// JSON-lines export (SPEC_FULL.md §4.2's generalized pickling hook).
	Sinks []writer.Sink

	// AllowKeyboardInterrupt makes Run return an "interrupted" error on
	// SIGINT, once running tasks are killed and pending ones cancelled
	// (spec.md §4.5 "Keyboard interrupt"); otherwise Run returns normally.
	AllowKeyboardInterrupt bool

	Out io.Writer
	In  io.Reader
}

// Manager executes Tasks concurrently under a bounded concurrency cap.
type Manager struct {
	cfg        Config
	classifier Classifier
	postHooks  []PostRunHook
	colorizer  *report.Colorizer
	RunID      string

	iom      *iomap.IOMap
	w        *writer.Writer
	pwSrv    io.Closer
	askSck   string
	stopReap chan struct{}

	mu         sync.Mutex
	tasks      []*task.Task
	running    []*task.Task
	pidIndex   map[int]*task.Task
	pending    map[int]int
	done       []*task.Task
	declined   []*task.Task
	taskcount  int

	progressBar *report.ProgressBar

	buckets map[api.Bucket][]*task.Task
}

// New creates a Manager parameterized by classifier and optional post-run
// hooks, implementing design note §9's "single scheduler parameterized by
// (a) a classifier function and (b) an optional post-run hook list".
func New(cfg Config, classifier Classifier, hooks ...PostRunHook) *Manager {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	if cfg.In == nil {
		cfg.In = os.Stdin
	}

	return &Manager{
		cfg:        cfg,
		classifier: classifier,
		postHooks:  hooks,
		colorizer:  report.NewColorizer(os.Stdout, nil),
		RunID:      uuid.NewString(),
		pidIndex:   make(map[int]*task.Task),
		pending:    make(map[int]int),
		buckets:    make(map[api.Bucket][]*task.Task),
	}
}

// NewSSHManager is the SSH-variant constructor (spec.md §9 "Inheritance of
// Manager variants").
func NewSSHManager(cfg Config, hooks ...PostRunHook) *Manager {
	return New(cfg, ClassifySSH, hooks...)
}

// NewSCPManager is the SCP-variant constructor.
func NewSCPManager(cfg Config, hooks ...PostRunHook) *Manager {
	return New(cfg, ClassifySCP, hooks...)
}

// NewRsyncManager is the rsync-variant constructor; rsync shares SCP's
// classification rule per spec.md §4.7.
func NewRsyncManager(cfg Config, hooks ...PostRunHook) *Manager {
	return New(cfg, ClassifySCP, hooks...)
}

// AddTask adds a Task to be processed with Run.
func (m *Manager) AddTask(t *task.Task) {
	m.tasks = append(m.tasks, t)
}

// AddSink registers a writer.Sink to receive every finished task record.
// Sinks that need the run's correlation ID (e.g. export/sqlite's meta
// table) should be opened with m.RunID after construction, then attached
// here, rather than being passed in via Config before RunID exists.
func (m *Manager) AddSink(s writer.Sink) {
	m.cfg.Sinks = append(m.cfg.Sinks, s)
}

// Done returns the tasks that have finished, in completion order.
func (m *Manager) Done() []*task.Task { return m.done }

// Buckets returns the classification buckets computed by TallyResults.
func (m *Manager) Buckets() map[api.Bucket][]*task.Task { return m.buckets }

// ErrFatal wraps unexpected, run-ending I/O failures per spec.md §7.
type ErrFatal struct{ Err error }

func (e *ErrFatal) Error() string { return fmt.Sprintf("fatal: %s", e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// Run processes the tasks added with AddTask, honoring the test-gate
// split from spec.md §4.6 if configured, then tallies and reports.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.TestCases > 0 && m.cfg.TestCases < len(m.tasks) {
		if err := m.runWithGate(ctx); err != nil {
			return err
		}
	} else {
		if err := m.runLoop(ctx); err != nil {
			return err
		}
	}

	m.TallyResults()

	if m.cfg.Summary {
		recs := make(map[api.Bucket][]*api.TaskRecord)
		for b, ts := range m.buckets {
			for _, t := range ts {
				recs[b] = append(recs[b], t.Record(m.RunID))
			}
		}

		report.PrintSummary(m.cfg.Out, m.colorizer, recs)
	}

	if m.cfg.ForkHosts != "" {
		if err := m.writeForkHostsFiles(); err != nil {
			return err
		}
	}

	for _, hook := range m.postHooks {
		if err := hook(m); err != nil {
			return err
		}
	}

	return nil
}

// runWithGate implements spec.md §4.6's test-gate controller: the first
// TestCases tasks run to completion, the operator is asked whether to
// proceed, and only then does the remainder run.
func (m *Manager) runWithGate(ctx context.Context) error {
	all := m.tasks
	if m.cfg.TestCases > len(all) {
		m.cfg.TestCases = len(all)
	}

	first, rest := all[:m.cfg.TestCases], all[m.cfg.TestCases:]

	m.tasks = first
	if err := m.runLoop(ctx); err != nil {
		return err
	}

	if len(rest) == 0 {
		return nil
	}

	proceed := report.AskYesOrNo(m.cfg.In, m.cfg.Out, fmt.Sprintf(
		"%d of %d test cases finished, %d hosts remaining. OK to continue", len(first), len(all), len(rest)))
	if !proceed {
		// The declined remainder never ran, so it must not enter done/
		// buckets: TallyResults and ExitCode report only on the test
		// batch that actually executed (spec.md §8 scenario 7). The
		// cancelled hosts are tracked separately, purely for
		// --fork-hosts' failed list.
		for _, t := range rest {
			t.Cancel()
			m.declined = append(m.declined, t)
		}

		return nil
	}

	m.tasks = rest
	return m.runLoop(ctx)
}

func (m *Manager) writeForkHostsFiles() error {
	failed, err := os.Create(m.cfg.ForkHosts + ".failed.lst")
	if err != nil {
		return fmt.Errorf("Create fork-hosts failed list: %w", err)
	}
	defer failed.Close()

	passed, err := os.Create(m.cfg.ForkHosts + ".passed.lst")
	if err != nil {
		return fmt.Errorf("Create fork-hosts passed list: %w", err)
	}
	defer passed.Close()

	for _, b := range []api.Bucket{api.BucketSSHFailed, api.BucketKilled, api.BucketCmdFailed} {
		for _, t := range m.buckets[b] {
			fmt.Fprintln(failed, t.Host)
		}
	}

	for _, t := range m.declined {
		fmt.Fprintln(failed, t.Host)
	}

	for _, t := range m.buckets[api.BucketSucceeded] {
		fmt.Fprintln(passed, t.Host)
	}

	return nil
}

// TallyResults partitions done into the four buckets, per spec.md §4.7.
func (m *Manager) TallyResults() {
	m.buckets = make(map[api.Bucket][]*task.Task)
	for _, t := range m.done {
		b := m.classifier(t.ExitStatus())
		m.buckets[b] = append(m.buckets[b], t)
	}
}

// ExitCode computes the process exit code per spec.md §4.7.
func (m *Manager) ExitCode() int {
	if len(m.buckets[api.BucketKilled]) > 0 {
		return 3
	}

	if len(m.buckets[api.BucketSSHFailed]) > 0 {
		return 4
	}

	if len(m.buckets[api.BucketCmdFailed]) > 0 {
		return 5
	}

	return 0
}

func (m *Manager) runLoop(ctx context.Context) error {
	if m.cfg.Outdir != "" || m.cfg.Errdir != "" || len(m.cfg.Sinks) > 0 {
		m.w = writer.New(m.cfg.Outdir, m.cfg.Errdir, m.cfg.Sinks...)
		m.w.Start()
	}

	iom, err := iomap.New()
	if err != nil {
		return &ErrFatal{Err: err}
	}

	m.iom = iom
	defer iom.Close()

	if m.cfg.Askpass {
		if err := m.acquirePassword(); err != nil {
			return &ErrFatal{Err: err}
		}

		defer func() {
			if m.pwSrv != nil {
				_ = m.pwSrv.Close()
			}
		}()
	}

	if m.cfg.ProgressBar {
		m.progressBar = report.NewProgressBar(m.cfg.Out, len(m.tasks))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	// The reaper goroutine runs for the lifetime of this phase. wait4(-1,
	// ...) returns ECHILD whenever this phase currently has no live
	// children, which legitimately happens between admission rounds, so
	// ECHILD only backs off briefly rather than ending the goroutine;
	// stopReap is what actually tears it down once the phase is done.
	m.stopReap = make(chan struct{})
	go m.reapLoop(m.stopReap)
	defer close(m.stopReap)

	m.admit()

	for len(m.running) > 0 || len(m.tasks) > 0 {
		select {
		case <-sigCh:
			m.interrupted()
			if m.cfg.AllowKeyboardInterrupt {
				return fmt.Errorf("interrupted")
			}

			continue
		case <-ctx.Done():
			m.interrupted()
			return ctx.Err()
		default:
		}

		wait := m.waitDuration()
		if err := m.iom.Poll(wait); err != nil {
			return &ErrFatal{Err: err}
		}

		m.admit()
		m.reap()
		m.checkTimeouts()
	}

	if m.w != nil {
		m.w.SignalQuit()
		m.w.Wait()
	}

	return nil
}

// waitDuration computes spec.md §4.5's "min(1s, time_until_next_deadline)".
func (m *Manager) waitDuration() *unix.Timeval {
	remaining := m.minTimeLeft()
	wait := time.Second
	if remaining != nil && *remaining < wait {
		wait = *remaining
		if wait < 0 {
			wait = 0
		}
	}

	tv := unix.NsecToTimeval(wait.Nanoseconds())
	return &tv
}

// minTimeLeft returns the smallest positive time remaining before any
// running task's deadline, or nil if there is no timeout configured or no
// running tasks.
func (m *Manager) minTimeLeft() *time.Duration {
	if m.cfg.Timeout <= 0 {
		return nil
	}

	var min *time.Duration
	for _, t := range m.running {
		left := m.cfg.Timeout - t.Elapsed()
		if left <= 0 {
			continue
		}

		if min == nil || left < *min {
			l := left
			min = &l
		}
	}

	return min
}

func (m *Manager) checkTimeouts() {
	if m.cfg.Timeout <= 0 {
		return
	}

	for _, t := range m.running {
		if m.cfg.Timeout-t.Elapsed() <= 0 {
			t.Timedout()
		}
	}
}

func (m *Manager) acquirePassword() error {
	srv, err := password.Start(m.iom, m.cfg.Par)
	if err != nil {
		return err
	}

	m.pwSrv = srv
	m.askSck = srv.Address
	return nil
}

// admit dequeues from the head of tasks while running is under the cap,
// per spec.md §4.5's admission invariant.
func (m *Manager) admit() {
	for len(m.tasks) > 0 && len(m.running) < m.cfg.Par {
		t := m.tasks[0]
		m.tasks = m.tasks[1:]

		if err := t.Start(m.taskcount, m.iom, m.writerOrNil(), m.askSck); err != nil {
			logger.Error("Failed starting task", logger.Ctx{"host": t.Host, "err": err})
			t.MarkExited(task.StatusSSHFailed)
			m.finished(t)
			continue
		}

		m.running = append(m.running, t)
		m.registerPid(t)
		m.taskcount++
	}
}

func (m *Manager) writerOrNil() task.FileWriter {
	if m.w == nil {
		return noopWriter{}
	}

	return m.w
}

type noopWriter struct{}

func (noopWriter) OpenFiles(host string) (string, string) { return "", "" }
func (noopWriter) Write(filename string, data []byte)     {}
func (noopWriter) Close(filename string)                  {}

func (m *Manager) registerPid(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid := t.Pid()
	if status, ok := m.pending[pid]; ok {
		t.MarkExited(status)
		delete(m.pending, pid)
		return
	}

	m.pidIndex[pid] = t
}

// reap checks every running task for termination, per spec.md §4.5 step c.
func (m *Manager) reap() {
	var stillRunning []*task.Task
	for _, t := range m.running {
		if t.Running() {
			stillRunning = append(stillRunning, t)
			continue
		}

		m.mu.Lock()
		delete(m.pidIndex, t.Pid())
		m.mu.Unlock()
		m.finished(t)
	}

	m.running = stillRunning
}

func (m *Manager) finished(t *task.Task) {
	m.done = append(m.done, t)
	t.Sequence = len(m.done)

	rec := t.Record(m.RunID)
	rec.Bucket = m.classifier(t.ExitStatus())

	if m.progressBar != nil {
		m.progressBar.Tick()
	} else {
		report.PrintTaskReport(m.cfg.Out, m.colorizer, rec)
	}

	if m.w != nil {
		m.w.ExportDone(rec)
	}
}

// interrupted implements spec.md §4.5's keyboard-interrupt handling.
func (m *Manager) interrupted() {
	for _, t := range m.running {
		t.Interrupted()
		// Classify as killed immediately rather than waiting for the
		// reaper goroutine to observe the real wait4 status: MarkExited
		// is idempotent, so if the reaper wins the race this is a
		// no-op, and if it hasn't run yet we still report correctly.
		t.MarkExited(-int(syscall.SIGKILL))
		m.finished(t)
	}
	m.running = nil

	for _, t := range m.tasks {
		t.Cancel()
		m.finished(t)
	}
	m.tasks = nil
}

// reapLoop is the Go translation of spec.md §4.5 step 1 / design note §9:
// a dedicated goroutine stands in for a SIGCHLD handler, since Go cannot
// safely run arbitrary code inside a signal handler. It blocks in wait4
// for any child of this process, latches the exit status on the owning
// Task, and wakes the event loop's poll.
func (m *Manager) reapLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		switch err {
		case unix.EINTR:
			continue
		case unix.ECHILD:
			// Nothing currently running, e.g. between admission
			// rounds or just before the first task is started.
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		if err != nil {
			return
		}

		status := ws.ExitStatus()
		if ws.Signaled() {
			status = -int(ws.Signal())
		}

		m.mu.Lock()
		t, ok := m.pidIndex[pid]
		if ok {
			delete(m.pidIndex, pid)
		} else {
			m.pending[pid] = status
		}
		m.mu.Unlock()

		if ok {
			t.MarkExited(status)
		}

		if m.iom != nil {
			m.iom.Wake()
		}
	}
}
