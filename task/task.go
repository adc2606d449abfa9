// Package task owns a single per-host child subprocess: it spawns the
// child, pumps its stdout/stderr/stdin pipes through an iomap.IOMap,
// buffers output, and tracks deadline, exit status, and failure reasons.
//
// Grounded on spec.md §4.3 and on the retrieval pack's process-pumping
// reference code (vanadium-go.lib/gosh's Cmd pipe wiring,
// socket515-gaio's readiness-driven I/O), since the teacher repo
// (tomponline-lxd) always shells out synchronously via os/exec and has no
// non-blocking pipe pump of its own to imitate directly.
package task

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/pssh/iomap"
	"github.com/canonical/pssh/shared/api"
	"github.com/canonical/pssh/shared/logger"
)

const readChunk = 1 << 16

// Exit status sentinels, per spec.md §3.
const (
	// StatusPending marks a task that has not yet terminated.
	StatusPending = 1 << 30
	// StatusCancelled marks a pending task cancelled without spawning.
	StatusCancelled = -1 << 20
	// StatusSSHFailed is the conventional SSH transport-failure exit code.
	StatusSSHFailed = 255
)

// FileWriter is the subset of writer.Writer that Task needs, so task does
// not import writer directly (avoiding a cycle and keeping Task testable
// with a fake).
type FileWriter interface {
	OpenFiles(host string) (outfile, errfile string)
	Write(filename string, data []byte)
	Close(filename string)
}

// OutputMode controls how a task's stdout/stderr reaches the controlling
// process, independent of whether a Writer is also configured.
type OutputMode int

const (
	// OutputBuffered keeps output in memory only, for printing on
	// completion (spec.md §4.3 "inline mode").
	OutputBuffered OutputMode = iota
	// OutputStreamed writes each chunk to the controlling process's
	// stdout immediately, prefixed with the host ("print_out" mode).
	OutputStreamed
)

// Options is the snapshot of run-wide settings a Task needs, corresponding
// to spec.md §6's "options snapshot passed through to Task".
type Options struct {
	Timeout  time.Duration
	Verbose  bool
	Inline   bool
	PrintOut bool
}

// Task is one scheduled per-host subprocess execution and its state. A
// Task is in exactly one of {pending, running, done}; see Running.
type Task struct {
	Host        string
	Port        int
	User        string
	DisplayName string
	Argv        []string
	Stdin       []byte
	RawCmd      string
	Opts        Options

	Sequence int
	Started  time.Time

	mu          sync.Mutex
	cmd         *exec.Cmd
	pid         int
	started     bool
	exited      bool
	stdoutEOF   bool
	stderrEOF   bool
	exitStatus  int
	failReasons []string
	stdoutBuf   bytes.Buffer
	stderrBuf   bytes.Buffer

	stdoutFD, stderrFD, stdinFD int
	stdinRemaining              []byte
	outFile, errFile            string
	writer                      FileWriter
}

// New creates a pending Task for host with the given argv and options.
func New(host string, port int, user, display string, argv []string, stdin []byte, opts Options) *Task {
	return &Task{
		Host:        host,
		Port:        port,
		User:        user,
		DisplayName: display,
		Argv:        argv,
		Stdin:       stdin,
		RawCmd:      joinArgv(argv),
		Opts:        opts,
		exitStatus:  StatusPending,
	}
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}

		out += a
	}

	return out
}

// Start spawns the child process, wires its pipes through iomap, and
// registers handlers. taskcount becomes PSSH_NODENUM. askpassSocket, when
// non-empty, is exported as PSSH_ASKPASS_SOCKET alongside SSH_ASKPASS.
func (t *Task) Start(taskcount int, iom *iomap.IOMap, w FileWriter, askpassSocket string) error {
	t.writer = w

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("Create stdout pipe: %w", err)
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return fmt.Errorf("Create stderr pipe: %w", err)
	}

	var stdinR, stdinW *os.File
	if len(t.Stdin) > 0 {
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			_ = outR.Close()
			_ = outW.Close()
			_ = errR.Close()
			_ = errW.Close()
			return fmt.Errorf("Create stdin pipe: %w", err)
		}
	}

	cmd := exec.Command(t.Argv[0], t.Argv[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PSSH_NODENUM=%d", taskcount))
	if askpassSocket != "" {
		helper, _ := exec.LookPath("ssh-askpass")
		if helper == "" {
			helper = "pssh-askpass"
		}

		cmd.Env = append(cmd.Env,
			"SSH_ASKPASS="+helper,
			"PSSH_ASKPASS_SOCKET="+askpassSocket,
			"DISPLAY=:0",
		)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW
	if stdinR != nil {
		cmd.Stdin = stdinR
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		_ = errR.Close()
		_ = errW.Close()
		if stdinR != nil {
			_ = stdinR.Close()
			_ = stdinW.Close()
		}

		return fmt.Errorf("Start child process: %w", err)
	}

	_ = outW.Close()
	_ = errW.Close()
	if stdinR != nil {
		_ = stdinR.Close()
	}

	t.mu.Lock()
	t.cmd = cmd
	t.pid = cmd.Process.Pid
	t.started = true
	t.Started = time.Now()
	t.mu.Unlock()

	t.outFile, t.errFile = w.OpenFiles(t.Host)

	t.stdoutFD = int(outR.Fd())
	t.stderrFD = int(errR.Fd())
	_ = unix.SetNonblock(t.stdoutFD, true)
	_ = unix.SetNonblock(t.stderrFD, true)
	unix.CloseOnExec(t.stdoutFD)
	unix.CloseOnExec(t.stderrFD)

	iom.RegisterRead(t.stdoutFD, t.readHandler(outR, &t.stdoutBuf, t.outFile, &t.stdoutEOF))
	iom.RegisterRead(t.stderrFD, t.readHandler(errR, &t.stderrBuf, t.errFile, &t.stderrEOF))

	if stdinW != nil {
		t.stdinFD = int(stdinW.Fd())
		t.stdinRemaining = t.Stdin
		_ = unix.SetNonblock(t.stdinFD, true)
		unix.CloseOnExec(t.stdinFD)
		iom.RegisterWrite(t.stdinFD, t.writeHandler(stdinW))
	}

	return nil
}

// readHandler drains fd until EAGAIN, appending to buf and forwarding to
// the writer-owned file (if any). On EOF it unregisters the fd and marks
// *eof true.
func (t *Task) readHandler(f *os.File, buf *bytes.Buffer, filename string, eof *bool) iomap.Handler {
	return func(fd int, m *iomap.IOMap) {
		chunk := make([]byte, readChunk)
		for {
			n, err := unix.Read(fd, chunk)
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
				return
			case n == 0 || err != nil:
				m.Unregister(fd)
				_ = f.Close()
				t.mu.Lock()
				*eof = true
				t.mu.Unlock()
				if t.writer != nil {
					t.writer.Close(filename)
				}

				return
			default:
				t.mu.Lock()
				buf.Write(chunk[:n])
				t.mu.Unlock()
				if t.writer != nil {
					t.writer.Write(filename, chunk[:n])
				}

				if t.Opts.PrintOut {
					fmt.Printf("%s: %s", t.DisplayName, chunk[:n])
				}

				if n < readChunk {
					return
				}
			}
		}
	}
}

// writeHandler writes the next slice of the pending stdin payload; on full
// consumption it unregisters and closes the fd.
func (t *Task) writeHandler(f *os.File) iomap.Handler {
	return func(fd int, m *iomap.IOMap) {
		for len(t.stdinRemaining) > 0 {
			n, err := unix.Write(fd, t.stdinRemaining)
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
				return
			case err != nil:
				logger.Debug("Stdin write failed", logger.Ctx{"host": t.Host, "err": err})
				m.Unregister(fd)
				_ = f.Close()
				return
			default:
				t.stdinRemaining = t.stdinRemaining[n:]
			}
		}

		m.Unregister(fd)
		_ = f.Close()
	}
}

// MarkExited records the wait status observed by the scheduler's reaper.
// status follows spec.md §3: negative means killed by a signal, else the
// raw process exit code.
func (t *Task) MarkExited(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return
	}

	t.exited = true
	t.exitStatus = status
}

// Pid returns the child's pid, or 0 if not yet started.
func (t *Task) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// Running reports whether the task has not yet fully terminated: the
// child must have exited AND both output pipes drained to EOF.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return false
	}

	return !(t.exited && t.stdoutEOF && t.stderrEOF)
}

// Elapsed returns the time since Start.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	started := t.Started
	t.mu.Unlock()
	return time.Since(started)
}

func (t *Task) killProcessGroup(sig syscall.Signal) {
	t.mu.Lock()
	pid := t.pid
	t.mu.Unlock()
	if pid == 0 {
		return
	}

	// Setsid makes the child its own process-group leader, so -pid
	// targets the whole group.
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// Timedout records a "Timed out" failure reason and SIGKILLs the child's
// process group.
func (t *Task) Timedout() {
	t.addFailReason("Timed out")
	t.killProcessGroup(syscall.SIGKILL)
}

// Interrupted records an "Interrupted" failure reason and SIGKILLs the
// child's process group.
func (t *Task) Interrupted() {
	t.addFailReason("Interrupted")
	t.killProcessGroup(syscall.SIGKILL)
}

// Cancel marks a not-yet-started task as cancelled, without spawning it.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failReasons = append(t.failReasons, "Cancelled")
	t.exitStatus = StatusCancelled
	t.exited = true
	t.stdoutEOF = true
	t.stderrEOF = true
}

func (t *Task) addFailReason(reason string) {
	t.mu.Lock()
	t.failReasons = append(t.failReasons, reason)
	t.mu.Unlock()
}

// ExitStatus returns the terminal exit status. Only meaningful once
// Running reports false.
func (t *Task) ExitStatus() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitStatus
}

// FailReasons returns a copy of the recorded failure reasons.
func (t *Task) FailReasons() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.failReasons))
	copy(out, t.failReasons)
	return out
}

// Stdout returns the buffered stdout collected so far.
func (t *Task) Stdout() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.stdoutBuf.Bytes()...)
}

// Stderr returns the buffered stderr collected so far.
func (t *Task) Stderr() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.stderrBuf.Bytes()...)
}

// Record flattens the task into an api.TaskRecord for reporting/export.
func (t *Task) Record(runID string) *api.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &api.TaskRecord{
		RunID:       runID,
		Sequence:    t.Sequence,
		Host:        t.Host,
		Port:        t.Port,
		User:        t.User,
		Command:     t.RawCmd,
		Started:     t.Started,
		Stdout:      t.stdoutBuf.String(),
		Stderr:      t.stderrBuf.String(),
		ExitStatus:  t.exitStatus,
		FailReasons: append([]string(nil), t.failReasons...),
	}
}
