package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/canonical/pssh/iomap"
)

type nopWriter struct{}

func (nopWriter) OpenFiles(host string) (string, string) { return "", "" }
func (nopWriter) Write(filename string, data []byte)     {}
func (nopWriter) Close(filename string)                  {}

func runToCompletion(t *testing.T, tk *Task) {
	t.Helper()

	iom, err := iomap.New()
	require.NoError(t, err)
	defer iom.Close()

	require.NoError(t, tk.Start(0, iom, nopWriter{}, ""))

	deadline := time.Now().Add(5 * time.Second)
	for tk.Running() || !reaped(tk) {
		if time.Now().After(deadline) {
			t.Fatal("task did not finish in time")
		}

		var ws unix.WaitStatus
		pid, err := unix.Wait4(tk.Pid(), &ws, unix.WNOHANG, nil)
		if pid == tk.Pid() && err == nil {
			tk.MarkExited(exitCodeFromWaitStatus(ws))
		}

		tv := unix.Timeval{Usec: 50000}
		_ = iom.Poll(&tv)
	}
}

func reaped(tk *Task) bool {
	return tk.ExitStatus() != StatusPending
}

func exitCodeFromWaitStatus(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return -int(ws.Signal())
	}

	return ws.ExitStatus()
}

func TestTaskSucceeds(t *testing.T) {
	tk := New("localhost", 22, "root", "localhost", []string{"/bin/sh", "-c", "echo hi; exit 0"}, nil, Options{})
	runToCompletion(t, tk)
	require.Equal(t, 0, tk.ExitStatus())
	require.Equal(t, "hi\n", string(tk.Stdout()))
}

func TestTaskCommandFailure(t *testing.T) {
	tk := New("h", 22, "root", "h", []string{"/bin/sh", "-c", "exit 7"}, nil, Options{})
	runToCompletion(t, tk)
	require.Equal(t, 7, tk.ExitStatus())
}

func TestTaskStdinIsDelivered(t *testing.T) {
	tk := New("h", 22, "root", "h", []string{"/bin/sh", "-c", "cat"}, []byte("payload"), Options{})
	runToCompletion(t, tk)
	require.Equal(t, 0, tk.ExitStatus())
	require.Equal(t, "payload", string(tk.Stdout()))
}

func TestTaskTimeoutKillsWithNegativeStatus(t *testing.T) {
	tk := New("h", 22, "root", "h", []string{"/bin/sh", "-c", "sleep 5"}, nil, Options{Timeout: time.Second})

	iom, err := iomap.New()
	require.NoError(t, err)
	defer iom.Close()
	require.NoError(t, tk.Start(0, iom, nopWriter{}, ""))

	tk.Timedout()
	require.Contains(t, tk.FailReasons(), "Timed out")

	deadline := time.Now().Add(5 * time.Second)
	for tk.ExitStatus() == StatusPending {
		if time.Now().After(deadline) {
			t.Fatal("killed task did not reap in time")
		}

		var ws unix.WaitStatus
		pid, err := unix.Wait4(tk.Pid(), &ws, unix.WNOHANG, nil)
		if pid == tk.Pid() && err == nil {
			tk.MarkExited(exitCodeFromWaitStatus(ws))
		}

		tv := unix.Timeval{Usec: 50000}
		_ = iom.Poll(&tv)
	}

	require.Less(t, tk.ExitStatus(), 0)
}

func TestCancelMarksDoneWithoutSpawning(t *testing.T) {
	tk := New("h", 22, "root", "h", []string{"/bin/true"}, nil, Options{})
	tk.Cancel()
	require.False(t, tk.Running())
	require.Less(t, tk.ExitStatus(), 0)
	require.Contains(t, tk.FailReasons(), "Cancelled")
}
