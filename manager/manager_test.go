package manager

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/pssh/shared/api"
	"github.com/canonical/pssh/task"
)

func newTestConfig(par int) Config {
	return Config{
		Par:     par,
		Out:     &bytes.Buffer{},
		In:      strings.NewReader(""),
		Summary: false,
	}
}

func sh(argv ...string) []string {
	return append([]string{"/bin/sh", "-c"}, argv...)
}

// TestHappyPath mirrors spec.md §8 scenario 1: 3 hosts, all succeed.
func TestHappyPath(t *testing.T) {
	cfg := newTestConfig(3)
	m := NewSSHManager(cfg)

	for i := 0; i < 3; i++ {
		m.AddTask(task.New("host", 22, "root", "host", sh("exit 0"), nil, task.Options{}))
	}

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, m.Buckets()[api.BucketSucceeded], 3)
	require.Equal(t, 0, m.ExitCode())
}

// TestMixedTransportFailure mirrors spec.md §8 scenario 2.
func TestMixedTransportFailure(t *testing.T) {
	cfg := newTestConfig(3)
	m := NewSSHManager(cfg)

	m.AddTask(task.New("h1", 22, "root", "h1", sh("exit 0"), nil, task.Options{}))
	m.AddTask(task.New("h2", 22, "root", "h2", sh("exit 255"), nil, task.Options{}))
	m.AddTask(task.New("h3", 22, "root", "h3", sh("exit 0"), nil, task.Options{}))

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, m.Buckets()[api.BucketSucceeded], 2)
	require.Len(t, m.Buckets()[api.BucketSSHFailed], 1)
	require.Equal(t, 4, m.ExitCode())
}

// TestCommandFailure mirrors spec.md §8 scenario 3.
func TestCommandFailure(t *testing.T) {
	cfg := newTestConfig(3)
	m := NewSSHManager(cfg)

	m.AddTask(task.New("h1", 22, "root", "h1", sh("exit 7"), nil, task.Options{}))
	m.AddTask(task.New("h2", 22, "root", "h2", sh("exit 0"), nil, task.Options{}))
	m.AddTask(task.New("h3", 22, "root", "h3", sh("exit 0"), nil, task.Options{}))

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, m.Buckets()[api.BucketCmdFailed], 1)
	require.Equal(t, 5, m.ExitCode())
}

// TestConcurrencyCap mirrors spec.md §8 scenario 4: par=2, 6 hosts sleeping
// briefly each; wall time must reflect the cap, not full parallelism.
func TestConcurrencyCap(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}

	cfg := newTestConfig(2)
	m := NewSSHManager(cfg)

	for i := 0; i < 6; i++ {
		m.AddTask(task.New("host", 22, "root", "host", sh("sleep 0.3"), nil, task.Options{}))
	}

	start := time.Now()
	require.NoError(t, m.Run(context.Background()))
	elapsed := time.Since(start)

	require.Len(t, m.Buckets()[api.BucketSucceeded], 6)
	// 6 tasks at cap 2 need >= 3 batches of 0.3s.
	require.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
}

// TestTimeoutKillsSlowTasks mirrors spec.md §8 scenario 5.
func TestTimeoutKillsSlowTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}

	cfg := newTestConfig(4)
	cfg.Timeout = 500 * time.Millisecond
	m := NewSSHManager(cfg)

	for i := 0; i < 4; i++ {
		m.AddTask(task.New("host", 22, "root", "host", sh("sleep 5"), nil, task.Options{}))
	}

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, m.Buckets()[api.BucketKilled], 4)
	require.Equal(t, 3, m.ExitCode())

	for _, tk := range m.Done() {
		require.Contains(t, tk.FailReasons(), "Timed out")
	}
}

// TestTestGateDeclinesRemainder mirrors spec.md §8 scenario 7: answering
// "n" at the gate leaves the remainder cancelled, not run, and the exit
// code reflects only the test batch that actually ran.
func TestTestGateDeclinesRemainder(t *testing.T) {
	cfg := newTestConfig(5)
	cfg.TestCases = 2
	cfg.In = strings.NewReader("n\n")
	m := NewSSHManager(cfg)

	for i := 0; i < 5; i++ {
		m.AddTask(task.New("host", 22, "root", "host", sh("exit 0"), nil, task.Options{}))
	}

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, m.Done(), 2)
	require.Len(t, m.Buckets()[api.BucketSucceeded], 2)
	require.Len(t, m.Buckets()[api.BucketKilled], 0)
	require.Equal(t, 0, m.ExitCode())
	require.Len(t, m.declined, 3)
}

// TestTestGateAcceptsRemainder covers the "y" branch of the same gate.
func TestTestGateAcceptsRemainder(t *testing.T) {
	cfg := newTestConfig(5)
	cfg.TestCases = 2
	cfg.In = strings.NewReader("y\n")
	m := NewSSHManager(cfg)

	for i := 0; i < 5; i++ {
		m.AddTask(task.New("host", 22, "root", "host", sh("exit 0"), nil, task.Options{}))
	}

	require.NoError(t, m.Run(context.Background()))
	require.Len(t, m.Buckets()[api.BucketSucceeded], 5)
}

func TestClassifySSHAndSCP(t *testing.T) {
	require.Equal(t, api.BucketSucceeded, ClassifySSH(0))
	require.Equal(t, api.BucketSSHFailed, ClassifySSH(255))
	require.Equal(t, api.BucketCmdFailed, ClassifySSH(7))
	require.Equal(t, api.BucketKilled, ClassifySSH(-9))

	require.Equal(t, api.BucketSucceeded, ClassifySCP(0))
	require.Equal(t, api.BucketSSHFailed, ClassifySCP(1))
	require.Equal(t, api.BucketKilled, ClassifySCP(-9))
}
