package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canonical/pssh/shared/api"
)

func TestOpenFilesSuffixesRepeatHosts(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "")
	w.Start()
	defer func() {
		w.SignalQuit()
		w.Wait()
	}()

	out1, err1 := w.OpenFiles("web1")
	require.Equal(t, filepath.Join(dir, "web1"), out1)
	require.Empty(t, err1)

	out2, _ := w.OpenFiles("web1")
	require.Equal(t, filepath.Join(dir, "web1.1"), out2)

	out3, _ := w.OpenFiles("web1")
	require.Equal(t, filepath.Join(dir, "web1.2"), out3)
}

func TestOpenFilesNoDirsReturnsEmpty(t *testing.T) {
	w := New("", "")
	w.Start()
	defer func() {
		w.SignalQuit()
		w.Wait()
	}()

	out, errf := w.OpenFiles("web1")
	require.Empty(t, out)
	require.Empty(t, errf)
}

func TestWriteThenCloseProducesExpectedBytes(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "")
	w.Start()

	out, _ := w.OpenFiles("host-a")
	w.Write(out, []byte("hello "))
	w.Write(out, []byte("world"))
	w.Close(out)

	w.SignalQuit()
	w.Wait()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

type fakeSink struct {
	records []*api.TaskRecord
	closed  bool
}

func (f *fakeSink) ExportDone(rec *api.TaskRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestExportDoneReachesSink(t *testing.T) {
	sink := &fakeSink{}
	w := New("", "", sink)
	w.Start()

	w.ExportDone(&api.TaskRecord{Host: "db1"})
	w.SignalQuit()
	w.Wait()

	require.Len(t, sink.records, 1)
	require.Equal(t, "db1", sink.records[0].Host)
	require.True(t, sink.closed)
}

func TestSignalQuitDrainsPriorItems(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, "")
	w.Start()

	out, _ := w.OpenFiles("host-b")
	for i := 0; i < 50; i++ {
		w.Write(out, []byte("x"))
	}
	w.Close(out)
	w.SignalQuit()
	w.Wait()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, data, 50)
}
