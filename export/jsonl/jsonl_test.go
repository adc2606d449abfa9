package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/pssh/shared/api"
)

func TestExportDoneWritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := Open(path)
	require.NoError(t, err)

	rec1 := &api.TaskRecord{RunID: "r1", Sequence: 1, Host: "h1", Started: time.Now(), Bucket: api.BucketSucceeded}
	rec2 := &api.TaskRecord{RunID: "r1", Sequence: 2, Host: "h2", Started: time.Now(), Bucket: api.BucketCmdFailed}

	require.NoError(t, s.ExportDone(rec1))
	require.NoError(t, s.ExportDone(rec2))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	require.Len(t, lines, 2)

	var got api.TaskRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	require.Equal(t, "h1", got.Host)
}

func TestOpenAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.ExportDone(&api.TaskRecord{Host: "h1"}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.ExportDone(&api.TaskRecord{Host: "h2"}))
	require.NoError(t, s2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		count++
	}

	require.Equal(t, 2, count)
}
