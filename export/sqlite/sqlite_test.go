package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/pssh/shared/api"
)

func TestExportDoneRoundtrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.db")

	s, err := Open(path, "run-1", time.Now())
	require.NoError(t, err)

	rec := &api.TaskRecord{
		RunID: "run-1", Sequence: 1, Host: "h1", Port: 22, User: "root",
		Command: "uptime", Started: time.Now(), ExitStatus: 0,
		Bucket: api.BucketSucceeded, FailReasons: nil, Stdout: "ok\n",
	}

	require.NoError(t, s.ExportDone(rec))
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var host, bucket string
	require.NoError(t, db.QueryRow(
		`SELECT host, bucket FROM tasks WHERE run_id = ? AND sequence = ?`, "run-1", 1,
	).Scan(&host, &bucket))

	require.Equal(t, "h1", host)
	require.Equal(t, string(api.BucketSucceeded), bucket)
}
