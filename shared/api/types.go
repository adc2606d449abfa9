// Package api defines the wire/export types shared between the scheduler
// and its reporting and export sinks. Keeping them here (rather than in
// the task package) lets export and report depend on the shapes without
// depending on task's internal scheduling state.
package api

import "time"

// Bucket classifies a finished task's outcome.
type Bucket string

// The four classification buckets from the classifier (spec.md §4.7).
const (
	BucketSucceeded Bucket = "succeeded"
	BucketSSHFailed Bucket = "ssh_failed"
	BucketCmdFailed Bucket = "cmd_failed"
	BucketKilled    Bucket = "killed"
)

// TaskRecord is the flattened, serializable view of a finished task, used
// by export sinks (SQLite, JSON-lines) and by the reporter. It intentionally
// excludes live scheduling state (pipes, process handles).
type TaskRecord struct {
	RunID       string    `json:"run_id"`
	Sequence    int       `json:"sequence"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	User        string    `json:"user"`
	Command     string    `json:"command"`
	Started     time.Time `json:"started"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	ExitStatus  int       `json:"exit_status"`
	Bucket      Bucket    `json:"bucket"`
	FailReasons []string  `json:"fail_reasons,omitempty"`
}
