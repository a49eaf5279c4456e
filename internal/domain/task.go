package domain

import "time"

// TaskKind distinguishes background shell commands from subagent runs.
type TaskKind string

const (
	TaskShell    TaskKind = "shell"
	TaskSubagent TaskKind = "subagent"
)

// TaskStatus is the lifecycle state of a background task. Transitions are
// monotonic: running moves to exactly one terminal state and stays there.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskKilled    TaskStatus = "killed"
)

// Terminal reports whether s is a final status.
func (s TaskStatus) Terminal() bool { return s != TaskRunning }

// ExitCodeKilled is reported for processes terminated by a signal or by the
// user. It mirrors the shell convention for SIGINT.
const ExitCodeKilled = 130

// TaskSnapshot is the metadata view of a background task.
type TaskSnapshot struct {
	ID         string     `json:"id"`
	Kind       TaskKind   `json:"kind"`
	Descriptor string     `json:"descriptor"`
	Status     TaskStatus `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// Runtime returns how long the task ran, or has been running as of now.
func (t TaskSnapshot) Runtime(now time.Time) time.Duration {
	if t.EndTime != nil {
		return t.EndTime.Sub(t.StartTime)
	}
	return now.Sub(t.StartTime)
}

// TaskOutput is the full accumulated output of a task.
type TaskOutput struct {
	TaskSnapshot
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}
