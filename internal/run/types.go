// Package run holds the in-memory state of one workflow execution and the
// update rules applied as stream events arrive. The model is owned by a
// single controller; it does no locking of its own.
package run

import (
	"github.com/CXL-edu/WisdomPrompt/internal/api"
	jsonx "github.com/CXL-edu/WisdomPrompt/internal/shared/json"
)

// Status mirrors the backend run lifecycle.
type Status string

const (
	StatusPending        Status = "pending"
	StatusWaitingConfirm Status = "waiting_confirm"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// TaskStatus is the per-sub-task display state during retrieval.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskLoading TaskStatus = "loading"
	TaskDone    TaskStatus = "done"
	TaskError   TaskStatus = "error"
)

// Hit is one retrieval result attached to a sub-task, kept in arrival order
// and never deduplicated client-side.
type Hit struct {
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Task is a sub-task with its accumulated retrieval and summary state.
type Task struct {
	ID      string
	Name    string
	Status  TaskStatus
	Hits    []Hit
	Summary string
	Err     string
}

// LogEntry is one immutable record of the run event channel. The log is
// append-only; the authoritative state is the periodically refetched
// snapshot, with the log serving as a UI hint in between.
type LogEntry struct {
	Seq  int
	Name string
	Data jsonx.RawMessage
}

// SubtaskID extracts the subtask_id field carried by retrieval and summary
// events on the run channel, or "" when absent.
func (e LogEntry) SubtaskID() string {
	var body struct {
		SubtaskID string `json:"subtask_id"`
	}
	if err := jsonx.Unmarshal(e.Data, &body); err != nil {
		return ""
	}
	return body.SubtaskID
}

// Snapshot is a deep copy of the model, safe for the presentation layer to
// hold across further updates.
type Snapshot struct {
	Query       string
	Status      Status
	CurrentStep int
	Tasks       []Task
	FinalAnswer string
	Streaming   bool
	Banner      string

	RunID  string
	Run    *api.RunSnapshot
	Events []LogEntry
}
