package run

import (
	"strings"

	"github.com/CXL-edu/WisdomPrompt/internal/api"
)

// Model is the canonical state of one workflow execution. Events mutate it
// in place through Apply; everything the presentation layer needs comes out
// of Snapshot and Progress, never from the fields directly.
type Model struct {
	Query       string
	Status      Status
	CurrentStep int
	Tasks       []Task
	FinalAnswer strings.Builder
	Streaming   bool
	Banner      string

	// Run/confirm protocol state. RunID is empty in legacy streaming mode.
	RunID  string
	Run    *api.RunSnapshot
	Events []LogEntry
}

// NewModel starts a fresh execution for query.
func NewModel(query string) *Model {
	return &Model{Query: query, Status: StatusPending}
}

// SeedSubTasks installs the decomposition result and moves the run to
// waiting_confirm. An empty decomposition falls back to the original query
// as the sole sub-task.
func (m *Model) SeedSubTasks(names []string) {
	if len(names) == 0 {
		names = []string{m.Query}
	}
	m.Tasks = make([]Task, 0, len(names))
	for _, name := range names {
		m.Tasks = append(m.Tasks, Task{Name: name, Status: TaskPending})
	}
	m.Status = StatusWaitingConfirm
	m.CurrentStep = 1
}

// BeginStreaming resets per-stream state and pins the confirmed sub-task
// names. Called when a new stream opens, including reruns, so the step always
// drops back to retrieval regardless of how far the previous run got.
func (m *Model) BeginStreaming(names []string) {
	m.Tasks = make([]Task, 0, len(names))
	for _, name := range names {
		m.Tasks = append(m.Tasks, Task{Name: name, Status: TaskPending})
	}
	m.FinalAnswer.Reset()
	m.Streaming = false
	m.Banner = ""
	m.Status = StatusRunning
	m.CurrentStep = 2
}

// Apply folds one workflow-stream event into the model. Events referencing
// an index outside the current sub-task list are dropped unchanged; that
// covers stale events from a superseded run.
func (m *Model) Apply(ev Event) {
	switch e := ev.(type) {
	case *SubTasksEvent:
		m.SeedSubTasks(e.SubTasks)

	case *RetrievalStartEvent:
		if t := m.task(e.Index); t != nil {
			t.Status = TaskLoading
			m.markRunning()
			m.step(2)
		}

	case *RetrievalDoneEvent:
		if t := m.task(e.Index); t != nil {
			t.Status = TaskDone
			t.Hits = append(t.Hits, e.Hits...)
		}

	case *SummaryDoneEvent:
		if t := m.task(e.Index); t != nil {
			t.Summary = e.Summary
			m.step(3)
		}

	case *AnswerChunkEvent:
		m.Streaming = true
		m.markRunning()
		m.FinalAnswer.WriteString(e.Text)
		m.step(4)

	case *AnswerDoneEvent:
		m.Streaming = false

	case *ErrorEvent:
		m.Fail(e.Message)
	}
}

// Fail records message as the banner and errors out every sub-task still
// waiting, so no row stays permanently loading after a stream failure.
func (m *Model) Fail(message string) {
	if message == "" {
		message = "Unknown error"
	}
	m.Banner = message
	m.Status = StatusFailed
	for i := range m.Tasks {
		if m.Tasks[i].Status == TaskPending || m.Tasks[i].Status == TaskLoading {
			m.Tasks[i].Status = TaskError
			m.Tasks[i].Err = message
		}
	}
}

// Settle marks a cleanly finished stream.
func (m *Model) Settle() {
	m.Streaming = false
	if m.Status == StatusRunning {
		m.Status = StatusCompleted
	}
}

// AppendLog records a run-channel event. The log is append-only.
func (m *Model) AppendLog(entry LogEntry) {
	m.Events = append(m.Events, entry)
}

// AdoptSnapshot replaces locally accumulated state with an authoritative
// snapshot from the backend.
func (m *Model) AdoptSnapshot(snap api.RunSnapshot) {
	m.RunID = snap.RunID
	m.Run = &snap
	m.Query = snap.Query
	m.Status = Status(snap.Status)
	m.CurrentStep = snap.CurrentStep

	tasks := make([]Task, 0, len(snap.Subtasks))
	for _, st := range snap.Subtasks {
		task := Task{ID: st.ID, Name: st.Name, Status: TaskPending}
		if cards := snap.Retrieval[st.ID]; len(cards) > 0 {
			task.Status = TaskDone
			for _, card := range cards {
				task.Hits = append(task.Hits, Hit{
					Content: card.Content,
					URL:     card.Source.URL,
					Source:  card.Source.Provider,
				})
				if summary := snap.Summaries[card.ID]; summary != "" {
					if task.Summary != "" {
						task.Summary += "\n\n"
					}
					task.Summary += summary
				}
			}
		}
		tasks = append(tasks, task)
	}
	m.Tasks = tasks

	m.FinalAnswer.Reset()
	m.FinalAnswer.WriteString(snap.FinalAnswer)
	if m.Status == StatusFailed && m.Banner == "" {
		m.Banner = "run failed"
	}
}

// LastEventSeq returns the highest sequence id seen on the run channel.
func (m *Model) LastEventSeq() int {
	if len(m.Events) == 0 {
		return 0
	}
	return m.Events[len(m.Events)-1].Seq
}

// Snapshot deep-copies the model so observers never alias internal state.
func (m *Model) Snapshot() Snapshot {
	snap := Snapshot{
		Query:       m.Query,
		Status:      m.Status,
		CurrentStep: m.CurrentStep,
		Tasks:       make([]Task, len(m.Tasks)),
		FinalAnswer: m.FinalAnswer.String(),
		Streaming:   m.Streaming,
		Banner:      m.Banner,
		RunID:       m.RunID,
	}
	for i, t := range m.Tasks {
		ct := t
		ct.Hits = append([]Hit(nil), t.Hits...)
		snap.Tasks[i] = ct
	}
	if m.Run != nil {
		r := *m.Run
		snap.Run = &r
	}
	if len(m.Events) > 0 {
		snap.Events = append([]LogEntry(nil), m.Events...)
	}
	return snap
}

// markRunning moves a run into running once pipeline work is observed. In
// full-run streams decomposition arrives on the same stream, so there is no
// separate confirmation step flipping the status.
func (m *Model) markRunning() {
	if m.Status == StatusPending || m.Status == StatusWaitingConfirm {
		m.Status = StatusRunning
	}
}

func (m *Model) task(index int) *Task {
	if index < 0 || index >= len(m.Tasks) {
		return nil
	}
	return &m.Tasks[index]
}

// step raises the current step, which only ever moves forward inside a run;
// reruns reset it explicitly through AdoptSnapshot or BeginStreaming.
func (m *Model) step(n int) {
	if n > m.CurrentStep {
		m.CurrentStep = n
	}
}
