package api

// Subtask is one unit of the decomposed query. Order is a dense zero-based
// ranking; the backend assigns IDs, client-created rows leave ID empty.
type Subtask struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// CardSource identifies where a retrieval card came from.
type CardSource struct {
	Provider string `json:"provider,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Card is one piece of retrieved evidence, keyed by the backend.
type Card struct {
	ID      string     `json:"id"`
	Title   string     `json:"title,omitempty"`
	Content string     `json:"content"`
	Source  CardSource `json:"source"`
}

// RunCreated is the response to creating a run.
type RunCreated struct {
	RunID    string    `json:"run_id"`
	Status   string    `json:"status"`
	Subtasks []Subtask `json:"subtasks"`
}

// RunSnapshot is the authoritative full state of a run, refetched on
// checkpoint events to supersede locally accumulated per-event state.
type RunSnapshot struct {
	RunID       string            `json:"run_id"`
	Query       string            `json:"query"`
	Status      string            `json:"status"`
	CurrentStep int               `json:"current_step"`
	Subtasks    []Subtask         `json:"subtasks"`
	Retrieval   map[string][]Card `json:"retrieval"`
	Summaries   map[string]string `json:"summaries"`
	FinalAnswer string            `json:"final_answer"`
}

// CachedInputs carries the user-confirmed sub-task list when resuming the
// workflow stream from step 2.
type CachedInputs struct {
	SubTasks []string `json:"sub_tasks"`
}

// StreamRequest is the body of the workflow stream endpoint. FromStep 1 runs
// the full pipeline including decomposition; FromStep 2 resumes with Cached.
type StreamRequest struct {
	Query    string        `json:"query"`
	FromStep int           `json:"from_step"`
	Cached   *CachedInputs `json:"cached,omitempty"`
}
