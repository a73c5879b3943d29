package run

import (
	"github.com/kaptinlin/jsonrepair"

	jsonx "github.com/CXL-edu/WisdomPrompt/internal/shared/json"
	"github.com/CXL-edu/WisdomPrompt/internal/sse"
)

// Workflow-stream event names.
const (
	EventSubTasks       = "step1_sub_tasks"
	EventRetrievalStart = "step2_retrieval_start"
	EventRetrievalDone  = "step2_retrieval_done"
	EventSummaryDone    = "step3_summary_done"
	EventAnswerChunk    = "step4_chunk"
	EventAnswerDone     = "step4_done"
	EventWorkflowError  = "error"
)

// Run-channel event names.
const (
	EventRunCreated        = "run.created"
	EventSubtasksSuggested = "subtasks.suggested"
	EventSubtasksConfirmed = "subtasks.confirmed"
	EventStepStarted       = "step.started"
	EventStepCompleted     = "step.completed"
	EventStepInvalidated   = "step.invalidated"
	EventRetrievalStarted  = "retrieval.started"
	EventWebSearch         = "retrieval.web_search"
	EventWebSearchFailed   = "retrieval.web_search_failed"
	EventRetrievalCard     = "retrieval.card"
	EventRetrievalComplete = "retrieval.completed"
	EventSummaryGenerated  = "summary.generated"
	EventFinalAnswer       = "final.answer"
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventRerunRequested    = "rerun.requested"
)

// checkpointEvents are the run-channel events after which the snapshot must
// be refetched; the refetched state supersedes everything accumulated from
// individual events.
var checkpointEvents = map[string]bool{
	EventSubtasksSuggested: true,
	EventSubtasksConfirmed: true,
	EventStepCompleted:     true,
	EventFinalAnswer:       true,
	EventRunCompleted:      true,
}

// IsCheckpoint reports whether a run-channel event requires a snapshot
// refetch.
func IsCheckpoint(name string) bool {
	return checkpointEvents[name]
}

// Event is one decoded workflow-stream event. The set is closed: unknown
// event names never decode, so backend additions are ignored rather than
// fatal.
type Event interface {
	isEvent()
}

// SubTasksEvent replaces the sub-task list (full-run streams only).
type SubTasksEvent struct {
	SubTasks []string `json:"sub_tasks"`
}

// RetrievalStartEvent marks the sub-task at Index as loading.
type RetrievalStartEvent struct {
	Index int `json:"index"`
}

// RetrievalDoneEvent completes retrieval for the sub-task at Index.
type RetrievalDoneEvent struct {
	Index int   `json:"index"`
	Hits  []Hit `json:"hits"`
}

// SummaryDoneEvent attaches the summary for the sub-task at Index.
type SummaryDoneEvent struct {
	Index   int    `json:"index"`
	Summary string `json:"summary"`
}

// AnswerChunkEvent appends text to the final answer.
type AnswerChunkEvent struct {
	Text string `json:"text"`
}

// AnswerDoneEvent ends answer streaming.
type AnswerDoneEvent struct{}

// ErrorEvent carries a backend failure surfaced mid-stream.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (*SubTasksEvent) isEvent()       {}
func (*RetrievalStartEvent) isEvent() {}
func (*RetrievalDoneEvent) isEvent()  {}
func (*SummaryDoneEvent) isEvent()    {}
func (*AnswerChunkEvent) isEvent()    {}
func (*AnswerDoneEvent) isEvent()     {}
func (*ErrorEvent) isEvent()          {}

// DecodeWorkflowEvent turns a raw stream record into its typed variant.
// ok is false for unknown event names and for payloads that stay malformed
// after a repair attempt; both cases are dropped without aborting the stream.
func DecodeWorkflowEvent(raw sse.Event) (Event, bool) {
	var ev Event
	switch raw.Name {
	case EventSubTasks:
		ev = &SubTasksEvent{}
	case EventRetrievalStart:
		ev = &RetrievalStartEvent{}
	case EventRetrievalDone:
		ev = &RetrievalDoneEvent{}
	case EventSummaryDone:
		ev = &SummaryDoneEvent{}
	case EventAnswerChunk:
		ev = &AnswerChunkEvent{}
	case EventAnswerDone:
		return &AnswerDoneEvent{}, true
	case EventWorkflowError:
		ev = &ErrorEvent{}
	default:
		return nil, false
	}
	if err := unmarshalPayload(raw.Data, ev); err != nil {
		return nil, false
	}
	return ev, true
}

// unmarshalPayload decodes event JSON, running a repair pass over payloads
// the model produced with unbalanced quoting or trailing commas before
// giving up on them.
func unmarshalPayload(data []byte, out any) error {
	err := jsonx.Unmarshal(data, out)
	if err == nil {
		return nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return err
	}
	return jsonx.Unmarshal([]byte(repaired), out)
}
