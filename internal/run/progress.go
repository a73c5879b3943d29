package run

// StepState is the display state of one pipeline stage.
type StepState string

const (
	StepIdle   StepState = "idle"
	StepActive StepState = "active"
	StepDone   StepState = "done"
	StepFailed StepState = "error"
)

// Progress is the derived per-stage indicator set. It is recomputed from the
// model on demand and never stored.
type Progress struct {
	Decompose StepState
	Retrieval StepState
	Summary   StepState
	Answer    StepState

	TasksDone  int
	TasksTotal int
}

// Progress derives the four stage indicators from the current state.
func (m *Model) Progress() Progress {
	p := Progress{
		Decompose:  StepIdle,
		Retrieval:  StepIdle,
		Summary:    StepIdle,
		Answer:     StepIdle,
		TasksTotal: len(m.Tasks),
	}

	if len(m.Tasks) > 0 {
		p.Decompose = StepDone
	}

	var anyLoading, anyError bool
	allTerminal := len(m.Tasks) > 0
	allSummarized := len(m.Tasks) > 0
	for _, t := range m.Tasks {
		switch t.Status {
		case TaskLoading:
			anyLoading = true
			allTerminal = false
		case TaskPending:
			allTerminal = false
		case TaskError:
			anyError = true
		case TaskDone:
			p.TasksDone++
		}
		if t.Summary == "" && t.Status != TaskError {
			allSummarized = false
		}
	}

	switch {
	case anyError:
		p.Retrieval = StepFailed
	case anyLoading:
		p.Retrieval = StepActive
	case allTerminal:
		p.Retrieval = StepDone
	}

	switch {
	case anyError:
		p.Summary = StepFailed
	case allSummarized:
		p.Summary = StepDone
	case p.Retrieval == StepDone:
		p.Summary = StepActive
	}

	switch {
	case m.Streaming:
		p.Answer = StepActive
	case m.FinalAnswer.Len() > 0:
		p.Answer = StepDone
	}

	return p
}
