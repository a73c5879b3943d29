package controller

import (
	"context"
	"errors"
	"strings"

	"github.com/CXL-edu/WisdomPrompt/internal/api"
	"github.com/CXL-edu/WisdomPrompt/internal/run"
	jsonx "github.com/CXL-edu/WisdomPrompt/internal/shared/json"
	"github.com/CXL-edu/WisdomPrompt/internal/sse"
)

// StartRun creates a run in the run/confirm protocol and adopts its first
// snapshot. The run arrives in waiting_confirm with suggested sub-tasks.
func (c *Controller) StartRun(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.New("query must not be blank")
	}

	c.mu.Lock()
	c.cancelStreamLocked()
	c.model = run.NewModel(query)
	c.phase = PhaseDecomposing
	c.mu.Unlock()
	c.notify()

	created, err := c.client.CreateRun(ctx, query)
	if err != nil {
		c.failPointOp(err)
		return err
	}
	snap, err := c.client.GetRun(ctx, created.RunID)
	if err != nil {
		c.failPointOp(err)
		return err
	}

	c.mu.Lock()
	c.model.AdoptSnapshot(snap)
	c.phase = PhaseWaitingConfirm
	c.mu.Unlock()
	c.notify()
	return nil
}

// ConfirmRun submits the edited sub-task list, refetches the snapshot, and
// attaches to the run's event channel. Resubmitting the same sanitized list
// is safe; the backend treats it as idempotent while waiting_confirm.
func (c *Controller) ConfirmRun(ctx context.Context) error {
	c.mu.Lock()
	runID := c.model.RunID
	subtasks := c.sanitizedSubtasksLocked()
	if runID == "" {
		c.mu.Unlock()
		return errors.New("no run to confirm")
	}
	if len(subtasks) == 0 {
		c.mu.Unlock()
		return errors.New("no sub-tasks to run")
	}
	c.mu.Unlock()

	if err := c.client.ConfirmSubtasks(ctx, runID, subtasks); err != nil {
		c.failPointOp(err)
		return err
	}
	snap, err := c.client.GetRun(ctx, runID)
	if err != nil {
		c.failPointOp(err)
		return err
	}

	c.mu.Lock()
	c.model.AdoptSnapshot(snap)
	lastSeq := c.model.LastEventSeq()
	handle, sctx := c.replaceStreamLocked(ctx)
	c.phase = PhaseStreaming
	c.mu.Unlock()
	c.notify()

	stream, err := c.client.OpenEvents(sctx, runID, lastSeq)
	if err != nil {
		handle.cancel()
		close(handle.done)
		if api.IsCancellation(err) {
			return err
		}
		c.failPointOp(err)
		return err
	}

	go c.pumpRunChannel(handle, runID, stream)
	return nil
}

// Rerun asks the backend to invalidate and redo steps >= step. It returns as
// soon as the request lands; progress shows up on the event channel.
func (c *Controller) Rerun(ctx context.Context, step int, reason string) error {
	c.mu.Lock()
	runID := c.model.RunID
	c.mu.Unlock()
	if runID == "" {
		return errors.New("no run to rerun")
	}
	if err := c.client.RerunFromStep(ctx, runID, step, reason); err != nil {
		c.failPointOp(err)
		return err
	}
	return nil
}

func (c *Controller) sanitizedSubtasksLocked() []api.Subtask {
	subtasks := make([]api.Subtask, 0, len(c.model.Tasks))
	for _, t := range c.model.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		subtasks = append(subtasks, api.Subtask{ID: t.ID, Name: name, Order: len(subtasks)})
	}
	return subtasks
}

// pumpRunChannel tails the run's event channel. Every record lands in the
// append-only log; checkpoint events trigger a snapshot refetch that
// supersedes locally accumulated state. Terminal events settle the run and
// end the tail.
func (c *Controller) pumpRunChannel(handle *streamHandle, runID string, stream *sse.Stream) {
	defer close(handle.done)
	defer handle.cancel()
	defer func() { _ = stream.Close() }()

	for {
		raw, err := stream.Next()
		if err != nil {
			c.finishStream(handle, err)
			return
		}

		entry := run.LogEntry{Seq: raw.ID, Name: raw.Name, Data: append(jsonx.RawMessage(nil), raw.Data...)}

		c.mu.Lock()
		if handle.generation != c.generation {
			c.mu.Unlock()
			return
		}
		c.model.AppendLog(entry)
		terminal := false
		switch raw.Name {
		case run.EventRunFailed:
			c.model.Fail(failureMessage(raw.Data))
			c.phase = PhaseSettled
			terminal = true
		case run.EventRunCompleted:
			terminal = true
		}
		c.mu.Unlock()
		c.notify()

		if run.IsCheckpoint(raw.Name) {
			c.reconcile(handle, runID)
		}

		if terminal {
			c.mu.Lock()
			if handle.generation == c.generation {
				c.model.Settle()
				c.phase = PhaseSettled
				if c.stream == handle {
					c.stream = nil
				}
			}
			c.mu.Unlock()
			c.notify()
			return
		}
	}
}

// reconcile refetches the authoritative snapshot after a checkpoint event.
// The fetch runs under the stream's context so cancelling the run also
// aborts an in-flight refetch. The client coalesces concurrent refetches
// per run; a fetch that loses the liveness race is discarded.
func (c *Controller) reconcile(handle *streamHandle, runID string) {
	snap, err := c.client.GetRun(handle.ctx, runID)
	if api.IsCancellation(err) {
		return
	}
	if err != nil {
		c.logger.Warn("snapshot refetch failed: run=%s err=%v", runID, err)
		return
	}
	c.mu.Lock()
	if handle.generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.model.AdoptSnapshot(snap)
	c.mu.Unlock()
	c.notify()
}

func failureMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := jsonx.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return "run failed"
}
