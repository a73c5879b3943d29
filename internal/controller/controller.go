// Package controller orchestrates one workflow execution: decomposition,
// user confirmation of the sub-task list, and the long-lived event stream
// that drives retrieval, summarization and answer generation.
package controller

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/CXL-edu/WisdomPrompt/internal/api"
	"github.com/CXL-edu/WisdomPrompt/internal/logging"
	"github.com/CXL-edu/WisdomPrompt/internal/run"
	"github.com/CXL-edu/WisdomPrompt/internal/sse"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseDecomposing    Phase = "decomposing"
	PhaseWaitingConfirm Phase = "waiting_confirm"
	PhaseStreaming      Phase = "streaming"
	PhaseSettled        Phase = "settled"
)

// Observer receives a state snapshot after every applied change.
type Observer func(run.Snapshot, run.Progress)

// streamHandle is the single live stream token. It is replaced, never
// mutated: starting a new stream cancels the previous handle first, and the
// generation stamp gates every event application so nothing from a cancelled
// stream can touch the model afterwards.
type streamHandle struct {
	ctx        context.Context
	cancel     context.CancelFunc
	generation uint64
	done       chan struct{}
}

// Controller owns one run at a time. All exported methods are safe for
// concurrent use; state mutation is serialized through one mutex.
type Controller struct {
	client   *api.Client
	logger   logging.Logger
	observer Observer

	mu         sync.Mutex
	model      *run.Model
	phase      Phase
	stream     *streamHandle
	generation uint64
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(logger) }
}

// WithObserver registers the progress callback. It runs outside the
// controller lock, on the goroutine that produced the change.
func WithObserver(obs Observer) Option {
	return func(c *Controller) { c.observer = obs }
}

// New builds an idle controller around client.
func New(client *api.Client, opts ...Option) *Controller {
	c := &Controller{
		client: client,
		logger: logging.Nop(),
		phase:  PhaseIdle,
		model:  run.NewModel(""),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the current lifecycle state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Snapshot returns a deep copy of the run state.
func (c *Controller) Snapshot() run.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.Snapshot()
}

// Progress returns the derived stage indicators.
func (c *Controller) Progress() run.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.Progress()
}

// Decompose starts a new execution for query. Any in-flight stream is
// cancelled first. On success the controller is waiting for the user to
// confirm (or edit) the suggested sub-task list.
func (c *Controller) Decompose(ctx context.Context, query string) error {
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

	names, err := c.client.Decompose(ctx, query)
	if err != nil {
		c.failPointOp(err)
		return err
	}

	c.mu.Lock()
	c.model.SeedSubTasks(names)
	c.phase = PhaseWaitingConfirm
	c.mu.Unlock()
	c.notify()
	return nil
}

// UpdateSubTask renames the sub-task at index while confirmation is pending.
func (c *Controller) UpdateSubTask(index int, name string) {
	c.mu.Lock()
	if c.phase == PhaseWaitingConfirm && index >= 0 && index < len(c.model.Tasks) {
		c.model.Tasks[index].Name = name
	}
	c.mu.Unlock()
	c.notify()
}

// AddSubTask appends a new editable sub-task row.
func (c *Controller) AddSubTask(name string) {
	c.mu.Lock()
	if c.phase == PhaseWaitingConfirm {
		c.model.Tasks = append(c.model.Tasks, run.Task{Name: name, Status: run.TaskPending})
	}
	c.mu.Unlock()
	c.notify()
}

// RemoveSubTask deletes the sub-task at index.
func (c *Controller) RemoveSubTask(index int) {
	c.mu.Lock()
	if c.phase == PhaseWaitingConfirm && index >= 0 && index < len(c.model.Tasks) {
		c.model.Tasks = append(c.model.Tasks[:index], c.model.Tasks[index+1:]...)
	}
	c.mu.Unlock()
	c.notify()
}

// SubTaskNames returns the sanitized confirmation candidate list: trimmed,
// blanks dropped, order preserved.
func (c *Controller) SubTaskNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sanitizedNamesLocked()
}

func (c *Controller) sanitizedNamesLocked() []string {
	names := make([]string, 0, len(c.model.Tasks))
	for _, t := range c.model.Tasks {
		if name := strings.TrimSpace(t.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ConfirmAndStream commits the edited sub-task list and opens the workflow
// stream from step 2. Re-entrant: calling it again cancels the previous
// stream and starts over with the current list, which is also how a rerun
// works in the legacy protocol.
func (c *Controller) ConfirmAndStream(ctx context.Context) error {
	c.mu.Lock()
	names := c.sanitizedNamesLocked()
	if len(names) == 0 {
		c.mu.Unlock()
		return errors.New("no sub-tasks to run")
	}
	query := c.model.Query
	handle, sctx := c.replaceStreamLocked(ctx)
	c.model.BeginStreaming(names)
	c.phase = PhaseStreaming
	c.mu.Unlock()
	c.notify()

	stream, err := c.client.StreamWorkflow(sctx, api.StreamRequest{
		Query:    query,
		FromStep: 2,
		Cached:   &api.CachedInputs{SubTasks: names},
	})
	if err != nil {
		handle.cancel()
		close(handle.done)
		if api.IsCancellation(err) {
			return err
		}
		c.failPointOp(err)
		return err
	}

	go c.pumpWorkflow(handle, stream)
	return nil
}

// StreamFromStep1 runs the whole pipeline, including server-side
// decomposition, over a single stream.
func (c *Controller) StreamFromStep1(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.New("query must not be blank")
	}

	c.mu.Lock()
	c.model = run.NewModel(query)
	handle, sctx := c.replaceStreamLocked(ctx)
	c.phase = PhaseStreaming
	c.mu.Unlock()
	c.notify()

	stream, err := c.client.StreamWorkflow(sctx, api.StreamRequest{Query: query, FromStep: 1})
	if err != nil {
		handle.cancel()
		close(handle.done)
		if api.IsCancellation(err) {
			return err
		}
		c.failPointOp(err)
		return err
	}

	go c.pumpWorkflow(handle, stream)
	return nil
}

// Cancel aborts the live stream, if any. The model keeps whatever state has
// been applied so far; cancellation never populates the error banner.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.cancelStreamLocked()
	c.mu.Unlock()
}

// Wait blocks until the current stream pump exits. Returns immediately when
// no stream is live.
func (c *Controller) Wait() {
	c.mu.Lock()
	handle := c.stream
	c.mu.Unlock()
	if handle != nil {
		<-handle.done
	}
}

// replaceStreamLocked cancels the previous stream synchronously, then
// installs a fresh handle with a new generation stamp. Callers hold c.mu.
func (c *Controller) replaceStreamLocked(ctx context.Context) (*streamHandle, context.Context) {
	c.cancelStreamLocked()
	c.generation++
	sctx, cancel := context.WithCancel(ctx)
	handle := &streamHandle{
		ctx:        sctx,
		cancel:     cancel,
		generation: c.generation,
		done:       make(chan struct{}),
	}
	c.stream = handle
	return handle, sctx
}

func (c *Controller) cancelStreamLocked() {
	if c.stream != nil {
		c.stream.cancel()
		c.stream = nil
		// Bump the generation so events already decoded from the dead
		// stream fail the liveness check even if their goroutine is still
		// draining.
		c.generation++
	}
}

// failPointOp surfaces a point-operation failure as a banner message while
// leaving accumulated state intact. Cancellation is not a failure.
func (c *Controller) failPointOp(err error) {
	if api.IsCancellation(err) {
		return
	}
	c.mu.Lock()
	c.model.Banner = err.Error()
	if c.phase == PhaseDecomposing || c.phase == PhaseStreaming {
		c.phase = PhaseSettled
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.observer == nil {
		return
	}
	c.mu.Lock()
	snap := c.model.Snapshot()
	progress := c.model.Progress()
	c.mu.Unlock()
	c.observer(snap, progress)
}

// pumpWorkflow is the stream read loop: one goroutine per live stream,
// events applied strictly in arrival order, liveness checked before every
// application.
func (c *Controller) pumpWorkflow(handle *streamHandle, stream *sse.Stream) {
	defer close(handle.done)
	defer handle.cancel()
	defer func() { _ = stream.Close() }()

	for {
		raw, err := stream.Next()
		if err != nil {
			c.finishStream(handle, err)
			return
		}

		typed, ok := run.DecodeWorkflowEvent(raw)
		if !ok {
			c.logger.Debug("dropped stream record: event=%q", raw.Name)
			continue
		}

		c.mu.Lock()
		if handle.generation != c.generation {
			// A newer stream took over while this event was in flight.
			c.mu.Unlock()
			return
		}
		c.model.Apply(typed)
		c.mu.Unlock()
		c.notify()
	}
}

// finishStream settles the controller when a stream ends. A clean close
// completes the run, cancellation mutates nothing, and anything else is a
// stream failure that errors out the waiting sub-tasks.
func (c *Controller) finishStream(handle *streamHandle, err error) {
	c.mu.Lock()
	if handle.generation != c.generation {
		c.mu.Unlock()
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		c.model.Settle()
		c.phase = PhaseSettled
	case api.IsCancellation(err):
		c.mu.Unlock()
		return
	default:
		streamErr := &api.StreamError{Err: err}
		c.logger.Warn("workflow stream failed: %v", err)
		c.model.Fail(streamErr.Error())
		c.phase = PhaseSettled
	}
	if c.stream == handle {
		c.stream = nil
	}
	c.mu.Unlock()
	c.notify()
}
