package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CXL-edu/WisdomPrompt/internal/api"
	"github.com/CXL-edu/WisdomPrompt/internal/run"
	jsonx "github.com/CXL-edu/WisdomPrompt/internal/shared/json"
)

// runBackend is a scripted run/confirm backend. The snapshot it serves is
// mutated between phases, the way the real backend advances state before
// emitting the matching checkpoint event.
type runBackend struct {
	mu        sync.Mutex
	snap      api.RunSnapshot
	confirmed []api.Subtask
	script    []scriptedEvent
}

type scriptedEvent struct {
	seq  int
	name string
	data string

	// applied to the snapshot before the event goes out
	advance func(*api.RunSnapshot)
}

func (b *runBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/runs", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		out := api.RunCreated{RunID: b.snap.RunID, Status: b.snap.Status, Subtasks: b.snap.Subtasks}
		b.mu.Unlock()
		payload, err := jsonx.Marshal(out)
		require.NoError(t, err)
		_, _ = w.Write(payload)
	})

	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		payload, err := jsonx.Marshal(b.snap)
		b.mu.Unlock()
		require.NoError(t, err)
		_, _ = w.Write(payload)
	})

	mux.HandleFunc("POST /api/runs/{id}/subtasks/confirm", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Subtasks []api.Subtask `json:"subtasks"`
		}
		require.NoError(t, jsonx.NewDecoder(r.Body).Decode(&body))

		b.mu.Lock()
		b.confirmed = body.Subtasks
		b.snap.Status = string(run.StatusRunning)
		b.snap.CurrentStep = 2
		b.snap.Subtasks = body.Subtasks
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range b.script {
			b.mu.Lock()
			if ev.advance != nil {
				ev.advance(&b.snap)
			}
			b.mu.Unlock()
			_, _ = w.Write([]byte("id: " + strconv.Itoa(ev.seq) + "\nevent: " + ev.name + "\ndata: " + ev.data + "\n\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	})

	return mux
}

func TestRunLifecycle(t *testing.T) {
	backend := &runBackend{
		snap: api.RunSnapshot{
			RunID:  "r1",
			Query:  "compare A and B",
			Status: string(run.StatusWaitingConfirm),
			Subtasks: []api.Subtask{
				{ID: "st1", Name: "research A", Order: 0},
				{ID: "st2", Name: "research B", Order: 1},
			},
			CurrentStep: 1,
		},
		script: []scriptedEvent{
			{seq: 1, name: run.EventSubtasksConfirmed, data: `{}`},
			{seq: 2, name: run.EventStepStarted, data: `{"step":2}`},
			{seq: 3, name: run.EventStepCompleted, data: `{"step":2}`, advance: func(s *api.RunSnapshot) {
				s.CurrentStep = 3
				s.Retrieval = map[string][]api.Card{
					"st1": {{ID: "c1", Content: "evidence", Source: api.CardSource{Provider: "web", URL: "http://x"}}},
				}
			}},
			{seq: 4, name: run.EventFinalAnswer, data: `{}`, advance: func(s *api.RunSnapshot) {
				s.CurrentStep = 4
				s.FinalAnswer = "Hello"
			}},
			{seq: 5, name: run.EventRunCompleted, data: `{}`, advance: func(s *api.RunSnapshot) {
				s.Status = string(run.StatusCompleted)
			}},
		},
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctx := context.Background()

	require.NoError(t, ctrl.StartRun(ctx, "compare A and B"))
	require.Equal(t, PhaseWaitingConfirm, ctrl.Phase())

	snap := ctrl.Snapshot()
	require.Equal(t, "r1", snap.RunID)
	require.Equal(t, []string{"research A", "research B"}, ctrl.SubTaskNames())

	ctrl.UpdateSubTask(1, "research B thoroughly")
	require.NoError(t, ctrl.ConfirmRun(ctx))
	ctrl.Wait()

	backend.mu.Lock()
	require.Equal(t, []api.Subtask{
		{ID: "st1", Name: "research A", Order: 0},
		{ID: "st2", Name: "research B thoroughly", Order: 1},
	}, backend.confirmed)
	backend.mu.Unlock()

	snap = ctrl.Snapshot()
	require.Equal(t, run.StatusCompleted, snap.Status)
	require.Equal(t, "Hello", snap.FinalAnswer)
	require.Equal(t, "", snap.Banner)
	require.Equal(t, PhaseSettled, ctrl.Phase())

	// The checkpoint reconciliation adopted the authoritative retrieval
	// state for st1.
	require.Equal(t, run.TaskDone, snap.Tasks[0].Status)
	require.Equal(t, "http://x", snap.Tasks[0].Hits[0].URL)

	// Every channel record landed in the append-only log.
	require.Len(t, snap.Events, 5)
	require.Equal(t, 5, snap.Events[len(snap.Events)-1].Seq)
	require.Equal(t, run.EventRunCompleted, snap.Events[4].Name)
}

func TestRunFailedPopulatesBanner(t *testing.T) {
	backend := &runBackend{
		snap: api.RunSnapshot{
			RunID:    "r2",
			Query:    "q",
			Status:   string(run.StatusWaitingConfirm),
			Subtasks: []api.Subtask{{ID: "st1", Name: "a", Order: 0}},
		},
		script: []scriptedEvent{
			{seq: 1, name: run.EventStepStarted, data: `{"step":2}`},
			{seq: 2, name: run.EventRunFailed, data: `{"message":"search provider down"}`, advance: func(s *api.RunSnapshot) {
				s.Status = string(run.StatusFailed)
			}},
		},
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctx := context.Background()

	require.NoError(t, ctrl.StartRun(ctx, "q"))
	require.NoError(t, ctrl.ConfirmRun(ctx))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, "search provider down", snap.Banner)
	require.Equal(t, run.StatusFailed, snap.Status)
	require.Equal(t, PhaseSettled, ctrl.Phase())
}

func TestRerunRequiresRun(t *testing.T) {
	ctrl := New(api.NewClient("http://127.0.0.1:0"))
	require.Error(t, ctrl.Rerun(context.Background(), 2, ""))
}

func TestConfirmRunRequiresRun(t *testing.T) {
	ctrl := New(api.NewClient("http://127.0.0.1:0"))
	require.Error(t, ctrl.ConfirmRun(context.Background()))
}

func TestReconcileAbortsWithStream(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctrl.mu.Lock()
	handle, _ := ctrl.replaceStreamLocked(context.Background())
	ctrl.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ctrl.reconcile(handle, "r1")
		close(done)
	}()

	// Cancelling the run must abort the in-flight refetch rather than let it
	// run to completion in the background.
	<-started
	ctrl.Cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refetch survived stream cancellation")
	}

	require.Equal(t, "", ctrl.Snapshot().RunID)
}

func TestFailureMessageFallbacks(t *testing.T) {
	require.Equal(t, "boom", failureMessage([]byte(`{"message":"boom"}`)))
	require.Equal(t, "bad", failureMessage([]byte(`{"error":"bad"}`)))
	require.Equal(t, "run failed", failureMessage([]byte(`{}`)))
	require.Equal(t, "run failed", failureMessage([]byte(`not json`)))
}
