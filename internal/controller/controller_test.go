package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CXL-edu/WisdomPrompt/internal/api"
	"github.com/CXL-edu/WisdomPrompt/internal/run"
	jsonx "github.com/CXL-edu/WisdomPrompt/internal/shared/json"
)

func writeSSE(w http.ResponseWriter, name, data string) {
	_, _ = io.WriteString(w, "event: "+name+"\ndata: "+data+"\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// snapshotRecorder collects observer snapshots and lets tests wait for a
// state to show up.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []run.Snapshot
}

func (r *snapshotRecorder) Observe(snap run.Snapshot, _ run.Progress) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
}

func (r *snapshotRecorder) waitFor(t *testing.T, pred func(run.Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, s := range r.snaps {
			if pred(s) {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never observed")
}

func TestDecomposeConfirmStream(t *testing.T) {
	var (
		mu        sync.Mutex
		gotCached []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/decompose", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub_tasks":["research A","research B"]}`))
	})
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		var req api.StreamRequest
		require.NoError(t, jsonx.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 2, req.FromStep)
		mu.Lock()
		gotCached = req.Cached.SubTasks
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, run.EventRetrievalStart, `{"index":0}`)
		writeSSE(w, run.EventRetrievalDone, `{"index":0,"hits":[{"content":"c","url":"u"}]}`)
		writeSSE(w, run.EventSummaryDone, `{"index":0,"summary":"recap"}`)
		writeSSE(w, run.EventAnswerChunk, `{"text":"Hel"}`)
		writeSSE(w, run.EventAnswerChunk, `{"text":"lo"}`)
		writeSSE(w, run.EventAnswerDone, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctx := context.Background()

	require.NoError(t, ctrl.Decompose(ctx, "compare A and B"))
	require.Equal(t, PhaseWaitingConfirm, ctrl.Phase())
	require.Equal(t, []string{"research A", "research B"}, ctrl.SubTaskNames())

	ctrl.UpdateSubTask(1, "research B thoroughly")
	ctrl.RemoveSubTask(0)

	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	ctrl.Wait()

	mu.Lock()
	require.Equal(t, []string{"research B thoroughly"}, gotCached)
	mu.Unlock()

	snap := ctrl.Snapshot()
	require.Equal(t, "Hello", snap.FinalAnswer)
	require.Equal(t, run.StatusCompleted, snap.Status)
	require.Equal(t, "", snap.Banner)
	require.False(t, snap.Streaming)
	require.Equal(t, run.TaskDone, snap.Tasks[0].Status)
	require.Equal(t, "recap", snap.Tasks[0].Summary)
	require.Equal(t, PhaseSettled, ctrl.Phase())
}

func TestStreamErrorPopulatesBanner(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/decompose", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub_tasks":["a","b"]}`))
	})
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, run.EventRetrievalDone, `{"index":0}`)
		writeSSE(w, run.EventWorkflowError, `{"message":"boom"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctx := context.Background()

	require.NoError(t, ctrl.Decompose(ctx, "q"))
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, "boom", snap.Banner)
	require.Equal(t, run.StatusFailed, snap.Status)
	require.Equal(t, run.TaskDone, snap.Tasks[0].Status)
	require.Equal(t, run.TaskError, snap.Tasks[1].Status)
	require.Equal(t, PhaseSettled, ctrl.Phase())
}

func TestCancelKeepsStateAndBannerEmpty(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/decompose", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub_tasks":["a"]}`))
	})
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, run.EventAnswerChunk, `{"text":"partial"}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	recorder := &snapshotRecorder{}
	ctrl := New(api.NewClient(srv.URL), WithObserver(recorder.Observe))
	ctx := context.Background()

	require.NoError(t, ctrl.Decompose(ctx, "q"))
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	recorder.waitFor(t, func(s run.Snapshot) bool { return s.FinalAnswer == "partial" })

	ctrl.Cancel()
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, "", snap.Banner)
	require.Equal(t, "partial", snap.FinalAnswer)
	require.NotEqual(t, run.StatusFailed, snap.Status)
}

func TestRestartSupersedesPreviousStream(t *testing.T) {
	var streamCount int
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/decompose", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub_tasks":["a"]}`))
	})
	var mu sync.Mutex
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		streamCount++
		nth := streamCount
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if nth == 1 {
			writeSSE(w, run.EventAnswerChunk, `{"text":"stale"}`)
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		writeSSE(w, run.EventAnswerChunk, `{"text":"fresh"}`)
		writeSSE(w, run.EventAnswerDone, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	recorder := &snapshotRecorder{}
	ctrl := New(api.NewClient(srv.URL), WithObserver(recorder.Observe))
	ctx := context.Background()

	require.NoError(t, ctrl.Decompose(ctx, "q"))
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	recorder.waitFor(t, func(s run.Snapshot) bool { return s.FinalAnswer == "stale" })

	// Second confirm supersedes the live stream; only the fresh answer may
	// reach the model afterwards.
	require.NoError(t, ctrl.Decompose(ctx, "q"))
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, "fresh", snap.FinalAnswer)
	require.Equal(t, run.StatusCompleted, snap.Status)
}

func TestRerunAfterSettledRunResetsStep(t *testing.T) {
	var mu sync.Mutex
	streamCount := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/decompose", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub_tasks":["a"]}`))
	})
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		streamCount++
		nth := streamCount
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if nth == 1 {
			writeSSE(w, run.EventAnswerChunk, `{"text":"first answer"}`)
			writeSSE(w, run.EventAnswerDone, `{}`)
			return
		}
		writeSSE(w, run.EventRetrievalStart, `{"index":0}`)
		writeSSE(w, run.EventRetrievalDone, `{"index":0}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctx := context.Background()

	require.NoError(t, ctrl.Decompose(ctx, "q"))
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	ctrl.Wait()
	require.Equal(t, 4, ctrl.Snapshot().CurrentStep)

	// Confirming again is the legacy-protocol rerun; the step indicator must
	// drop back to retrieval instead of staying at the finished answer step.
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, 2, snap.CurrentStep)
	require.Equal(t, "", snap.FinalAnswer)
	require.Equal(t, run.TaskDone, snap.Tasks[0].Status)
}

func TestStreamFromStep1SeedsTasksFromStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		var req api.StreamRequest
		require.NoError(t, jsonx.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 1, req.FromStep)
		require.Nil(t, req.Cached)

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, run.EventSubTasks, `{"sub_tasks":["a","b"]}`)
		writeSSE(w, run.EventRetrievalStart, `{"index":0}`)
		writeSSE(w, run.EventAnswerChunk, `{"text":"done"}`)
		writeSSE(w, run.EventAnswerDone, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	require.NoError(t, ctrl.StreamFromStep1(context.Background(), "q"))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Len(t, snap.Tasks, 2)
	require.Equal(t, "done", snap.FinalAnswer)
	require.Equal(t, run.StatusCompleted, snap.Status)
}

func TestUnknownEventsIgnored(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflow/decompose", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub_tasks":["a"]}`))
	})
	mux.HandleFunc("/api/v1/workflow/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "step9_future_thing", `{"whatever":true}`)
		writeSSE(w, run.EventAnswerChunk, `{"text":"ok"}`)
		writeSSE(w, run.EventAnswerDone, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	ctx := context.Background()
	require.NoError(t, ctrl.Decompose(ctx, "q"))
	require.NoError(t, ctrl.ConfirmAndStream(ctx))
	ctrl.Wait()

	snap := ctrl.Snapshot()
	require.Equal(t, "ok", snap.FinalAnswer)
	require.Equal(t, run.StatusCompleted, snap.Status)
}

func TestDecomposeValidation(t *testing.T) {
	ctrl := New(api.NewClient("http://127.0.0.1:0"))
	require.Error(t, ctrl.Decompose(context.Background(), "   "))
	require.Equal(t, PhaseIdle, ctrl.Phase())
}

func TestDecomposeFailureSettles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctrl := New(api.NewClient(srv.URL))
	err := ctrl.Decompose(context.Background(), "q")
	require.Error(t, err)

	snap := ctrl.Snapshot()
	require.NotEmpty(t, snap.Banner)
	require.Equal(t, PhaseSettled, ctrl.Phase())
}

func TestConfirmWithoutSubTasks(t *testing.T) {
	ctrl := New(api.NewClient("http://127.0.0.1:0"))
	require.Error(t, ctrl.ConfirmAndStream(context.Background()))
}
