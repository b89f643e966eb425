package offcourse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// testServer is an HTTP stand-in for the learning backend that can be
// switched between reachable and failing.
type testServer struct {
	*httptest.Server
	mu       sync.Mutex
	failing  bool
	mutation []string // "METHOD path" with idempotency key
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		failing := ts.failing
		ts.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			ts.mu.Lock()
			ts.mutation = append(ts.mutation, r.URL.Path+" "+r.Header.Get("Idempotency-Key"))
			ts.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/enrollments":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"course_id":"c1"},{"course_id":"c2"}]`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode([]*ProgressRecord{})
		}
	}))
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) setFailing(failing bool) {
	ts.mu.Lock()
	ts.failing = failing
	ts.mu.Unlock()
}

func (ts *testServer) mutations() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.mutation...)
}

func newTestClient(t *testing.T, server *testServer) *Client {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Backend.BaseURL = server.URL
	cfg.Sync.Interval = 0
	cfg.Sync.Retry = RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
	cfg.Network.Interval = time.Hour

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientSavesProgressOnlineDirect(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)
	ctx := context.Background()

	err := c.SaveProgress(ctx, ProgressUpdate{
		CourseID:        "c1",
		LessonID:        "l1",
		TimeSpent:       90 * time.Second,
		CurrentPosition: 0.4,
	})
	if err != nil {
		t.Fatalf("save progress: %v", err)
	}

	// Delivered directly, nothing queued.
	s := c.Status(ctx)
	if s.QueueDepth != 0 || s.HasOfflineData {
		t.Errorf("expected direct delivery, got %+v", s)
	}
	if got := server.mutations(); len(got) != 1 {
		t.Errorf("expected 1 mutation delivered, got %v", got)
	}

	// The local record is durable regardless of delivery.
	rec, err := c.Progress(ctx, "c1", "l1")
	if err != nil {
		t.Fatalf("local progress: %v", err)
	}
	if rec.TimeSpent != 90*time.Second {
		t.Errorf("unexpected local record %+v", rec)
	}
}

func TestClientQueuesWhileBackendDown(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)
	ctx := context.Background()

	server.setFailing(true)

	// Saving while the backend is down must not error; the write parks in
	// the queue.
	if err := c.SaveProgress(ctx, ProgressUpdate{CourseID: "c1", LessonID: "l1", CurrentPosition: 0.5}); err != nil {
		t.Fatalf("save progress offline: %v", err)
	}
	if err := c.CompleteModule(ctx, "c1", "m1"); err != nil {
		t.Fatalf("complete module offline: %v", err)
	}

	s := c.Status(ctx)
	if s.QueueDepth != 2 || !s.HasOfflineData {
		t.Fatalf("expected 2 queued ops, got %+v", s)
	}

	// Recovery: one sync drains both in order.
	server.setFailing(false)
	if err := c.Sync(ctx); err != nil {
		t.Fatalf("sync after recovery: %v", err)
	}

	s = c.Status(ctx)
	if s.QueueDepth != 0 || s.HasOfflineData {
		t.Errorf("expected drained queue, got %+v", s)
	}
	got := server.mutations()
	if len(got) != 2 {
		t.Fatalf("expected 2 mutations delivered, got %v", got)
	}
}

func TestClientCoalescesOfflineProgress(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)
	ctx := context.Background()

	server.setFailing(true)
	for _, pos := range []float64{0.40, 0.55, 0.75} {
		if err := c.SaveProgress(ctx, ProgressUpdate{CourseID: "c1", LessonID: "l1", CurrentPosition: pos}); err != nil {
			t.Fatalf("save progress: %v", err)
		}
	}

	if s := c.Status(ctx); s.QueueDepth != 1 {
		t.Errorf("expected offline updates coalesced to 1, got %d", s.QueueDepth)
	}

	server.setFailing(false)
	if err := c.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := server.mutations(); len(got) != 1 {
		t.Errorf("expected 1 coalesced delivery, got %v", got)
	}
}

func TestClientSubmitQuizRecordsScoreLocally(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)
	ctx := context.Background()

	err := c.SubmitQuiz(ctx, QuizSubmission{CourseID: "c1", QuizID: "q1", Score: 0.85})
	if err != nil {
		t.Fatalf("submit quiz: %v", err)
	}

	rec, err := c.Progress(ctx, "c1", "q1")
	if err != nil {
		t.Fatalf("local progress: %v", err)
	}
	if rec.QuizScores["q1"] != 0.85 {
		t.Errorf("expected score recorded locally, got %+v", rec)
	}
}

func TestClientValidatesIdentifiers(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)
	ctx := context.Background()

	if err := c.SaveProgress(ctx, ProgressUpdate{CourseID: "../evil", LessonID: "l1"}); err == nil {
		t.Error("expected invalid course id rejected")
	}
	if err := c.CompleteModule(ctx, "c1", ""); err == nil {
		t.Error("expected empty module id rejected")
	}
}

func TestClientEnrollments(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)
	defer c.Close()
	ctx := context.Background()

	ids, err := c.Enrollments(ctx)
	if err != nil {
		t.Fatalf("enrollments: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("unexpected enrollments %v", ids)
	}

	// With the backend down the call degrades to locally cached courses
	// instead of failing.
	c.EnsureEssentials(ctx, "c1")
	server.setFailing(true)
	ids, err = c.Enrollments(ctx)
	if err != nil {
		t.Fatalf("offline enrollments: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("expected cached course ids [c1], got %v", ids)
	}
}

func TestClientClose(t *testing.T) {
	server := newTestServer(t)
	c := newTestClient(t, server)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on double close, got %v", err)
	}
	if err := c.SaveProgress(context.Background(), ProgressUpdate{CourseID: "c1", LessonID: "l1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestClientProgressSurvivesRestart(t *testing.T) {
	server := newTestServer(t)
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.Backend.BaseURL = server.URL
	cfg.Sync.Interval = 0
	cfg.Network.Interval = time.Hour

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	if err := c.SaveProgress(ctx, ProgressUpdate{CourseID: "c1", LessonID: "l1", Completed: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = New(cfg)
	if err != nil {
		t.Fatalf("reopen client: %v", err)
	}
	defer c.Close()

	rec, err := c.Progress(ctx, "c1", "l1")
	if err != nil {
		t.Fatalf("progress after restart: %v", err)
	}
	if !rec.Completed {
		t.Errorf("completion lost across restart: %+v", rec)
	}
}
