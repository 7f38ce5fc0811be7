package evalwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/evalwatch/evaluation"
)

// fakeStatusAPI serves the list and status endpoints of one tenant/system.
// Each status fetch of an ID advances through its script; the last entry
// repeats.
type fakeStatusAPI struct {
	mu      sync.Mutex
	list    []evaluation.Evaluation
	scripts map[string][]evaluation.Status
	fetches map[string]int
	listErr bool
}

func newFakeStatusAPI() *fakeStatusAPI {
	return &fakeStatusAPI{
		scripts: make(map[string][]evaluation.Status),
		fetches: make(map[string]int),
	}
}

func (f *fakeStatusAPI) add(id, name string, script ...evaluation.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, evaluation.Evaluation{ID: id, Name: name, Status: script[0]})
	f.scripts[id] = script
}

func (f *fakeStatusAPI) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeStatusAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tenants/{tenant}/systems/{system}/evaluations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.listErr {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.list)
	})
	mux.HandleFunc("GET /tenants/{tenant}/systems/{system}/evaluations/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		f.mu.Lock()
		script, ok := f.scripts[id]
		n := f.fetches[id]
		f.fetches[id] = n + 1
		f.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		if n >= len(script) {
			n = len(script) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": %q, "status": %q, "progress": {"percentage": %d}}`, id, script[n], n*10)
	})
	return mux
}

func fastBackoffOption() Option {
	return WithBackoff(Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Growth: 1.5})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	api := newFakeStatusAPI()
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	// use a high port to avoid conflicts
	w, err := New(
		WithBackendURL(ts.URL),
		WithScope(mustScope(t, "Test", "acme", "app")),
		WithPort(19001),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
		// expected: still blocking
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

// TestStart_ReturnsImmediatelyIfContextAlreadyCancelled verifies that Start
// returns immediately if the context is already cancelled.
func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	w, err := New(
		WithBackendURL(testBackendURL),
		WithScope(mustScope(t, "Test", "acme", "app")),
		WithPort(19002),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return with already-cancelled context")
	}
}

// TestStart_PortInUse verifies Start fails fast when the port is taken.
func TestStart_PortInUse(t *testing.T) {
	blocker := httptest.NewUnstartedServer(http.NotFoundHandler())
	defer blocker.Close()
	blocker.Start()

	port := blocker.Listener.Addr().(*net.TCPAddr).Port

	w, err := New(
		WithBackendURL(testBackendURL),
		WithScope(mustScope(t, "Test", "acme", "app")),
		WithPort(port),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.Start(ctx); err == nil {
		t.Error("Start() expected error for port in use, got nil")
	}
}

// TestStart_PollsInFlightUntilTerminal drives evaluations through the full
// stack and checks the dashboard API reflects the terminal state.
func TestStart_PollsInFlightUntilTerminal(t *testing.T) {
	api := newFakeStatusAPI()
	api.add("ev-1", "nightly",
		evaluation.StatusPending, evaluation.StatusInProgress, evaluation.StatusInProgress, evaluation.StatusCompleted)
	api.add("ev-2", "smoke", evaluation.StatusCompleted)
	api.add("ev-3", "flaky", evaluation.StatusFailed, evaluation.StatusCancelled)
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	w, err := New(
		WithBackendURL(ts.URL),
		WithScope(mustScope(t, "Billing", "acme", "billing-api")),
		WithPort(19003),
		WithLogger(quietLogger()),
		fastBackoffOption(),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs := fetchRecords(t, "http://localhost:19003/api/evaluations")
		if recordStatus(recs, "ev-1") == "completed" && recordStatus(recs, "ev-3") == "cancelled" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("evaluations did not reach terminal status: %+v", recs)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// terminal evaluations are never polled
	if n := api.fetchCount("ev-2"); n != 0 {
		t.Errorf("completed evaluation fetched %d times, want 0", n)
	}

	// polling stops after the terminal status
	settled := api.fetchCount("ev-1")
	time.Sleep(100 * time.Millisecond)
	if n := api.fetchCount("ev-1"); n != settled {
		t.Errorf("ev-1 fetched %d more times after completing", n-settled)
	}
}

// TestStart_LoadFailureDoesNotStop verifies an unreachable scope is logged
// and the dashboard keeps serving.
func TestStart_LoadFailureDoesNotStop(t *testing.T) {
	api := newFakeStatusAPI()
	api.listErr = true
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w, err := New(
		WithBackendURL(ts.URL),
		WithScope(mustScope(t, "Down", "acme", "app")),
		WithPort(19004),
		WithLogger(logger),
		WithRefreshSchedule(""),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:19004/api/scopes")
	if err != nil {
		t.Fatalf("GET /api/scopes error = %v", err)
	}
	var scopes []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&scopes)
	resp.Body.Close()

	if len(scopes) != 1 || scopes[0]["error"] == nil {
		t.Errorf("scopes = %v, want one scope with an error", scopes)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() returned error: %v", err)
	}

	if !strings.Contains(buf.String(), "scope initial load failed") {
		t.Errorf("expected load failure to be logged, got: %s", buf.String())
	}
}

// TestStart_StopsAllPollersOnShutdown verifies that cancellation stops
// pollers of evaluations that never finish.
func TestStart_StopsAllPollersOnShutdown(t *testing.T) {
	api := newFakeStatusAPI()
	api.add("ev-forever", "stuck", evaluation.StatusInProgress)
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	w, err := New(
		WithBackendURL(ts.URL),
		WithScope(mustScope(t, "Test", "acme", "app")),
		WithPort(19005),
		WithLogger(quietLogger()),
		fastBackoffOption(),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	if api.fetchCount("ev-forever") == 0 {
		t.Fatal("in-flight evaluation was never polled")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	after := api.fetchCount("ev-forever")
	time.Sleep(100 * time.Millisecond)
	if n := api.fetchCount("ev-forever"); n != after {
		t.Errorf("evaluation fetched %d times after Start returned", n-after)
	}
}

func TestFollow_ReturnsTerminalEvaluation(t *testing.T) {
	api := newFakeStatusAPI()
	api.add("ev-1", "nightly", evaluation.StatusPending, evaluation.StatusInProgress, evaluation.StatusCompleted)
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	s := mustScope(t, "Test", "acme", "app")
	w, err := New(WithBackendURL(ts.URL), WithScope(s), WithLogger(quietLogger()), fastBackoffOption())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var updates atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := w.Follow(ctx, s, "ev-1", func(evaluation.Evaluation) {
		updates.Add(1)
	})
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}
	if ev.Status != evaluation.StatusCompleted {
		t.Errorf("Follow() status = %q, want completed", ev.Status)
	}
	if updates.Load() != 3 {
		t.Errorf("updates = %d, want 3", updates.Load())
	}
}

func TestFollow_ContextCancelled(t *testing.T) {
	api := newFakeStatusAPI()
	api.add("ev-1", "stuck", evaluation.StatusInProgress)
	ts := httptest.NewServer(api.handler())
	defer ts.Close()

	s := mustScope(t, "Test", "acme", "app")
	w, err := New(WithBackendURL(ts.URL), WithScope(s), WithLogger(quietLogger()), fastBackoffOption())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ev, err := w.Follow(ctx, s, "ev-1", nil)
	if err == nil {
		t.Fatal("Follow() expected error on cancellation, got nil")
	}
	if ev.Status != evaluation.StatusInProgress {
		t.Errorf("Follow() last status = %q, want in_progress", ev.Status)
	}
}

func TestFollow_InvalidArguments(t *testing.T) {
	s := mustScope(t, "Test", "acme", "app")
	w, err := New(WithBackendURL(testBackendURL), WithScope(s))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := w.Follow(context.Background(), s, "", nil); err == nil {
		t.Error("Follow() expected error for empty id")
	}
	if _, err := w.Follow(context.Background(), Scope{}, "ev-1", nil); err == nil {
		t.Error("Follow() expected error for zero scope")
	}
}

func fetchRecords(t *testing.T, url string) []map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var recs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return recs
}

func recordStatus(recs []map[string]any, id string) string {
	for _, r := range recs {
		if r["id"] == id {
			s, _ := r["status"].(string)
			return s
		}
	}
	return ""
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
