package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/evalwatch/evaluation"
	"github.com/jpalmerr/evalwatch/internal/poller"
	"github.com/jpalmerr/evalwatch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend serves a mutable list and per-ID status scripts.
type fakeBackend struct {
	mu       sync.Mutex
	list     []evaluation.Evaluation
	listErr  error
	scripts  map[string][]evaluation.Evaluation
	fetches  map[string]int
	listHits int
}

func newFakeBackend(list ...evaluation.Evaluation) *fakeBackend {
	return &fakeBackend{
		list:    list,
		scripts: make(map[string][]evaluation.Evaluation),
		fetches: make(map[string]int),
	}
}

func (f *fakeBackend) ListEvaluations(ctx context.Context, tenant, system string) ([]evaluation.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHits++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]evaluation.Evaluation(nil), f.list...), nil
}

// GetEvaluationStatus plays the script for id, repeating its last entry.
func (f *fakeBackend) GetEvaluationStatus(ctx context.Context, tenant, system, id string) (evaluation.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.fetches[id]
	f.fetches[id]++

	script := f.scripts[id]
	if len(script) == 0 {
		return evaluation.Evaluation{}, errors.New("no script for " + id)
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], nil
}

func (f *fakeBackend) setList(list ...evaluation.Evaluation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
	f.listErr = nil
}

func (f *fakeBackend) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeBackend) script(id string, evs ...evaluation.Evaluation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = evs
}

func (f *fakeBackend) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeBackend) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listHits
}

func ev(id string, status evaluation.Status) evaluation.Evaluation {
	return evaluation.Evaluation{ID: id, Name: "Review " + id, Status: status}
}

var testScope = Scope{Name: "acme-billing", Tenant: "acme", System: "billing"}

func newTestSession(t *testing.T, backend Backend, st store.Store, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Scope:   testScope,
		Backend: backend,
		Store:   st,
		PollerOptions: []poller.Option{
			poller.WithBackoff(poller.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Growth: 2}),
		},
		Logger: testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNew_Validation(t *testing.T) {
	backend := newFakeBackend()
	st := store.NewMemoryStore()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing name", Config{Scope: Scope{Tenant: "a", System: "b"}, Backend: backend, Store: st}, "scope name is required"},
		{"missing tenant", Config{Scope: Scope{Name: "x", System: "b"}, Backend: backend, Store: st}, "tenant and system are required"},
		{"missing backend", Config{Scope: testScope, Store: st}, "backend is required"},
		{"missing store", Config{Scope: testScope, Backend: backend}, "store is required"},
		{"bad schedule", Config{Scope: testScope, Backend: backend, Store: st, RefreshSchedule: "every minute"}, "invalid refresh schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSession_IDsAreUnique(t *testing.T) {
	backend := newFakeBackend()
	st := store.NewMemoryStore()
	a := newTestSession(t, backend, st)
	b := newTestSession(t, backend, st)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSession_OpenStartsInFlightPollers(t *testing.T) {
	backend := newFakeBackend(
		ev("A", evaluation.StatusInProgress),
		ev("B", evaluation.StatusCompleted),
		ev("C", evaluation.StatusPending),
	)
	backend.script("A", ev("A", evaluation.StatusInProgress))
	backend.script("C", ev("C", evaluation.StatusPending))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st)

	require.NoError(t, s.Open(context.Background()))

	assert.Equal(t, []string{"A", "C"}, s.Active())
	assert.Len(t, st.Scope(testScope.Name), 3)

	states := st.Scopes()
	require.Len(t, states, 1)
	assert.Equal(t, 3, states[0].Count)
	assert.Nil(t, states[0].Error)
	assert.False(t, states[0].LoadedAt.IsZero())
}

func TestSession_OpenTwice(t *testing.T) {
	s := newTestSession(t, newFakeBackend(), store.NewMemoryStore())
	require.NoError(t, s.Open(context.Background()))
	assert.Error(t, s.Open(context.Background()))
}

func TestSession_RefreshBeforeOpen(t *testing.T) {
	s := newTestSession(t, newFakeBackend(), store.NewMemoryStore())
	assert.Error(t, s.Refresh(context.Background()))
}

// TestSession_PollToCompletion runs the full path: poll, merge into the
// store, reconcile, and drop the poller once the evaluation completes.
func TestSession_PollToCompletion(t *testing.T) {
	backend := newFakeBackend(ev("E1", evaluation.StatusInProgress))
	backend.script("E1",
		evaluation.Evaluation{ID: "E1", Status: evaluation.StatusInProgress},
		evaluation.Evaluation{ID: "E1", Status: evaluation.StatusInProgress},
		evaluation.Evaluation{ID: "E1", Status: evaluation.StatusInProgress},
		evaluation.Evaluation{ID: "E1", Status: evaluation.StatusCompleted, Progress: json.RawMessage(`{"score_percentage":87.5}`)},
	)

	var (
		mu      sync.Mutex
		updates []evaluation.Evaluation
	)
	hook := func(scope Scope, ev evaluation.Evaluation) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, testScope, scope)
		updates = append(updates, ev)
	}

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st, func(c *Config) { c.Hooks = []UpdateHook{hook} })
	require.NoError(t, s.Open(context.Background()))

	require.Eventually(t, func() bool {
		rec, ok := st.Get("E1")
		return ok && rec.Status == evaluation.StatusCompleted
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Active()) == 0 }, 5*time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, backend.fetchCount("E1"))

	rec, _ := st.Get("E1")
	assert.Equal(t, "Review E1", rec.Name, "name from the list survives status merges")
	assert.JSONEq(t, `{"score_percentage":87.5}`, string(rec.Progress))
	assert.False(t, rec.Polling)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 4)
	assert.Equal(t, evaluation.StatusCompleted, updates[3].Status)
	assert.Equal(t, "Review E1", updates[3].Name)
}

// TestSession_UpdateIsolation verifies an update for one evaluation leaves
// every other stored record untouched.
func TestSession_UpdateIsolation(t *testing.T) {
	backend := newFakeBackend(
		ev("A", evaluation.StatusInProgress),
		ev("B", evaluation.StatusCompleted),
	)
	backend.script("A", ev("A", evaluation.StatusCompleted))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st)
	require.NoError(t, s.Open(context.Background()))

	before, ok := st.Get("B")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		rec, _ := st.Get("A")
		return rec.Status == evaluation.StatusCompleted
	}, 5*time.Second, time.Millisecond)

	after, _ := st.Get("B")
	assert.True(t, reflect.DeepEqual(before, after), "B changed: %+v -> %+v", before, after)
}

// TestSession_RefreshConverges walks the list through
// [A: in_progress, B: completed] -> [A: completed] and checks that no poller
// remains.
func TestSession_RefreshConverges(t *testing.T) {
	backend := newFakeBackend(
		ev("A", evaluation.StatusInProgress),
		ev("B", evaluation.StatusCompleted),
	)
	backend.script("A", ev("A", evaluation.StatusInProgress))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st)
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, []string{"A"}, s.Active())
	assert.Zero(t, backend.fetchCount("B"))

	backend.setList(ev("A", evaluation.StatusCompleted))
	require.NoError(t, s.Refresh(context.Background()))

	assert.Empty(t, s.Active())
	_, ok := st.Get("B")
	assert.False(t, ok, "B left the list and must leave the store")

	time.Sleep(10 * time.Millisecond)
	n := backend.fetchCount("A")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, backend.fetchCount("A"), "A kept polling after completing")
}

// TestSession_StaleListKeepsCompleted refreshes with a list that still
// reports an evaluation in progress after its poller saw it complete.
func TestSession_StaleListKeepsCompleted(t *testing.T) {
	backend := newFakeBackend(ev("A", evaluation.StatusInProgress))
	backend.script("A", ev("A", evaluation.StatusCompleted))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st)
	require.NoError(t, s.Open(context.Background()))

	require.Eventually(t, func() bool {
		rec, _ := st.Get("A")
		return rec.Status == evaluation.StatusCompleted && len(s.Active()) == 0
	}, 5*time.Second, time.Millisecond)
	fetches := backend.fetchCount("A")

	require.NoError(t, s.Refresh(context.Background()))

	rec, ok := st.Get("A")
	require.True(t, ok)
	assert.Equal(t, evaluation.StatusCompleted, rec.Status)
	assert.Empty(t, s.Active())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fetches, backend.fetchCount("A"), "a completed evaluation was polled again")
}

func TestSession_LoadFailure(t *testing.T) {
	backend := newFakeBackend(ev("A", evaluation.StatusInProgress))
	backend.script("A", ev("A", evaluation.StatusInProgress))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st)
	require.NoError(t, s.Open(context.Background()))

	backend.setListErr(errors.New("backend down"))
	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")

	// stored records and running pollers survive a failed load
	assert.Equal(t, []string{"A"}, s.Active())
	assert.Len(t, st.Scope(testScope.Name), 1)

	states := st.Scopes()
	require.Len(t, states, 1)
	require.NotNil(t, states[0].Error)
	assert.Contains(t, *states[0].Error, "backend down")
	assert.Equal(t, 1, states[0].Count)

	backend.setList(ev("A", evaluation.StatusInProgress))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Nil(t, st.Scopes()[0].Error)
}

// TestSession_ScheduledRefreshRecovers verifies that an initial load failure
// is retried by the refresh schedule.
func TestSession_ScheduledRefreshRecovers(t *testing.T) {
	backend := newFakeBackend()
	backend.setListErr(errors.New("connection refused"))
	backend.script("A", ev("A", evaluation.StatusInProgress))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st, func(c *Config) { c.RefreshSchedule = "@every 1s" })

	require.Error(t, s.Open(context.Background()))
	assert.Empty(t, s.Active())

	backend.setList(ev("A", evaluation.StatusInProgress))

	require.Eventually(t, func() bool {
		return len(s.Active()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, backend.listCount(), 2)
}

func TestSession_CloseStopsEverything(t *testing.T) {
	backend := newFakeBackend(
		ev("A", evaluation.StatusInProgress),
		ev("B", evaluation.StatusFailed),
	)
	backend.script("A", ev("A", evaluation.StatusInProgress))
	backend.script("B", ev("B", evaluation.StatusFailed))

	st := store.NewMemoryStore()
	s := newTestSession(t, backend, st, func(c *Config) { c.RefreshSchedule = "@every 1s" })
	require.NoError(t, s.Open(context.Background()))
	require.Len(t, s.Active(), 2)

	s.Close()
	s.Close()

	assert.Empty(t, s.Active())
	lists := backend.listCount()
	fetches := backend.fetchCount("A") + backend.fetchCount("B")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, fetches, backend.fetchCount("A")+backend.fetchCount("B"))
	assert.Equal(t, lists, backend.listCount())

	assert.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Open(context.Background()), ErrClosed)
}

func TestSession_CloseBeforeOpen(t *testing.T) {
	s := newTestSession(t, newFakeBackend(), store.NewMemoryStore())
	s.Close()
	assert.Nil(t, s.Active())
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("@every 30s"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.Error(t, ValidateSchedule("@every"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
}
