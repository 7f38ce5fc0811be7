// Package mockbackend simulates an evaluation status API for demos and
// manual testing.
//
// Evaluations move through pending, in_progress and sometimes
// processing_missing_elements or failed before they complete or are
// cancelled. New evaluations appear over time so list refreshes have
// something to find.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Backend is an in-memory evaluation status API.
type Backend struct {
	mu       sync.Mutex
	systems  map[string][]*mockEvaluation // "tenant/system" -> evaluations
	now      func() time.Time
	spawnGap time.Duration
	lastNew  map[string]time.Time
	logger   *slog.Logger
}

// mockEvaluation follows a fixed timeline from its creation.
type mockEvaluation struct {
	id        string
	name      string
	createdAt time.Time
	runFor    time.Duration
	outcome   string // completed or cancelled
	retried   bool   // spends a stretch in failed before resuming
	missing   bool   // ends with a processing_missing_elements phase
}

// New returns a backend with a few evaluations in each "tenant/system" key.
func New(logger *slog.Logger, systems ...string) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		systems:  make(map[string][]*mockEvaluation),
		now:      time.Now,
		spawnGap: 45 * time.Second,
		lastNew:  make(map[string]time.Time),
		logger:   logger,
	}
	for _, key := range systems {
		for i := 0; i < 4; i++ {
			b.systems[key] = append(b.systems[key], b.newEvaluation(i))
		}
		b.lastNew[key] = b.now()
	}
	return b
}

func (b *Backend) newEvaluation(n int) *mockEvaluation {
	ev := &mockEvaluation{
		id:        uuid.NewString(),
		name:      fmt.Sprintf("review #%d", rand.Intn(9000)+1000),
		createdAt: b.now().Add(-time.Duration(n*15) * time.Second),
		runFor:    time.Duration(40+rand.Intn(120)) * time.Second,
		outcome:   "completed",
		retried:   rand.Intn(4) == 0,
		missing:   rand.Intn(3) == 0,
	}
	if rand.Intn(6) == 0 {
		ev.outcome = "cancelled"
	}
	return ev
}

// state returns the status and progress payload of ev at now.
func (ev *mockEvaluation) state(now time.Time) (string, map[string]any) {
	elapsed := now.Sub(ev.createdAt)
	frac := float64(elapsed) / float64(ev.runFor)

	switch {
	case elapsed < 8*time.Second:
		return "pending", nil
	case frac >= 1:
		if ev.outcome == "cancelled" {
			return "cancelled", nil
		}
		return "completed", map[string]any{"score_percentage": 60 + float64(len(ev.id)%40)}
	case ev.retried && frac > 0.4 && frac < 0.55:
		return "failed", map[string]any{"percentage": 40.0}
	case ev.missing && frac > 0.85:
		return "processing_missing_elements", map[string]any{"percentage": 95.0}
	default:
		return "in_progress", map[string]any{"percentage": float64(int(frac * 100))}
	}
}

func (ev *mockEvaluation) payload(now time.Time, withName bool) map[string]any {
	status, progress := ev.state(now)
	out := map[string]any{
		"id":         ev.id,
		"status":     status,
		"created_at": ev.createdAt.UTC().Format(time.RFC3339),
		"updated_at": now.UTC().Format(time.RFC3339),
	}
	if withName {
		out["name"] = ev.name
	}
	if progress != nil {
		out["progress"] = progress
	}
	return out
}

// Handler returns the router serving the list and status endpoints.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/tenants/{tenant}/systems/{system}/evaluations", func(r chi.Router) {
		r.Get("/", b.handleList)
		r.Get("/{id}/status", b.handleStatus)
	})
	return r
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "tenant") + "/" + chi.URLParam(r, "system")

	b.mu.Lock()
	evs, ok := b.systems[key]
	if !ok {
		b.mu.Unlock()
		http.Error(w, `{"error": "unknown system"}`, http.StatusNotFound)
		return
	}
	now := b.now()
	if now.Sub(b.lastNew[key]) > b.spawnGap {
		ev := b.newEvaluation(0)
		b.systems[key] = append(evs, ev)
		evs = b.systems[key]
		b.lastNew[key] = now
		b.logger.Info("evaluation created", "system", key, "id", ev.id, "name", ev.name)
	}
	list := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		list = append(list, ev.payload(now, true))
	}
	b.mu.Unlock()

	writeJSON(w, list, b.logger)
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "tenant") + "/" + chi.URLParam(r, "system")
	id := chi.URLParam(r, "id")

	// simulate small latency variance
	time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)

	b.mu.Lock()
	var found *mockEvaluation
	for _, ev := range b.systems[key] {
		if ev.id == id {
			found = ev
			break
		}
	}
	now := b.now()
	b.mu.Unlock()

	if found == nil {
		http.Error(w, `{"error": "unknown evaluation"}`, http.StatusNotFound)
		return
	}

	// the real API occasionally hiccups
	if rand.Intn(20) == 0 {
		http.Error(w, `{"error": "try again"}`, http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, found.payload(now, false), b.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}
