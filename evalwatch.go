package evalwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/evalwatch/dashboard"
	"github.com/jpalmerr/evalwatch/evaluation"
	"github.com/jpalmerr/evalwatch/internal/backend"
	"github.com/jpalmerr/evalwatch/internal/poller"
	"github.com/jpalmerr/evalwatch/internal/server"
	"github.com/jpalmerr/evalwatch/internal/session"
	"github.com/jpalmerr/evalwatch/internal/store"
)

const (
	defaultPort            = 8080
	defaultMaxConcurrency  = 10
	defaultFetchTimeout    = 30 * time.Second
	defaultRefreshSchedule = "@every 1m"
)

// Backoff is the delay curve between status fetches of one evaluation.
//
// The delay never decreases while an evaluation is being polled and never
// exceeds Max. See [DefaultBackoff] for the defaults.
type Backoff = poller.Backoff

// Tier raises the minimum delay once an evaluation has been polled for a
// while.
type Tier = poller.Tier

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() Backoff {
	return poller.DefaultBackoff()
}

// Update is delivered to update callbacks for every fetched evaluation
// status.
type Update struct {
	// Scope is the scope the evaluation was listed under.
	Scope Scope

	// Evaluation is the evaluation after the status has been merged in, so
	// fields the status endpoint omits (such as Name) are populated.
	Evaluation evaluation.Evaluation
}

// Watcher is the main orchestrator for evaluation polling and dashboard
// serving.
//
// Watcher loads the evaluation list of each configured [Scope], keeps one
// adaptive poller per in-flight evaluation, and serves a real-time dashboard
// via HTTP. It is created using [New] with functional options and started
// with [Watcher.Start].
//
// The typical lifecycle is:
//
//	scope, _ := evalwatch.NewScope("Billing", "acme", "billing-api")
//	w, err := evalwatch.New(
//	    evalwatch.WithBackendURL("https://reviews.example.com/api/v1"),
//	    evalwatch.WithScope(scope),
//	)
//	if err != nil {
//	    slog.Error("failed to create watcher", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	w.Start(ctx) // blocks until context cancelled
type Watcher struct {
	title           string
	backendURL      string
	headers         map[string]string
	scopes          []Scope
	port            int
	maxConcurrency  int
	rateLimit       float64
	rateBurst       int
	backoff         Backoff
	fetchTimeout    time.Duration
	refreshSchedule string
	progress        evaluation.ProgressExtractor
	logger          *slog.Logger
	updateCallbacks []func(Update)
}

// New creates a new [Watcher] instance with the given options.
//
// A backend URL ([WithBackendURL]) and at least one scope ([WithScope]) are
// required. Other options have sensible defaults:
//   - Port: 8080
//   - Max concurrency: 10 fetches in flight
//   - Backoff: [DefaultBackoff]
//   - Fetch timeout: 30 seconds
//   - Refresh schedule: every minute
//
// Returns an error if a required option is missing, scope names are not
// unique, or any option is invalid.
func New(opts ...Option) (*Watcher, error) {
	cfg := &watcherConfig{
		headers:         make(map[string]string),
		port:            defaultPort,
		maxConcurrency:  defaultMaxConcurrency,
		backoff:         poller.DefaultBackoff(),
		fetchTimeout:    defaultFetchTimeout,
		refreshSchedule: defaultRefreshSchedule,
		progress:        evaluation.DefaultProgress,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.backendURL == "" {
		return nil, errors.New("backend URL is required")
	}
	if len(cfg.scopes) == 0 {
		return nil, errors.New("at least one scope is required")
	}

	// scope names key the dashboard state
	seen := make(map[string]bool, len(cfg.scopes))
	for _, s := range cfg.scopes {
		if seen[s.name] {
			return nil, fmt.Errorf("duplicate scope name: %q", s.name)
		}
		seen[s.name] = true
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		title:           cfg.title,
		backendURL:      cfg.backendURL,
		headers:         cfg.headers,
		scopes:          cfg.scopes,
		port:            cfg.port,
		maxConcurrency:  cfg.maxConcurrency,
		rateLimit:       cfg.rateLimit,
		rateBurst:       cfg.rateBurst,
		backoff:         cfg.backoff,
		fetchTimeout:    cfg.fetchTimeout,
		refreshSchedule: cfg.refreshSchedule,
		progress:        cfg.progress,
		logger:          logger,
		updateCallbacks: cfg.updateCallbacks,
	}, nil
}

// Start loads every scope, polls its in-flight evaluations and serves the
// dashboard.
//
// Start is a blocking call that runs until the provided context is cancelled.
// Scopes are opened concurrently. A scope whose initial list load fails is
// logged and retried on the refresh schedule; it does not stop the others.
//
// On cancellation every poller of every scope is stopped, regardless of the
// status of its evaluation, before Start returns.
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server fails
// to start.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("evalwatch starting",
		"scope_count", len(w.scopes),
		"backend", w.backendURL,
	)
	w.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", w.port))

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	client, err := w.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	st := store.NewMemoryStore()
	sessions, err := w.newSessions(client, st)
	if err != nil {
		return err
	}

	// start the HTTP server before loading so a bad port fails fast
	httpServer := server.NewServer(st, w.port, dashboard.Assets, w.title, w.logger)
	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(w.maxConcurrency)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Open(ctx); err != nil {
				w.logger.Warn("scope initial load failed, retrying on refresh schedule",
					"scope", s.Scope().Name,
					"refresh", w.refreshSchedule,
					"error", err.Error(),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	<-ctx.Done()

	var closers errgroup.Group
	for _, s := range sessions {
		closers.Go(func() error {
			s.Close()
			return nil
		})
	}
	_ = closers.Wait()

	w.logger.Info("evalwatch stopped")
	return nil
}

// Follow polls a single evaluation of scope until it reaches a terminal
// status, calling onUpdate (which may be nil) with every fetched status.
//
// Follow uses the Watcher's backend, backoff and fetch timeout but no
// dashboard. It returns the terminal evaluation, or ctx's error if ctx is
// cancelled first.
func (w *Watcher) Follow(ctx context.Context, scope Scope, id string, onUpdate func(evaluation.Evaluation)) (evaluation.Evaluation, error) {
	if id == "" {
		return evaluation.Evaluation{}, errors.New("evaluation id cannot be empty")
	}
	if scope.name == "" {
		return evaluation.Evaluation{}, errors.New("scope must be created with NewScope")
	}

	client, err := w.newClient()
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	defer client.Close()

	var final evaluation.Evaluation
	p := poller.New(id, w.pollerOptions(poller.NewGate(1, w.rateLimit, w.rateBurst))...)
	p.Start(ctx,
		func(ctx context.Context) (evaluation.Evaluation, error) {
			return client.GetEvaluationStatus(ctx, scope.tenant, scope.system, id)
		},
		func(ev evaluation.Evaluation) {
			final = ev
			if onUpdate != nil {
				onUpdate(ev)
			}
		},
		nil,
	)

	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Stop()
		<-p.Done()
	}

	if !final.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return final, err
		}
		return final, errors.New("polling stopped before a terminal status")
	}
	return final, nil
}

func (w *Watcher) newClient() (*backend.Client, error) {
	client, err := backend.NewClient(w.backendURL, backend.WithHeaders(w.headers))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}
	return client, nil
}

func (w *Watcher) pollerOptions(gate *poller.Gate) []poller.Option {
	return []poller.Option{
		poller.WithBackoff(w.backoff),
		poller.WithGate(gate),
		poller.WithFetchTimeout(w.fetchTimeout),
		poller.WithProgress(w.progress),
		poller.WithLogger(w.logger),
	}
}

// newSessions creates one session per scope sharing a single fetch gate.
func (w *Watcher) newSessions(client *backend.Client, st store.Store) ([]*session.Session, error) {
	gate := poller.NewGate(w.maxConcurrency, w.rateLimit, w.rateBurst)
	byName := make(map[string]Scope, len(w.scopes))
	for _, s := range w.scopes {
		byName[s.name] = s
	}

	hook := func(scope session.Scope, ev evaluation.Evaluation) {
		update := Update{Scope: byName[scope.Name], Evaluation: ev}
		for _, cb := range w.updateCallbacks {
			invokeCallbackSafe(cb, update, w.logger)
		}
	}

	sessions := make([]*session.Session, 0, len(w.scopes))
	for _, s := range w.scopes {
		sess, err := session.New(session.Config{
			Scope:           session.Scope{Name: s.name, Tenant: s.tenant, System: s.system},
			Backend:         client,
			Store:           st,
			PollerOptions:   w.pollerOptions(gate),
			RefreshSchedule: w.refreshSchedule,
			LoadTimeout:     w.fetchTimeout,
			Logger:          w.logger,
			Hooks:           []session.UpdateHook{hook},
		})
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Scopes returns a copy of the configured scopes.
func (w *Watcher) Scopes() []Scope {
	cp := make([]Scope, len(w.scopes))
	copy(cp, w.scopes)
	return cp
}

// Port returns the configured HTTP port for the dashboard server.
func (w *Watcher) Port() int {
	return w.port
}

// BackendURL returns the configured backend API root.
func (w *Watcher) BackendURL() string {
	return w.backendURL
}

// RefreshSchedule returns the cron schedule on which scope lists are
// reloaded. Empty means lists are loaded once.
func (w *Watcher) RefreshSchedule() string {
	return w.refreshSchedule
}

// invokeCallbackSafe calls an update callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Update), u Update, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("update callback panicked",
				"correlation_id", uuid.NewString(),
				"panic", r,
				"scope", u.Scope.name,
				"evaluation_id", u.Evaluation.ID,
			)
		}
	}()
	cb(u)
}
