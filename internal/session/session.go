package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jpalmerr/evalwatch/evaluation"
	"github.com/jpalmerr/evalwatch/internal/poller"
	"github.com/jpalmerr/evalwatch/internal/store"
)

// defaultLoadTimeout bounds a single list load.
const defaultLoadTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed [Session].
var ErrClosed = errors.New("session closed")

// Backend is the part of the status API a session needs.
type Backend interface {
	ListEvaluations(ctx context.Context, tenant, system string) ([]evaluation.Evaluation, error)
	GetEvaluationStatus(ctx context.Context, tenant, system, id string) (evaluation.Evaluation, error)
}

// Scope identifies the evaluations of one tenant's system.
type Scope struct {
	Name   string
	Tenant string
	System string
}

// UpdateHook observes every status fetched by the session's pollers, after
// it has been merged into the store.
type UpdateHook func(scope Scope, ev evaluation.Evaluation)

// Config configures a [Session].
type Config struct {
	Scope   Scope
	Backend Backend
	Store   store.Store

	// PollerOptions are applied to every poller of the session.
	PollerOptions []poller.Option

	// RefreshSchedule reloads the list on a cron schedule, e.g. "@every 1m".
	// Empty disables refreshing.
	RefreshSchedule string

	// LoadTimeout bounds each list load. Zero uses 30s.
	LoadTimeout time.Duration

	Logger *slog.Logger
	Hooks  []UpdateHook
}

// Session watches one scope.
//
// The session is the single writer of its scope in the store. Every status
// fetched by one of its pollers is merged into the store and then used to
// reconcile the poller set against the scope's current records.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	opened   bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	registry *poller.Registry
	cron     *cron.Cron

	// serializes list loads
	refreshMu sync.Mutex
	// makes snapshot-then-reconcile atomic
	reconcileMu sync.Mutex
}

// New creates a [Session]. Nothing is loaded or polled until [Session.Open].
func New(cfg Config) (*Session, error) {
	if cfg.Scope.Name == "" {
		return nil, errors.New("scope name is required")
	}
	if cfg.Scope.Tenant == "" || cfg.Scope.System == "" {
		return nil, fmt.Errorf("scope %s: tenant and system are required", cfg.Scope.Name)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("scope %s: backend is required", cfg.Scope.Name)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("scope %s: store is required", cfg.Scope.Name)
	}
	if err := ValidateSchedule(cfg.RefreshSchedule); err != nil {
		return nil, fmt.Errorf("scope %s: invalid refresh schedule %q: %w", cfg.Scope.Name, cfg.RefreshSchedule, err)
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &Session{
		id:  id,
		cfg: cfg,
		logger: logger.With(
			"session_id", id,
			"scope", cfg.Scope.Name,
		),
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Scope returns the scope the session watches.
func (s *Session) Scope() Scope {
	return s.cfg.Scope
}

// Open loads the scope's list, starts pollers for its in-flight evaluations
// and starts the refresh schedule.
//
// Pollers live until [Session.Close] or until ctx is cancelled. If the
// initial load fails, Open returns the error but the session stays open:
// the refresh schedule keeps retrying.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return errors.New("session already opened")
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.registry = poller.NewRegistry(s.ctx, s.spawn, s.logger, s.cfg.PollerOptions...)

	if s.cfg.RefreshSchedule != "" {
		clog := cronLogger{logger: s.logger}
		s.cron = cron.New(
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		)
		if _, err := s.cron.AddFunc(s.cfg.RefreshSchedule, s.scheduledRefresh); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("schedule refresh: %w", err)
		}
	}
	s.mu.Unlock()

	err := s.Refresh(s.ctx)

	s.mu.Lock()
	if s.cron != nil && !s.closed {
		s.cron.Start()
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.logger.Info("session opened",
		"tenant", s.cfg.Scope.Tenant,
		"system", s.cfg.Scope.System,
		"pollers", s.registry.Len(),
		"refresh", s.cfg.RefreshSchedule,
	)
	return nil
}

// Refresh reloads the scope's list, replaces the scope in the store and
// reconciles the pollers against it.
//
// A failed load leaves the stored records and running pollers untouched and
// records the error in the scope state.
func (s *Session) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	closed, opened := s.closed, s.opened
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !opened {
		return errors.New("session not opened")
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	scope := s.cfg.Scope
	list, err := s.cfg.Backend.ListEvaluations(loadCtx, scope.Tenant, scope.System)
	if err != nil {
		msg := err.Error()
		state := s.scopeState()
		state.Error = &msg
		s.cfg.Store.SetScopeState(state)

		s.logger.Warn("evaluation list load failed", "error", msg)
		return fmt.Errorf("load scope %s: %w", scope.Name, err)
	}

	s.cfg.Store.ReplaceScope(scope.Name, list)
	state := s.scopeState()
	state.Count = len(s.cfg.Store.Scope(scope.Name))
	state.LoadedAt = time.Now()
	s.cfg.Store.SetScopeState(state)

	s.reconcile()

	s.logger.Debug("evaluation list loaded",
		"evaluations", state.Count,
		"pollers", s.registry.Len(),
	)
	return nil
}

// Active returns the IDs of evaluations currently being polled.
func (s *Session) Active() []string {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()

	if reg == nil {
		return nil
	}
	return reg.Active()
}

// Close stops the refresh schedule, then every poller regardless of its
// evaluation's status, and waits for them to exit. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	c, reg, cancel := s.cron, s.registry, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	if reg != nil {
		reg.Close()
	}

	s.logger.Info("session closed")
}

func (s *Session) scheduledRefresh() {
	if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("scheduled refresh failed", "error", err.Error())
	}
}

func (s *Session) scopeState() store.ScopeState {
	for _, st := range s.cfg.Store.Scopes() {
		if st.Name == s.cfg.Scope.Name {
			st.Error = nil
			return st
		}
	}
	return store.ScopeState{
		Name:   s.cfg.Scope.Name,
		Tenant: s.cfg.Scope.Tenant,
		System: s.cfg.Scope.System,
	}
}

// reconcile aligns the pollers with the scope's current records.
func (s *Session) reconcile() {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	records := s.cfg.Store.Scope(s.cfg.Scope.Name)
	list := make([]evaluation.Evaluation, len(records))
	for i, rec := range records {
		list[i] = rec.Evaluation()
	}
	s.registry.Reconcile(list)
}

// spawn wires a new poller to the backend and to the session.
func (s *Session) spawn(ev evaluation.Evaluation) poller.Target {
	scope := s.cfg.Scope
	id := ev.ID
	return poller.Target{
		Fetch: func(ctx context.Context) (evaluation.Evaluation, error) {
			return s.cfg.Backend.GetEvaluationStatus(ctx, scope.Tenant, scope.System, id)
		},
		OnUpdate: s.handleUpdate,
		OnComplete: func() {
			s.logger.Info("evaluation finished", "evaluation_id", id)
		},
	}
}

// handleUpdate merges a fetched status, runs the hooks and reconciles.
func (s *Session) handleUpdate(update evaluation.Evaluation) {
	rec, changed := s.cfg.Store.Merge(s.cfg.Scope.Name, update)

	merged := update
	if rec.ID != "" {
		merged = rec.Evaluation()
	}
	if changed {
		s.logger.Debug("evaluation status changed",
			"evaluation_id", merged.ID,
			"status", merged.Status.String(),
		)
	}

	for _, hook := range s.cfg.Hooks {
		hook(s.cfg.Scope, merged)
	}

	s.reconcile()
}
