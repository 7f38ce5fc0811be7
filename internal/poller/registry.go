package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/jpalmerr/evalwatch/evaluation"
)

// Target wires one evaluation's poller to its status source and sinks.
type Target struct {
	Fetch      FetchFunc
	OnUpdate   UpdateFunc
	OnComplete func()
}

// SpawnFunc builds the [Target] for an evaluation that needs polling.
type SpawnFunc func(ev evaluation.Evaluation) Target

// Registry keeps exactly one running [Poller] for each in-flight evaluation
// of the list it was last reconciled against, and none for any other.
//
// A Registry belongs to one screen (one scope of evaluations). Callbacks of
// its pollers may call [Registry.Reconcile]; pollers are always stopped
// outside the registry lock.
type Registry struct {
	ctx    context.Context
	spawn  SpawnFunc
	opts   []Option
	logger *slog.Logger

	mu      sync.Mutex
	pollers map[string]*Poller
	closed  bool
	wg      sync.WaitGroup
}

// NewRegistry creates an empty [Registry].
//
// Pollers are started with ctx as their parent context and configured with
// opts. If logger is nil, slog.Default() is used.
func NewRegistry(ctx context.Context, spawn SpawnFunc, logger *slog.Logger, opts ...Option) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctx:     ctx,
		spawn:   spawn,
		opts:    append([]Option{WithLogger(logger)}, opts...),
		logger:  logger,
		pollers: make(map[string]*Poller),
	}
}

// spawned pairs a new poller with the evaluation that caused it.
type spawned struct {
	poller *Poller
	ev     evaluation.Evaluation
}

// Reconcile brings the set of running pollers in line with list.
//
//   - every in-flight evaluation without a poller gets a new one
//   - every poller whose evaluation is absent from list or terminal is stopped
//   - pollers of evaluations still in flight are left untouched
//
// Evaluations with an empty ID are ignored; for duplicate IDs the first
// occurrence wins. Reconcile after [Registry.Close] is a no-op.
//
// Stopped pollers begin no further fetch or delivery, but Reconcile does not
// wait for a delivery already under way on another goroutine.
func (r *Registry) Reconcile(list []evaluation.Evaluation) {
	desired := make(map[string]evaluation.Evaluation, len(list))
	order := make([]string, 0, len(list))
	for _, ev := range list {
		if ev.ID == "" {
			continue
		}
		if _, dup := desired[ev.ID]; dup {
			continue
		}
		desired[ev.ID] = ev
		order = append(order, ev.ID)
	}

	var (
		stale []*Poller
		fresh []spawned
	)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	for id, p := range r.pollers {
		ev, ok := desired[id]
		if !ok || ev.Status.IsTerminal() {
			delete(r.pollers, id)
			stale = append(stale, p)
		}
	}

	for _, id := range order {
		ev := desired[id]
		if !ev.Status.IsInFlight() {
			continue
		}
		if _, exists := r.pollers[id]; exists {
			continue
		}
		p := New(id, r.opts...)
		r.pollers[id] = p
		r.wg.Add(1)
		fresh = append(fresh, spawned{poller: p, ev: ev})
	}
	r.mu.Unlock()

	// Halt rather than Stop: two pollers reconciling each other away from
	// their callbacks would otherwise wait on one another's delivery
	for _, p := range stale {
		p.Halt()
		r.logger.Debug("poller stopped", "evaluation_id", p.JobID())
	}
	for _, s := range fresh {
		r.start(s.poller, s.ev)
	}
}

// start wires and starts a poller that has already been registered.
func (r *Registry) start(p *Poller, ev evaluation.Evaluation) {
	go func() {
		<-p.Done()
		r.wg.Done()
	}()

	target := r.spawn(ev)
	onComplete := func() {
		r.evict(p)
		if target.OnComplete != nil {
			target.OnComplete()
		}
	}

	r.logger.Debug("poller started",
		"evaluation_id", ev.ID,
		"status", ev.Status.String(),
	)
	p.Start(r.ctx, target.Fetch, target.OnUpdate, onComplete)
}

// evict removes p's entry if the entry still refers to p.
func (r *Registry) evict(p *Poller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.pollers[p.JobID()]; ok && cur == p {
		delete(r.pollers, p.JobID())
	}
}

// Close stops every poller regardless of its evaluation's status and waits
// for all poller goroutines to exit.
//
// Close is idempotent. It must not be called from a poller callback.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		all = append(all, p)
	}
	r.pollers = make(map[string]*Poller)
	r.mu.Unlock()

	for _, p := range all {
		p.Stop()
	}
	r.wg.Wait()
}

// Active returns the IDs of evaluations that currently have a poller,
// sorted ascending.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.pollers))
	for id := range r.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered pollers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pollers)
}

// Has reports whether the evaluation identified by id has a poller.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pollers[id]
	return ok
}
