package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/evalwatch/evaluation"
)

// FetchFunc retrieves the current status of one evaluation.
//
// Any error is treated as a transient fetch failure and retried under the
// poller's backoff.
type FetchFunc func(ctx context.Context) (evaluation.Evaluation, error)

// UpdateFunc receives each successfully fetched status.
type UpdateFunc func(evaluation.Evaluation)

// Option configures a [Poller].
type Option func(*Poller)

// WithBackoff sets the delay curve. The zero value keeps [DefaultBackoff].
func WithBackoff(b Backoff) Option {
	return func(p *Poller) {
		if b.Min > 0 {
			p.backoff = b
		}
	}
}

// WithGate shares a [Gate] between pollers.
func WithGate(g *Gate) Option {
	return func(p *Poller) {
		p.gate = g
	}
}

// WithFetchTimeout bounds each fetch. Zero disables the timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d >= 0 {
			p.fetchTimeout = d
		}
	}
}

// WithProgress sets the extractor used to detect progress between ticks.
func WithProgress(extractor evaluation.ProgressExtractor) Option {
	return func(p *Poller) {
		if extractor != nil {
			p.progress = extractor
		}
	}
}

// WithLogger sets the logger for fetch failures and recovered panics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Poller repeatedly fetches the status of a single evaluation and relays
// each result until the evaluation reaches a terminal status or the poller
// is stopped.
//
// The first fetch fires immediately on [Poller.Start]. Only one fetch is in
// flight at a time: the next tick is armed after the previous fetch settles,
// with a delay computed by the poller's [Backoff].
//
// Callbacks run on the poller's goroutine. After [Poller.Stop] returns no
// callback is running or begins, and a fetch that resolves after Stop is
// discarded.
//
// All lifecycle methods are safe for concurrent use.
type Poller struct {
	jobID        string
	backoff      Backoff
	gate         *Gate
	fetchTimeout time.Duration
	progress     evaluation.ProgressExtractor
	logger       *slog.Logger

	// observes every scheduled delay; set only by tests
	onSchedule func(time.Duration)

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	// held while a result is being delivered
	deliverMu sync.Mutex
}

// New creates a [Poller] for the evaluation identified by jobID.
//
// The poller does nothing until [Poller.Start] is called.
func New(jobID string, opts ...Option) *Poller {
	p := &Poller{
		jobID:    jobID,
		backoff:  DefaultBackoff(),
		progress: evaluation.DefaultProgress,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// JobID returns the identifier of the evaluation this poller tracks.
func (p *Poller) JobID() string {
	return p.jobID
}

// Start begins polling in a background goroutine and returns immediately.
//
// onUpdate receives every successfully fetched status. When a fetched status
// is terminal, onComplete is called once right after onUpdate and the poller
// stops. Either callback may be nil.
//
// Start is idempotent; calls after the first are no-ops. If Stop was called
// before Start, Start is a no-op. Cancelling ctx stops the poller.
func (p *Poller) Start(ctx context.Context, fetch FetchFunc, onUpdate UpdateFunc, onComplete func()) {
	if fetch == nil {
		panic("poller: nil fetch func for " + p.jobID)
	}
	if onUpdate == nil {
		onUpdate = func(evaluation.Evaluation) {}
	}
	if onComplete == nil {
		onComplete = func() {}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(pollCtx, fetch, onUpdate, onComplete)
}

// Stop cancels any pending tick and suppresses delivery of a fetch already
// in flight.
//
// Stop is idempotent and safe to call before Start and after natural
// completion. If a result is being delivered, Stop waits for that delivery
// to finish, so it must not be called from the poller's own callbacks; use
// [Poller.Halt] there. Use [Poller.Done] to wait for the goroutine to exit.
func (p *Poller) Stop() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.Halt()
}

// Done returns a channel that is closed once the poller will issue no
// further fetches or callbacks.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Halt marks the poller stopped and cancels its context without waiting
// for a delivery in progress. It is the form of [Poller.Stop] to use from
// inside the poller's callbacks: a terminal delivery that has begun still
// runs onComplete, and no later fetch is delivered.
func (p *Poller) Halt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
	if !p.started {
		p.closeDone()
	}
}

func (p *Poller) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Poller) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// run is the polling loop. It exits when the context is cancelled or a
// terminal status has been delivered.
func (p *Poller) run(ctx context.Context, fetch FetchFunc, onUpdate UpdateFunc, onComplete func()) {
	defer p.closeDone()

	started := time.Now()
	var (
		delay   time.Duration
		attempt int
		last    *evaluation.Evaluation
	)

	for {
		attempt++
		ev, err := p.fetchOnce(ctx, fetch)
		if ctx.Err() != nil {
			return
		}

		advanced := false
		if err != nil {
			p.logger.Warn("evaluation status fetch failed",
				"evaluation_id", p.jobID,
				"attempt", attempt,
				"error", err.Error(),
			)
		} else {
			p.logger.Debug("evaluation status fetched",
				"evaluation_id", p.jobID,
				"attempt", attempt,
				"status", ev.Status.String(),
			)
			if !p.deliver(ev, onUpdate, onComplete) {
				return
			}
			advanced = p.progressed(last, ev)
			last = &ev
		}

		delay = p.backoff.Next(delay, time.Since(started), advanced)
		if p.onSchedule != nil {
			p.onSchedule(delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// fetchOnce waits for the gate, applies the fetch timeout, and converts a
// panicking fetch into an error carrying a correlation ID.
func (p *Poller) fetchOnce(ctx context.Context, fetch FetchFunc) (ev evaluation.Evaluation, err error) {
	release, err := p.gate.Acquire(ctx)
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	defer release()

	if p.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.fetchTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			p.logger.Error("fetch panic",
				"correlation_id", correlationID,
				"evaluation_id", p.jobID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			ev = evaluation.Evaluation{}
			err = fmt.Errorf("fetch panic (correlation_id: %s)", correlationID)
		}
	}()

	return fetch(ctx)
}

// deliver hands a fetched status to the callbacks. It returns false when the
// poller must not schedule another tick.
//
// A terminal delivery is one unit: once onUpdate has begun, onComplete
// follows even if Halt is called from inside onUpdate. deliverMu is held
// throughout so a concurrent Stop returns only after the unit finishes.
func (p *Poller) deliver(ev evaluation.Evaluation, onUpdate UpdateFunc, onComplete func()) bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	if p.isStopped() {
		return false
	}

	p.invokeSafe("update", func() { onUpdate(ev) })
	if !ev.Status.IsTerminal() {
		return true
	}

	p.Halt()
	p.invokeSafe("complete", onComplete)
	return false
}

// progressed reports whether cur shows progress over the previous result.
func (p *Poller) progressed(prev *evaluation.Evaluation, cur evaluation.Evaluation) bool {
	if prev == nil || prev.Status != cur.Status {
		return true
	}

	curPct, ok := p.progress(cur.Progress)
	if !ok {
		return false
	}
	prevPct, ok := p.progress(prev.Progress)
	return !ok || curPct > prevPct
}

// invokeSafe calls a callback with panic recovery.
// Panics are logged but do not propagate.
func (p *Poller) invokeSafe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poller callback panicked",
				"correlation_id", uuid.NewString(),
				"callback", kind,
				"evaluation_id", p.jobID,
				"panic", r,
			)
		}
	}()
	fn()
}
