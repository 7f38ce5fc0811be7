package evalwatch

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jpalmerr/evalwatch/evaluation"
	"github.com/jpalmerr/evalwatch/internal/session"
)

// watcherConfig holds mutable state during Watcher construction.
type watcherConfig struct {
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

// Option is a function that configures a [Watcher] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*watcherConfig) error

// WithBackendURL sets the root URL of the evaluation status API.
//
// Requests go to {url}/tenants/{tenant}/systems/{system}/evaluations and
// {url}/tenants/{tenant}/systems/{system}/evaluations/{id}/status.
//
// Returns an error if the URL is not an absolute http(s) URL.
func WithBackendURL(rawURL string) Option {
	return func(cfg *watcherConfig) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("invalid backend URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("backend URL must be an absolute http:// or https:// URL")
		}
		cfg.backendURL = rawURL
		return nil
	}
}

// WithHeaders adds HTTP headers sent with every backend request, such as an
// Authorization bearer token.
//
// Accepts variadic key-value pairs. The number of arguments must be even.
//
// Example:
//
//	w, err := evalwatch.New(
//	    evalwatch.WithHeaders("Authorization", "Bearer "+token),
//	)
func WithHeaders(keyValues ...string) Option {
	return func(cfg *watcherConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("headers must be key-value pairs (even number of arguments)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			if keyValues[i] == "" {
				return errors.New("header name cannot be empty")
			}
			cfg.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithScope adds a [Scope] to watch. At least one scope is required.
func WithScope(s Scope) Option {
	return func(cfg *watcherConfig) error {
		if s.name == "" {
			return errors.New("scope must be created with NewScope")
		}
		cfg.scopes = append(cfg.scopes, s)
		return nil
	}
}

// WithScopes adds multiple scopes. Equivalent to calling [WithScope] for each.
func WithScopes(scopes ...Scope) Option {
	return func(cfg *watcherConfig) error {
		for _, s := range scopes {
			if err := WithScope(s)(cfg); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithPort sets the HTTP port for the dashboard server.
//
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *watcherConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTitle sets the dashboard title displayed in the browser tab and header.
//
// If not specified, defaults to "evalwatch".
func WithTitle(title string) Option {
	return func(cfg *watcherConfig) error {
		cfg.title = title
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Watcher instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *watcherConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithMaxConcurrency sets the maximum number of status fetches in flight at
// once across all scopes. Defaults to 10.
//
// Returns an error if the value is zero or negative.
func WithMaxConcurrency(n int) Option {
	return func(cfg *watcherConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithRateLimit caps the aggregate rate of status fetches to rps requests
// per second with the given burst. By default fetches are not rate limited.
//
// Returns an error if rps is not positive or burst is below 1.
func WithRateLimit(rps float64, burst int) Option {
	return func(cfg *watcherConfig) error {
		if rps <= 0 {
			return errors.New("rate limit must be positive")
		}
		if burst < 1 {
			return errors.New("rate limit burst must be at least 1")
		}
		cfg.rateLimit = rps
		cfg.rateBurst = burst
		return nil
	}
}

// WithBackoff sets the delay curve between status fetches of one
// evaluation. Defaults to [DefaultBackoff].
//
// Returns an error if the backoff is invalid (see [Backoff.Validate]).
func WithBackoff(b Backoff) Option {
	return func(cfg *watcherConfig) error {
		if err := b.Validate(); err != nil {
			return err
		}
		cfg.backoff = b
		return nil
	}
}

// WithFetchTimeout bounds each status fetch and list load. A fetch that
// times out counts as a transient failure. Defaults to 30 seconds; zero
// disables the per-fetch timeout.
//
// Returns an error if the duration is negative.
func WithFetchTimeout(d time.Duration) Option {
	return func(cfg *watcherConfig) error {
		if d < 0 {
			return errors.New("fetch timeout cannot be negative")
		}
		cfg.fetchTimeout = d
		return nil
	}
}

// WithRefreshSchedule reloads every scope's evaluation list on a cron
// schedule, e.g. "@every 1m" or "*/5 * * * *". Defaults to "@every 1m";
// an empty schedule disables refreshing.
//
// Returns an error if the schedule cannot be parsed.
func WithRefreshSchedule(spec string) Option {
	return func(cfg *watcherConfig) error {
		if err := session.ValidateSchedule(spec); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
		}
		cfg.refreshSchedule = spec
		return nil
	}
}

// WithProgressPath reads the numeric progress indicator from the given dot
// path of the evaluation's progress payload, e.g. "stats.percent". Rising
// progress keeps the polling rate up; without it pollers slow down.
//
// Returns an error if the path is empty.
func WithProgressPath(path string) Option {
	return func(cfg *watcherConfig) error {
		if path == "" {
			return errors.New("progress path cannot be empty")
		}
		cfg.progress = evaluation.FirstProgress(
			evaluation.JSONPathProgress(path),
			evaluation.DefaultProgress,
		)
		return nil
	}
}

// WithUpdateCallback registers a function to be called for every fetched
// evaluation status, after it has been merged into the dashboard state.
//
// Multiple callbacks may be registered; they execute in registration order.
//
// IMPORTANT: Callbacks must be non-blocking. They run on the poller of the
// evaluation they report, so a blocking callback delays that evaluation's
// next fetch. Panics within callbacks are recovered and logged.
//
// Example:
//
//	w, err := evalwatch.New(
//	    evalwatch.WithUpdateCallback(func(u evalwatch.Update) {
//	        if u.Evaluation.Status == evaluation.StatusCompleted {
//	            log.Printf("%s finished in %s", u.Evaluation.Name, u.Scope.Name())
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithUpdateCallback(cb func(Update)) Option {
	return func(cfg *watcherConfig) error {
		if cb == nil {
			return nil
		}
		cfg.updateCallbacks = append(cfg.updateCallbacks, cb)
		return nil
	}
}
