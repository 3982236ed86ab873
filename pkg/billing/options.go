package billing

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/backoff"
)

// Option configures the package's components at construction time. Every
// constructor accepts the full set and uses the settings it understands, so
// one option list can be threaded from the service level down.
type Option func(*options)

type options struct {
	logger            *slog.Logger
	clock             func() time.Time
	cache             EventCache
	notifier          Notifier
	metrics           *Metrics
	maxRetries        int
	retryBackoff      backoff.Strategy
	collectProrations bool
}

func applyOptions(opts []Option) options {
	o := options{
		logger:            slog.New(slog.DiscardHandler),
		clock:             func() time.Time { return time.Now().UTC() },
		maxRetries:        3,
		retryBackoff:      backoff.Default(),
		collectProrations: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger. Components never log through the
// global default; without this option they stay silent.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock fixes the time source. Tests use it to pin grace-window math.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithEventCache puts a fast seen-event check in front of the store's
// idempotency lookup. The store stays the source of truth; cache failures
// only cost the shortcut.
func WithEventCache(cache EventCache) Option {
	return func(o *options) {
		o.cache = cache
	}
}

// WithNotifier wires dunning notifications dispatched after ledger commits.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithMetrics attaches instrumentation counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithConflictRetry bounds optimistic-concurrency retries and sets the delay
// between attempts.
func WithConflictRetry(maxRetries int, strategy backoff.Strategy) Option {
	return func(o *options) {
		if maxRetries >= 0 {
			o.maxRetries = maxRetries
		}
		if strategy != nil {
			o.retryBackoff = strategy
		}
	}
}

// WithoutProrationCollection leaves seat-change prorations to roll into the
// next scheduled invoice instead of collecting them immediately.
func WithoutProrationCollection() Option {
	return func(o *options) {
		o.collectProrations = false
	}
}
