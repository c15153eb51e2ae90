// Package health runs the scheduled per-backend probe loop shared by both
// proxy modes and reports transitions back into the backend registry.
package health

import (
	"context"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/clusterlb/clusterlb/internal/registry"
)

// Outcome is the distinct result of one completed probe, including retries.
type Outcome int

const (
	OutcomeHealthy Outcome = iota
	OutcomeUnhealthy
	OutcomeTimeout
)

// Checker performs a single probe attempt against a backend's address.
// Implementations must not retain the connection beyond Check's return.
type Checker interface {
	Check(ctx context.Context, addr string) (healthy bool, reason string, err error)
}

// Options configures the scheduled probe loop. Zero-value durations fall
// back to the defaults below, mirroring the mode defaults named in the
// configuration reference.
type Options struct {
	Interval   time.Duration
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

const (
	DefaultInterval   = 5 * time.Second
	DefaultTimeout    = 3 * time.Second
	DefaultRetryDelay = 200 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Engine runs the scheduled probe loop over a registry's current backend
// set for one checker (i.e. one mode).
type Engine struct {
	reg     *registry.Registry
	checker Checker
	opts    Options
}

// New constructs an Engine bound to reg and checker.
func New(reg *registry.Registry, checker Checker, opts Options) *Engine {
	return &Engine{reg: reg, checker: checker, opts: opts.withDefaults()}
}

// Run ticks every Interval, probing every backend currently in the registry
// concurrently, until ctx is cancelled. A slow or wedged backend never
// delays the others because each probe runs in its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.probeAll(ctx)
		}
	}
}

func (e *Engine) probeAll(ctx context.Context) {
	backends := e.reg.All()
	for _, b := range backends {
		go e.probeOne(ctx, b.ID, b.Address)
	}
}

// probeOne performs one probe with retry/backoff and writes the final
// outcome back to the registry. An individual probe error is never fatal to
// the engine; a consistently failing backend is simply excluded from
// selection by the registry's healthy snapshot.
func (e *Engine) probeOne(ctx context.Context, id, addr string) {
	outcome, reason := e.probeWithRetry(ctx, addr)

	healthy := outcome == OutcomeHealthy
	if err := e.reg.UpdateHealth(id, healthy, time.Now()); err != nil {
		// Backend was removed from the registry between listing and
		// reporting; nothing to update.
		return
	}

	if e.opts.Logger == nil {
		return
	}
	switch outcome {
	case OutcomeHealthy:
		e.opts.Logger.Debug("backend healthy", zap.String("backend", id))
	case OutcomeTimeout:
		e.opts.Logger.Warn("backend probe timed out", zap.String("backend", id), zap.Duration("timeout", e.opts.Timeout))
	default:
		e.opts.Logger.Warn("backend unhealthy", zap.String("backend", id), zap.String("reason", reason))
	}
}

func (e *Engine) probeWithRetry(ctx context.Context, addr string) (Outcome, string) {
	var lastOutcome Outcome
	var lastReason string

	attempt := func() error {
		outcome, reason := e.probeOnce(ctx, addr)
		lastOutcome, lastReason = outcome, reason
		if outcome == OutcomeHealthy {
			return nil
		}
		return errProbeFailed
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), uint64(maxInt(e.opts.RetryCount, 0)))
	_ = backoff.Retry(attempt, backoff.WithContext(b, ctx))

	return lastOutcome, lastReason
}

var errProbeFailed = &probeFailedError{}

type probeFailedError struct{}

func (*probeFailedError) Error() string { return "probe failed" }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) probeOnce(ctx context.Context, addr string) (Outcome, string) {
	probeCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	healthy, reason, err := e.checker.Check(probeCtx, addr)
	if err != nil {
		if probeCtx.Err() != nil {
			return OutcomeTimeout, "probe timed out"
		}
		return OutcomeUnhealthy, err.Error()
	}
	if !healthy {
		return OutcomeUnhealthy, reason
	}
	return OutcomeHealthy, ""
}

// dial is a small shared helper both mode checkers use to open a bounded TCP
// connection against a backend address.
func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}
