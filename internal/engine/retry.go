package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// RetryPolicy bounds the exponential backoff applied to transient
// backend errors.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for zero fields.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

// retrying decorates a Driver so Create, Start and Destroy retry errors
// marked runner.Transient.  Anything else, and the last transient error
// once attempts are spent, is returned as is.
type retrying struct {
	Driver
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps d with bounded exponential backoff.
func WithRetry(d Driver, p RetryPolicy, logger *slog.Logger) Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &retrying{
		Driver: d,
		policy: p.withDefaults(),
		logger: logger.WithGroup("engine.retry"),
	}
}

func (r *retrying) Create(ctx context.Context, spec CreateSpec) (runner.Handle, error) {
	var h runner.Handle
	err := r.do(ctx, "create", spec.Name, func() error {
		var err error
		h, err = r.Driver.Create(ctx, spec)
		return err
	})
	return h, err
}

func (r *retrying) Start(ctx context.Context, h runner.Handle) error {
	return r.do(ctx, "start", h.ID, func() error {
		return r.Driver.Start(ctx, h)
	})
}

func (r *retrying) Destroy(ctx context.Context, h runner.Handle) error {
	return r.do(ctx, "destroy", h.ID, func() error {
		return r.Driver.Destroy(ctx, h)
	})
}

func (r *retrying) do(ctx context.Context, op, id string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0

	var last error
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			last = fn()
			if last != nil && !runner.IsTransient(last) {
				return backoff.Permanent(last)
			}
			return last
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			r.logger.Warn("transient backend error, retrying",
				slog.String("op", op),
				slog.String("runner", id),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil && last != nil && ctx.Err() != nil {
		// Prefer the backend's error over the bare context error.
		return last
	}
	return err
}
