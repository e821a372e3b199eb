// Package fleet owns the pool of live runners.  It admits requests
// against per-provider budgets, runs one lifecycle manager per runner,
// and on startup tears down whatever a previous process left behind.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/coordinator"
	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/ledger"
	"github.com/terrpan/runnerfleet/internal/lifecycle"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Provider is one configured backend.
type Provider struct {
	Driver        engine.Driver
	Images        lifecycle.ImageFetcher
	MaxConcurrent int
}

// Config holds the orchestrator's collaborators and defaults.
type Config struct {
	Providers   map[runner.Kind]Provider
	Coordinator coordinator.Coordinator
	Ledger      ledger.Ledger

	// Deadline is the default absolute runner lifetime.  Default: 1h
	Deadline time.Duration

	Grace          time.Duration
	HealthInterval time.Duration

	// Labels are requested from the coordinator for every runner.
	Labels []string

	// ReconcileConcurrency bounds parallel teardown at startup.
	// Default: 8
	ReconcileConcurrency int

	// Retention is how long a terminated runner stays observable.
	// Default: 1h
	Retention time.Duration

	Logger *slog.Logger
}

type pool struct {
	Provider
	kind   runner.Kind
	active atomic.Int64
}

// admit reserves one slot, or reports false when the pool is full.
func (p *pool) admit() bool {
	for {
		cur := p.active.Load()
		if cur >= int64(p.MaxConcurrent) {
			return false
		}
		if p.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

type tracked struct {
	mgr    *lifecycle.Manager
	final  *runner.Snapshot
	doneAt time.Time
}

func (t *tracked) expired(now time.Time, retention time.Duration) bool {
	return t.final != nil && now.Sub(t.doneAt) >= retention
}

// Orchestrator is the fleet.  The zero value is not usable; call New.
type Orchestrator struct {
	cfg    Config
	pools  map[runner.Kind]*pool
	logger *slog.Logger
	tracer trace.Tracer

	ready  atomic.Bool
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	runners map[string]*tracked

	requested  metric.Int64Counter
	terminated metric.Int64Counter
	rejected   metric.Int64Counter
	lifetime   metric.Float64Histogram
	reconciled metric.Int64Counter
}

// New creates an Orchestrator.  It accepts no work until Start has
// reconciled the ledger.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("fleet: ledger is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("fleet: coordinator is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("fleet: at least one provider is required")
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = time.Hour
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 8
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	o := &Orchestrator{
		cfg:     cfg,
		pools:   make(map[runner.Kind]*pool, len(cfg.Providers)),
		logger:  cfg.Logger.WithGroup("fleet"),
		tracer:  otel.Tracer("runnerfleet/fleet"),
		runners: make(map[string]*tracked),
	}
	for kind, p := range cfg.Providers {
		if p.Driver == nil || p.Images == nil {
			return nil, fmt.Errorf("fleet: provider %s needs a driver and an image source", kind)
		}
		if p.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("fleet: provider %s: max concurrent must be positive", kind)
		}
		o.pools[kind] = &pool{Provider: p, kind: kind}
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("runnerfleet/fleet")

	var err error
	o.requested, err = meter.Int64Counter(
		"runnerfleet.runners.requested",
		metric.WithDescription("Total number of runners admitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create requested counter", slog.String("error", err.Error()))
	}

	o.terminated, err = meter.Int64Counter(
		"runnerfleet.runners.terminated",
		metric.WithDescription("Total number of runners terminated, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create terminated counter", slog.String("error", err.Error()))
	}

	o.rejected, err = meter.Int64Counter(
		"runnerfleet.admission.rejected",
		metric.WithDescription("Runner requests rejected because the provider budget was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create rejected counter", slog.String("error", err.Error()))
	}

	o.reconciled, err = meter.Int64Counter(
		"runnerfleet.runners.reconciled",
		metric.WithDescription("Runners torn down at startup after a previous process stopped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create reconciled counter", slog.String("error", err.Error()))
	}

	o.lifetime, err = meter.Float64Histogram(
		"runnerfleet.runner.lifetime",
		metric.WithDescription("Time from request to termination (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 30, 60, 300, 900, 1800, 3600, 7200),
	)
	if err != nil {
		o.logger.Warn("failed to create lifetime histogram", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"runnerfleet.runners.active",
		metric.WithDescription("Current number of live runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			for kind, p := range o.pools {
				obs.Observe(p.active.Load(), metric.WithAttributes(attribute.String("kind", kind.String())))
			}
			return nil
		}),
	)
	if err != nil {
		o.logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}
}

// Start reconciles the ledger and then opens the fleet for requests.
// Runners started later live until their own deadline, until ctx is
// cancelled, or until Shutdown.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.reconcile(ctx); err != nil {
		return err
	}
	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.ready.Store(true)
	o.logger.Info("fleet ready", slog.Int("providers", len(o.pools)))
	return nil
}

// RequestOption adjusts a single runner request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	deadline time.Duration
	labels   []string
}

// WithDeadline overrides the configured runner lifetime.
func WithDeadline(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.deadline = d }
}

// WithLabels adds coordinator labels for this runner.
func WithLabels(labels ...string) RequestOption {
	return func(o *requestOptions) { o.labels = append(o.labels, labels...) }
}

// RequestRunner validates the request, reserves a slot in kind's pool
// and starts the runner.  It returns as soon as the runner is admitted.
func (o *Orchestrator) RequestRunner(ctx context.Context, kind runner.Kind, image runner.ImageRef, caps runner.CapabilitySet, opts ...RequestOption) (string, error) {
	_, span := o.tracer.Start(ctx, "fleet.RequestRunner",
		trace.WithAttributes(
			attribute.String("runner.kind", kind.String()),
			attribute.String("runner.image", image.String()),
		),
	)
	defer span.End()

	id, err := o.request(kind, image, caps, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request rejected")
		return "", err
	}
	span.SetAttributes(attribute.String("runner.id", id))
	return id, nil
}

func (o *Orchestrator) request(kind runner.Kind, image runner.ImageRef, caps runner.CapabilitySet, opts []RequestOption) (string, error) {
	if !o.ready.Load() {
		return "", runner.ErrNotReady
	}
	p, ok := o.pools[kind]
	if !ok {
		return "", fmt.Errorf("%w: provider %q is not configured", runner.ErrValidation, kind)
	}
	if err := image.Validate(); err != nil {
		return "", err
	}
	sandbox, err := policy.Compute(kind, caps)
	if err != nil {
		return "", err
	}

	ro := requestOptions{deadline: o.cfg.Deadline}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.deadline <= 0 {
		return "", fmt.Errorf("%w: deadline must be positive", runner.ErrValidation)
	}

	if !p.admit() {
		if o.rejected != nil {
			o.rejected.Add(o.runCtx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
		}
		return "", fmt.Errorf("%w: provider %s is at its limit of %d runners", runner.ErrResourceExhausted, kind, p.MaxConcurrent)
	}

	now := time.Now()
	id := "rf-" + uuid.NewString()
	mgr := lifecycle.New(lifecycle.Config{
		Driver:         p.Driver,
		Images:         p.Images,
		Coordinator:    o.cfg.Coordinator,
		Ledger:         o.cfg.Ledger,
		Grace:          o.cfg.Grace,
		HealthInterval: o.cfg.HealthInterval,
		Logger:         o.cfg.Logger,
	}, lifecycle.Request{
		ID:           id,
		Image:        image,
		Capabilities: caps,
		Sandbox:      sandbox,
		Labels:       append(append([]string(nil), o.cfg.Labels...), ro.labels...),
		CreatedAt:    now,
		Deadline:     now.Add(ro.deadline),
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		p.active.Add(-1)
		return "", runner.ErrNotReady
	}
	o.evictLocked(now)
	o.runners[id] = &tracked{mgr: mgr}

	if o.requested != nil {
		o.requested.Add(o.runCtx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}
	o.logger.Info("runner admitted",
		slog.String("runner", id),
		slog.String("kind", kind.String()),
		slog.String("image", image.String()),
		slog.String("capabilities", caps.String()),
	)

	o.wg.Go(func() {
		defer p.active.Add(-1)
		final := mgr.Run(o.runCtx)
		o.finished(final)
	})
	return id, nil
}

func (o *Orchestrator) finished(final runner.Snapshot) {
	o.mu.Lock()
	now := time.Now()
	if t, ok := o.runners[final.ID]; ok {
		t.final = &final
		t.doneAt = now
	}
	o.evictLocked(now)
	o.mu.Unlock()

	// runCtx may already be cancelled; metrics still need recording.
	ctx := context.WithoutCancel(o.runCtx)
	attrs := metric.WithAttributes(
		attribute.String("kind", final.Kind.String()),
		attribute.String("outcome", final.Outcome.String()),
	)
	if o.terminated != nil {
		o.terminated.Add(ctx, 1, attrs)
	}
	if o.lifetime != nil {
		o.lifetime.Record(ctx, final.UpdatedAt.Sub(final.CreatedAt).Seconds(), attrs)
	}
}

// evictLocked drops terminated runners older than the retention window.
// Callers hold o.mu.
func (o *Orchestrator) evictLocked(now time.Time) {
	for id, t := range o.runners {
		if t.expired(now, o.cfg.Retention) {
			delete(o.runners, id)
		}
	}
}

// Observe returns the current snapshot of runner id.  Terminated runners
// stay observable for the configured retention.
func (o *Orchestrator) Observe(id string) (runner.Snapshot, error) {
	o.mu.Lock()
	t, ok := o.runners[id]
	if ok && t.expired(time.Now(), o.cfg.Retention) {
		delete(o.runners, id)
		ok = false
	}
	var (
		final *runner.Snapshot
		mgr   *lifecycle.Manager
	)
	if ok {
		final, mgr = t.final, t.mgr
	}
	o.mu.Unlock()

	if !ok {
		return runner.Snapshot{}, fmt.Errorf("%w: %s", runner.ErrUnknownRunner, id)
	}
	if final != nil {
		return *final, nil
	}
	return mgr.Snapshot(), nil
}

// Active returns the number of live runners of kind.
func (o *Orchestrator) Active(kind runner.Kind) int {
	p, ok := o.pools[kind]
	if !ok {
		return 0
	}
	return int(p.active.Load())
}

// ActiveTotal returns the number of live runners across providers.
func (o *Orchestrator) ActiveTotal() int {
	n := 0
	for _, p := range o.pools {
		n += int(p.active.Load())
	}
	return n
}

// Ready reports whether reconciliation has finished and requests are
// being admitted.
func (o *Orchestrator) Ready() bool { return o.ready.Load() }

// Shutdown stops admitting runners, cancels every live one, and waits
// for their teardown to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.ready.Store(false)
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("fleet stopped")
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("fleet: %d runners still tearing down", o.ActiveTotal()), ctx.Err())
	}
}
