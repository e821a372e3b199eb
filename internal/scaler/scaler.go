// Package scaler implements listener.Scaler on top of the fleet
// orchestrator.  The scale set reports how many runners it wants; the
// scaler requests the difference from the fleet and correlates job
// events with the runners it requested.  Teardown is not driven from
// here: each runner's lifecycle ends when its agent exits.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/fleet"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Fleet is the subset of *fleet.Orchestrator the scaler uses.
type Fleet interface {
	RequestRunner(ctx context.Context, kind runner.Kind, image runner.ImageRef, caps runner.CapabilitySet, opts ...fleet.RequestOption) (string, error)
	Observe(id string) (runner.Snapshot, error)
	Active(kind runner.Kind) int
}

// Config holds the parameters the Scaler needs.
type Config struct {
	Kind         runner.Kind
	Image        runner.ImageRef
	Capabilities runner.CapabilitySet
	MinRunners   int
	MaxRunners   int
	Fleet        Fleet
	Logger       *slog.Logger
}

// Scaler implements listener.Scaler.  It tracks which requested runners
// are idle (waiting for a job) and which are busy.
type Scaler struct {
	fleet      Fleet
	kind       runner.Kind
	image      runner.ImageRef
	caps       runner.CapabilitySet
	minRunners int
	maxRunners int
	logger     *slog.Logger

	mu   sync.Mutex
	idle map[string]time.Time // runner id -> requested at
	busy map[string]time.Time // runner id -> job started at

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersRequested metric.Int64Counter
	jobsStarted      metric.Int64Counter
	jobsCompleted    metric.Int64Counter
	scaleEvents      metric.Int64Counter
	timeToJob        metric.Float64Histogram
}

// Compile-time check.
var _ listener.Scaler = (*Scaler)(nil)

// New creates a Scaler.
func New(cfg Config) *Scaler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Scaler{
		fleet:      cfg.Fleet,
		kind:       cfg.Kind,
		image:      cfg.Image,
		caps:       cfg.Capabilities,
		minRunners: cfg.MinRunners,
		maxRunners: cfg.MaxRunners,
		logger:     cfg.Logger,
		idle:       make(map[string]time.Time),
		busy:       make(map[string]time.Time),
		tracer:     otel.Tracer("runnerfleet/scaler"),
		meter:      otel.Meter("runnerfleet/scaler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.runnersRequested, err = s.meter.Int64Counter(
		"runnerfleet.scaler.runners.requested",
		metric.WithDescription("Total number of runners requested for the scale set"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersRequested counter", slog.String("error", err.Error()))
	}

	s.jobsStarted, err = s.meter.Int64Counter(
		"runnerfleet.scaler.jobs.started",
		metric.WithDescription("Total number of jobs started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsStarted counter", slog.String("error", err.Error()))
	}

	s.jobsCompleted, err = s.meter.Int64Counter(
		"runnerfleet.scaler.jobs.completed",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	s.scaleEvents, err = s.meter.Int64Counter(
		"runnerfleet.scaler.scale.events",
		metric.WithDescription("Total number of scale events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create scaleEvents counter", slog.String("error", err.Error()))
	}

	s.timeToJob, err = s.meter.Float64Histogram(
		"runnerfleet.scaler.time_to_job",
		metric.WithDescription("Time from runner request to job start (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create timeToJob histogram", slog.String("error", err.Error()))
	}

	// Register observable gauges for idle/busy runner counts
	_, err = s.meter.Int64ObservableGauge(
		"runnerfleet.scaler.runners.idle",
		metric.WithDescription("Current number of idle runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			count := len(s.idle)
			s.mu.Unlock()
			o.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create idle gauge", slog.String("error", err.Error()))
	}

	_, err = s.meter.Int64ObservableGauge(
		"runnerfleet.scaler.runners.busy",
		metric.WithDescription("Current number of busy runners"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			count := len(s.busy)
			s.mu.Unlock()
			o.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create busy gauge", slog.String("error", err.Error()))
	}

	return s
}

// ---------------------------------------------------------------------------
// listener.Scaler implementation
// ---------------------------------------------------------------------------

// HandleDesiredRunnerCount is called by the listener each time the
// scaleset API reports how many runners are needed.
func (s *Scaler) HandleDesiredRunnerCount(ctx context.Context, count int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleDesiredRunnerCount")
	defer span.End()

	s.prune()
	currentCount := s.fleet.Active(s.kind)
	targetCount := min(s.maxRunners, s.minRunners+count)

	span.SetAttributes(
		attribute.Int("scaleset.desired_count", count),
		attribute.Int("scaleset.current_count", currentCount),
		attribute.Int("scaleset.target_count", targetCount),
	)

	switch {
	case targetCount == currentCount:
		span.SetAttributes(attribute.String("scaleset.scale_action", "none"))
		s.countScaleEvent(ctx, "none")
		s.logger.Debug("no scaling action needed",
			slog.Int("current", currentCount),
			slog.Int("target", targetCount),
		)
		return currentCount, nil

	case targetCount > currentCount:
		delta := targetCount - currentCount
		span.SetAttributes(
			attribute.String("scaleset.scale_action", "up"),
			attribute.Int("scaleset.scale_delta", delta),
		)
		s.countScaleEvent(ctx, "up")
		s.logger.Info("scaling up",
			slog.Int("current", currentCount),
			slog.Int("target", targetCount),
			slog.Int("delta", delta),
		)

		for range delta {
			if err := s.requestRunner(ctx); err != nil {
				if errors.Is(err, runner.ErrResourceExhausted) {
					s.logger.Warn("provider budget reached, deferring scale up", slog.String("error", err.Error()))
					break
				}
				return s.fleet.Active(s.kind), fmt.Errorf("request runner: %w", err)
			}
		}
		return s.fleet.Active(s.kind), nil

	default:
		// Runners are single-use: when the desired count drops we
		// stop requesting and the existing ones drain as their jobs
		// finish or their deadlines pass.
		span.SetAttributes(attribute.String("scaleset.scale_action", "down"))
		s.countScaleEvent(ctx, "down")
		s.logger.Debug("scale down signalled, waiting for runners to drain",
			slog.Int("current", currentCount),
			slog.Int("target", targetCount),
		)
		return currentCount, nil
	}
}

// HandleJobStarted is called when GitHub assigns a job to one of our
// runners.
func (s *Scaler) HandleJobStarted(ctx context.Context, jobInfo *scaleset.JobStarted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobStarted")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", jobInfo.RunnerName),
		attribute.Int64("job.runner_request_id", jobInfo.RunnerRequestID),
		attribute.String("job.id", jobInfo.JobID),
		attribute.String("job.display_name", jobInfo.JobDisplayName),
	)

	s.logger.Info("job started",
		slog.String("runner", jobInfo.RunnerName),
		slog.Int64("runnerRequestID", jobInfo.RunnerRequestID),
		slog.String("jobID", jobInfo.JobID),
		slog.String("jobDisplayName", jobInfo.JobDisplayName),
		slog.String("repo", jobInfo.RepositoryName),
	)
	if s.jobsStarted != nil {
		s.jobsStarted.Add(ctx, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requestedAt, ok := s.idle[jobInfo.RunnerName]
	if !ok {
		// Duplicate message, or a runner from before a restart.
		s.logger.Warn("job started for unknown/already-busy runner",
			slog.String("runner", jobInfo.RunnerName),
		)
		return nil
	}
	delete(s.idle, jobInfo.RunnerName)
	s.busy[jobInfo.RunnerName] = time.Now()
	if s.timeToJob != nil {
		s.timeToJob.Record(ctx, time.Since(requestedAt).Seconds())
	}
	return nil
}

// HandleJobCompleted is called when a job finishes.  The runner's agent
// exits after its single job, which ends the runner's lifecycle; only
// bookkeeping happens here.
func (s *Scaler) HandleJobCompleted(ctx context.Context, jobInfo *scaleset.JobCompleted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobCompleted")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", jobInfo.RunnerName),
		attribute.Int64("job.runner_request_id", jobInfo.RunnerRequestID),
		attribute.String("job.id", jobInfo.JobID),
		attribute.String("job.result", jobInfo.Result),
	)

	if s.jobsCompleted != nil {
		s.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", jobInfo.Result)))
	}

	s.logger.Info("job completed",
		slog.String("runner", jobInfo.RunnerName),
		slog.Int64("runnerRequestID", jobInfo.RunnerRequestID),
		slog.String("jobID", jobInfo.JobID),
		slog.String("result", jobInfo.Result),
		slog.String("repo", jobInfo.RepositoryName),
	)

	if !s.forget(jobInfo.RunnerName) {
		s.logger.Warn("job completed for unknown runner",
			slog.String("runner", jobInfo.RunnerName),
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (s *Scaler) requestRunner(ctx context.Context) error {
	id, err := s.fleet.RequestRunner(ctx, s.kind, s.image, s.caps)
	if err != nil {
		return err
	}
	if s.runnersRequested != nil {
		s.runnersRequested.Add(ctx, 1)
	}

	s.mu.Lock()
	s.idle[id] = time.Now()
	s.mu.Unlock()
	return nil
}

// prune drops runners whose lifecycle ended without a job event, e.g.
// after a provisioning failure or deadline.
func (s *Scaler) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range []map[string]time.Time{s.idle, s.busy} {
		for id := range m {
			snap, err := s.fleet.Observe(id)
			if err != nil || snap.Terminal() {
				delete(m, id)
			}
		}
	}
}

func (s *Scaler) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.busy[id]; ok {
		delete(s.busy, id)
		return true
	}
	if _, ok := s.idle[id]; ok {
		delete(s.idle, id)
		return true
	}
	return false
}

func (s *Scaler) countScaleEvent(ctx context.Context, action string) {
	if s.scaleEvents != nil {
		s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}
