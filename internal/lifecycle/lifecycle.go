// Package lifecycle drives a single runner through its state machine:
//
//	pending → provisioning → running → registered → executing
//	        → tearing-down → terminated{success|failed|timed-out}
//
// A Manager is owned by exactly one goroutine (the one calling Run).
// Other goroutines may only read its state through Snapshot.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/coordinator"
	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/ledger"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ImageFetcher resolves an image reference to a verified local artifact.
// *imagestore.Store implements it.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref runner.ImageRef) (imagestore.Artifact, error)
}

// Config holds the collaborators shared by every runner of one provider.
type Config struct {
	Driver      engine.Driver
	Images      ImageFetcher
	Coordinator coordinator.Coordinator
	Ledger      ledger.Ledger

	// Grace bounds teardown (deregistration plus destroy) after the
	// runner's own context is gone.  Default: 30s
	Grace time.Duration

	// HealthInterval is the probe period while executing.  Default: 30s
	HealthInterval time.Duration

	// OnTransition, if set, is called after every state change with the
	// new snapshot.  It runs on the Manager's goroutine.
	OnTransition func(runner.Snapshot)

	Logger *slog.Logger
}

// Request is one runner to drive.
type Request struct {
	ID           string
	Image        runner.ImageRef
	Capabilities runner.CapabilitySet
	Sandbox      policy.Descriptor
	Labels       []string
	CreatedAt    time.Time
	Deadline     time.Time
}

// Manager runs one runner from pending to terminated.
type Manager struct {
	cfg    Config
	req    Request
	logger *slog.Logger
	tracer trace.Tracer

	mu   sync.Mutex
	snap runner.Snapshot

	// Owned by Run.
	handle     runner.Handle
	token      coordinator.Token
	registered bool
}

// New creates a Manager in the pending state.
func New(cfg Config, req Request) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	return &Manager{
		cfg: cfg,
		req: req,
		logger: cfg.Logger.WithGroup("lifecycle").With(
			slog.String("runner", req.ID),
			slog.String("kind", cfg.Driver.Kind().String()),
		),
		tracer: otel.Tracer("runnerfleet/lifecycle"),
		snap: runner.Snapshot{
			ID:           req.ID,
			Kind:         cfg.Driver.Kind(),
			State:        runner.StatePending,
			Image:        req.Image,
			Capabilities: req.Capabilities,
			CreatedAt:    req.CreatedAt,
			Deadline:     req.Deadline,
			UpdatedAt:    req.CreatedAt,
			History:      []runner.Transition{{State: runner.StatePending, At: req.CreatedAt}},
		},
	}
}

// Snapshot returns the current state.  Safe for concurrent use.
func (m *Manager) Snapshot() runner.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	s.History = slices.Clone(m.snap.History)
	return s
}

// Run drives the runner to a terminal state and returns the final
// snapshot.  Cancelling ctx or reaching the deadline moves the runner to
// tearing-down from wherever it is; destroy still runs to completion
// within the grace period.
func (m *Manager) Run(ctx context.Context) runner.Snapshot {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Run",
		trace.WithAttributes(
			attribute.String("runner.id", m.req.ID),
			attribute.String("runner.kind", m.snap.Kind.String()),
			attribute.String("runner.image", m.req.Image.String()),
		),
	)
	defer span.End()

	if !m.req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, m.req.Deadline)
		defer cancel()
	}

	m.persist(ctx)
	m.drive(ctx)

	final := m.Snapshot()
	span.SetAttributes(attribute.String("runner.outcome", final.Outcome.String()))
	if final.Outcome != runner.OutcomeSuccess {
		span.SetStatus(codes.Error, final.Reason)
	}
	return final
}

func (m *Manager) drive(ctx context.Context) {
	// Provisioning: fetch, record the intended handle, create.
	m.advance(ctx, runner.StateProvisioning)

	artifact, err := m.cfg.Images.Fetch(ctx, m.req.Image)
	if err != nil {
		m.terminate(ctx, m.outcomeFor(ctx, err), fmt.Sprintf("fetch image %s: %v", m.req.Image, err))
		return
	}

	intended := runner.Handle{Kind: m.snap.Kind, ID: m.req.ID}
	m.setHandle(intended)
	if err := m.cfg.Ledger.Put(ctx, m.entry()); err != nil {
		// Nothing exists yet, so refusing to create is safe.
		m.terminate(ctx, runner.OutcomeFailed, fmt.Sprintf("record handle: %v", err))
		return
	}

	h, err := m.cfg.Driver.Create(ctx, engine.CreateSpec{
		Name:    m.req.ID,
		Image:   artifact,
		Sandbox: m.req.Sandbox,
		Labels:  map[string]string{"io.runnerfleet.image": m.req.Image.String()},
	})
	if err != nil {
		m.setHandle(runner.Handle{})
		m.terminate(ctx, m.outcomeFor(ctx, err), fmt.Sprintf("create: %v", err))
		return
	}
	m.handle = h
	if h != intended {
		m.setHandle(h)
		m.persist(ctx)
	}

	if err := m.cfg.Driver.Start(ctx, h); err != nil {
		m.tearDown(ctx, m.outcomeFor(ctx, err), fmt.Sprintf("start: %v", err))
		return
	}
	m.advance(ctx, runner.StateRunning)

	tok, err := m.cfg.Coordinator.RegisterRunner(ctx, coordinator.TokenRequest{Name: m.req.ID, Labels: m.req.Labels})
	if err != nil {
		m.tearDown(ctx, m.outcomeFor(ctx, err), fmt.Sprintf("register: %v", err))
		return
	}
	m.token, m.registered = tok, true
	m.advance(ctx, runner.StateRegistered)

	job, err := m.cfg.Coordinator.AwaitJob(ctx, tok)
	if err != nil {
		m.tearDown(ctx, m.outcomeFor(ctx, err), fmt.Sprintf("await job: %v", err))
		return
	}

	results, err := m.cfg.Driver.ExecAttach(ctx, h, job)
	if err != nil {
		m.tearDown(ctx, m.outcomeFor(ctx, err), fmt.Sprintf("attach: %v", err))
		return
	}
	m.advance(ctx, runner.StateExecuting)
	m.logger.Info("job attached", slog.String("job", job.ID))

	outcome, reason := m.wait(ctx, results)
	m.tearDown(ctx, outcome, reason)
}

// wait blocks until the job finishes, a health probe fails, or ctx ends.
func (m *Manager) wait(ctx context.Context, results <-chan runner.ExecResult) (runner.Outcome, string) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-results:
			switch {
			case !ok:
				return runner.OutcomeFailed, "execution channel closed without a result"
			case res.Err != nil && ctx.Err() != nil:
				return m.outcomeFor(ctx, res.Err), reasonFor(ctx)
			case res.Err != nil:
				return m.outcomeFor(ctx, res.Err), fmt.Sprintf("job: %v", res.Err)
			case res.ExitCode != 0:
				return runner.OutcomeFailed, fmt.Sprintf("job exited with code %d", res.ExitCode)
			}
			return runner.OutcomeSuccess, "job completed"

		case <-ticker.C:
			if err := m.cfg.Driver.Health(ctx, m.handle); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return runner.OutcomeFailed, fmt.Sprintf("health check: %v", err)
			}

		case <-ctx.Done():
			return m.outcomeFor(ctx, ctx.Err()), reasonFor(ctx)
		}
	}
}

// tearDown deregisters and destroys the runner exactly once, then
// terminates it.  It runs on a context detached from the runner's own
// cancellation and bounded by the grace period.
func (m *Manager) tearDown(ctx context.Context, outcome runner.Outcome, reason string) {
	m.setResult(outcome, reason)
	m.advance(ctx, runner.StateTearingDown)

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Grace)
	defer cancel()

	if m.registered {
		if err := m.cfg.Coordinator.DeregisterRunner(tctx, m.token); err != nil {
			m.logger.Warn("failed to deregister runner", slog.String("error", err.Error()))
		}
	}

	released := true
	if err := m.cfg.Driver.Destroy(tctx, m.handle); err != nil {
		released = false
		m.logger.Error("failed to destroy runner, leaving ledger entry for reconciliation",
			slog.String("handle", m.handle.String()),
			slog.String("error", err.Error()),
		)
	}

	m.finish(tctx, released)
}

// terminate ends a runner that owns no provider resource.
func (m *Manager) terminate(ctx context.Context, outcome runner.Outcome, reason string) {
	m.setResult(outcome, reason)
	m.finish(context.WithoutCancel(ctx), true)
}

func (m *Manager) finish(ctx context.Context, released bool) {
	m.advance(ctx, runner.StateTerminated)

	snap := m.Snapshot()
	log := m.logger.Info
	if snap.Outcome != runner.OutcomeSuccess {
		log = m.logger.Warn
	}
	log("runner terminated",
		slog.String("outcome", snap.Outcome.String()),
		slog.String("reason", snap.Reason),
		slog.Duration("lifetime", snap.UpdatedAt.Sub(snap.CreatedAt)),
	)

	if !released {
		e := m.entry()
		if err := m.cfg.Ledger.Put(ctx, e); err != nil {
			m.logger.Error("failed to record unreleased handle", slog.String("error", err.Error()))
		}
		return
	}
	if err := m.cfg.Ledger.Delete(ctx, m.req.ID); err != nil {
		m.logger.Error("failed to remove ledger entry", slog.String("error", err.Error()))
	}
}

// advance moves to state and records it.  Moves the state machine does
// not allow are logged and ignored.
func (m *Manager) advance(ctx context.Context, to runner.State) {
	m.mu.Lock()
	from := m.snap.State
	if !runner.CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Error("illegal transition ignored", slog.String("from", from.String()), slog.String("to", to.String()))
		return
	}
	now := time.Now()
	m.snap.State = to
	m.snap.UpdatedAt = now
	m.snap.History = append(m.snap.History, runner.Transition{State: to, At: now})
	m.mu.Unlock()

	m.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(attribute.String("state", to.String())))

	if to != runner.StateTerminated {
		m.persist(ctx)
	}
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(m.Snapshot())
	}
}

func (m *Manager) persist(ctx context.Context) {
	if err := m.cfg.Ledger.Put(context.WithoutCancel(ctx), m.entry()); err != nil {
		m.logger.Warn("failed to update ledger", slog.String("error", err.Error()))
	}
}

func (m *Manager) setHandle(h runner.Handle) {
	m.mu.Lock()
	m.snap.Handle = h
	m.mu.Unlock()
}

func (m *Manager) setResult(outcome runner.Outcome, reason string) {
	m.mu.Lock()
	m.snap.Outcome = outcome
	m.snap.Reason = reason
	m.mu.Unlock()
}

func (m *Manager) entry() ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledger.Entry{
		ID:           m.snap.ID,
		Kind:         m.snap.Kind,
		State:        m.snap.State,
		Outcome:      m.snap.Outcome,
		Reason:       m.snap.Reason,
		Image:        m.snap.Image.String(),
		Capabilities: m.snap.Capabilities.Strings(),
		Handle:       m.snap.Handle,
		CreatedAt:    m.snap.CreatedAt,
		Deadline:     m.snap.Deadline,
		UpdatedAt:    m.snap.UpdatedAt,
	}
}

// outcomeFor classifies a failure: once the deadline has passed every
// failure is a timeout.
func (m *Manager) outcomeFor(ctx context.Context, err error) runner.Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, runner.ErrTimedOut) {
		return runner.OutcomeTimedOut
	}
	return runner.OutcomeFailed
}

func reasonFor(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return runner.ErrTimedOut.Error() + ": deadline exceeded"
	}
	return "cancelled: " + context.Cause(ctx).Error()
}
