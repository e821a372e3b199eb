package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/runnerfleet/internal/coordinator"
	"github.com/terrpan/runnerfleet/internal/ledger"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ReasonOrphaned is recorded for runners found live in the ledger at
// startup.
const ReasonOrphaned = "orphaned by restart"

// reconcile tears down every runner a previous process left behind.
// Nothing is resumed: live entries are failed, their handles destroyed,
// and their entries removed.  Entries whose destroy fails stay in the
// ledger for the next start.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "fleet.reconcile")
	defer span.End()

	entries, err := o.cfg.Ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("fleet: read ledger: %w", err)
	}
	span.SetAttributes(attribute.Int("ledger.entries", len(entries)))
	if len(entries) == 0 {
		return nil
	}
	o.logger.Info("reconciling ledger", slog.Int("entries", len(entries)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ReconcileConcurrency)
	for _, e := range entries {
		p, ok := o.pools[e.Kind]
		if !ok {
			o.logger.Warn("leaving ledger entry of unconfigured provider",
				slog.String("runner", e.ID),
				slog.String("kind", e.Kind.String()),
			)
			continue
		}
		g.Go(func() error {
			return o.reconcileEntry(gctx, p, e)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) reconcileEntry(ctx context.Context, p *pool, e ledger.Entry) error {
	logger := o.logger.With(slog.String("runner", e.ID), slog.String("kind", e.Kind.String()))

	wasRegistered := e.State.Rank() >= runner.StateRegistered.Rank()
	if !e.State.Terminal() {
		e.State = runner.StateTerminated
		e.Outcome = runner.OutcomeFailed
		e.Reason = ReasonOrphaned
		e.UpdatedAt = time.Now()
		if err := o.cfg.Ledger.Put(ctx, e); err != nil {
			return fmt.Errorf("fleet: record %s as failed: %w", e.ID, err)
		}
	}

	if wasRegistered {
		if err := o.cfg.Coordinator.DeregisterRunner(ctx, coordinator.Token{Name: e.ID}); err != nil {
			logger.Warn("failed to deregister orphaned runner", slog.String("error", err.Error()))
		}
	}

	o.record(e)

	if e.NeedsRelease() {
		logger.Info("destroying orphaned runner", slog.String("handle", e.Handle.String()))
		if err := p.Driver.Destroy(ctx, e.Handle); err != nil {
			logger.Error("failed to destroy orphaned runner, keeping ledger entry",
				slog.String("handle", e.Handle.String()),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if o.reconciled != nil {
			o.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Kind.String())))
		}
	}

	if err := o.cfg.Ledger.Delete(ctx, e.ID); err != nil {
		return fmt.Errorf("fleet: remove %s: %w", e.ID, err)
	}
	return nil
}

// record makes a reconciled runner observable.
func (o *Orchestrator) record(e ledger.Entry) {
	image, _ := runner.ParseImageRef(e.Image)
	caps, _ := runner.ParseCapabilitySet(e.Capabilities)
	snap := runner.Snapshot{
		ID:           e.ID,
		Kind:         e.Kind,
		State:        e.State,
		Outcome:      e.Outcome,
		Reason:       e.Reason,
		Image:        image,
		Capabilities: caps,
		Handle:       e.Handle,
		CreatedAt:    e.CreatedAt,
		Deadline:     e.Deadline,
		UpdatedAt:    e.UpdatedAt,
		History:      []runner.Transition{{State: e.State, At: e.UpdatedAt}},
	}

	o.mu.Lock()
	o.runners[e.ID] = &tracked{final: &snap, doneAt: time.Now()}
	o.mu.Unlock()
}
