// Package engine defines the abstraction for virtualization backends that
// host ephemeral runners.  Each backend (Docker, containerd, LXC, Compute
// Engine) implements the Driver interface so the lifecycle manager and
// fleet orchestrator remain backend-agnostic.
package engine

import (
	"context"
	"time"

	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// CreateSpec describes one runner to create.
type CreateSpec struct {
	// Name is the runner id.  Drivers use it as the backend resource
	// name so a restarted process can destroy the resource from the
	// ledger alone.
	Name string

	// Image is the verified artifact from the image store.
	Image imagestore.Artifact

	// Sandbox is the constraint set the backend must enforce.
	Sandbox policy.Descriptor

	// Labels are attached to the backend resource where supported.
	Labels map[string]string
}

// Driver is the contract every virtualization backend must satisfy.
//
// All runners are strictly ephemeral: each runner executes exactly one
// job and is then permanently destroyed (not stopped, not paused).
// The full lifecycle is:
//
//	Create → Start → ExecAttach → (job done) → Destroy
//
// Calls on distinct handles may run concurrently.  Calls on the same
// handle are serialized by the caller; drivers never lock per handle.
type Driver interface {
	// Kind returns the backend this driver talks to.
	Kind() runner.Kind

	// Create provisions the runner's resources without starting it.
	// Errors wrap runner.ErrProvision, or runner.ErrResourceExhausted
	// when the backend has no capacity.  A failed Create leaves nothing
	// that needs destroying.
	Create(ctx context.Context, spec CreateSpec) (runner.Handle, error)

	// Start boots a created runner.  Errors wrap runner.ErrStart and are
	// marked runner.Transient when retrying may help.
	Start(ctx context.Context, h runner.Handle) error

	// ExecAttach runs job inside a started runner.  The returned channel
	// delivers exactly one result and is then closed.  Cancelling ctx
	// abandons the wait; Destroy is what stops the job.  Errors wrap
	// runner.ErrAttach.
	ExecAttach(ctx context.Context, h runner.Handle, job runner.Job) (<-chan runner.ExecResult, error)

	// Health returns nil while the runner is alive.
	Health(ctx context.Context, h runner.Handle) error

	// Destroy permanently removes every resource behind h, including
	// after a partial Create or Start.  It must be idempotent: destroying
	// an already-destroyed or never-created handle returns nil.
	Destroy(ctx context.Context, h runner.Handle) error

	// Close releases the driver's own connections.  It does not destroy
	// runners.
	Close() error
}

// CleanupTimeout bounds best-effort removal of a partially created runner.
const CleanupTimeout = 30 * time.Second

// CleanupContext detaches from ctx, which may already be done, and bounds
// the cleanup by CleanupTimeout.
func CleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
}

// Deliver sends res on a fresh buffered channel and closes it.  Drivers
// whose exec primitive is synchronous use it to satisfy ExecAttach.
func Deliver(res runner.ExecResult) <-chan runner.ExecResult {
	ch := make(chan runner.ExecResult, 1)
	ch <- res
	close(ch)
	return ch
}
