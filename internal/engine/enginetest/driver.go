// Package enginetest provides an in-memory engine.Driver for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Driver is a mutex-guarded fake.  Errors set on the struct are returned
// by the matching call; queued errors (CreateErrs, StartErrs, ...) are
// consumed one per call before the sticky error is considered.
type Driver struct {
	KindValue runner.Kind

	mu sync.Mutex

	CreateErr  error
	StartErr   error
	AttachErr  error
	HealthErr  error
	DestroyErr error

	CreateErrs  []error
	StartErrs   []error
	DestroyErrs []error

	// Exec, when set, supplies the ExecAttach channel.  Otherwise the
	// job succeeds immediately.
	Exec func(ctx context.Context, h runner.Handle, job runner.Job) <-chan runner.ExecResult

	Created   []engine.CreateSpec
	Started   []runner.Handle
	Attached  []runner.Job
	Destroyed []runner.Handle
	Calls     []string

	live map[string]bool
}

var _ engine.Driver = (*Driver)(nil)

// New returns a fake driver for kind.
func New(kind runner.Kind) *Driver {
	return &Driver{KindValue: kind, live: make(map[string]bool)}
}

func (d *Driver) Kind() runner.Kind { return d.KindValue }

func (d *Driver) Create(_ context.Context, spec engine.CreateSpec) (runner.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "create")
	if err := pop(&d.CreateErrs, d.CreateErr); err != nil {
		return runner.Handle{}, err
	}
	d.Created = append(d.Created, spec)
	d.live[spec.Name] = true
	return runner.Handle{Kind: d.KindValue, ID: spec.Name}, nil
}

func (d *Driver) Start(_ context.Context, h runner.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "start")
	if err := pop(&d.StartErrs, d.StartErr); err != nil {
		return err
	}
	d.Started = append(d.Started, h)
	return nil
}

func (d *Driver) ExecAttach(ctx context.Context, h runner.Handle, job runner.Job) (<-chan runner.ExecResult, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, "exec")
	if d.AttachErr != nil {
		err := d.AttachErr
		d.mu.Unlock()
		return nil, err
	}
	d.Attached = append(d.Attached, job)
	exec := d.Exec
	d.mu.Unlock()

	if exec != nil {
		return exec(ctx, h, job), nil
	}
	return engine.Deliver(runner.ExecResult{}), nil
}

func (d *Driver) Health(context.Context, runner.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.HealthErr
}

func (d *Driver) Destroy(_ context.Context, h runner.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "destroy")
	d.Destroyed = append(d.Destroyed, h)
	if err := pop(&d.DestroyErrs, d.DestroyErr); err != nil {
		return err
	}
	delete(d.live, h.ID)
	return nil
}

func (d *Driver) Close() error { return nil }

// Adopt marks id as a live resource, as if created by a previous process.
func (d *Driver) Adopt(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[id] = true
}

// Live reports whether id has been created and not yet destroyed.
func (d *Driver) Live(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[id]
}

// DestroyCount returns how many times id was destroyed.
func (d *Driver) DestroyCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, h := range d.Destroyed {
		if h.ID == id {
			n++
		}
	}
	return n
}

// CallLog returns a copy of the recorded call names.
func (d *Driver) CallLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Calls...)
}

// Count returns how many times op was called.
func (d *Driver) Count(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (d *Driver) String() string {
	return fmt.Sprintf("enginetest.Driver(%s)", d.KindValue)
}

func pop(queue *[]error, sticky error) error {
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		return err
	}
	return sticky
}
