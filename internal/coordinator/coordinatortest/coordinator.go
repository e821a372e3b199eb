// Package coordinatortest provides an in-memory coordinator.Coordinator
// for tests.
package coordinatortest

import (
	"context"
	"sync"

	"github.com/terrpan/runnerfleet/internal/coordinator"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Coordinator is a mutex-guarded fake.  By default every runner gets a
// job running "true" immediately.
type Coordinator struct {
	mu sync.Mutex

	RegisterErr   error
	AwaitErr      error
	DeregisterErr error

	// Await, when set, replaces the default job dispatch.
	Await func(ctx context.Context, tok coordinator.Token) (runner.Job, error)

	Registered   []string
	Deregistered []string
}

var _ coordinator.Coordinator = (*Coordinator)(nil)

func (c *Coordinator) RegisterRunner(_ context.Context, req coordinator.TokenRequest) (coordinator.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RegisterErr != nil {
		return coordinator.Token{}, c.RegisterErr
	}
	c.Registered = append(c.Registered, req.Name)
	return coordinator.Token{Name: req.Name, Secret: "secret-" + req.Name, Labels: req.Labels}, nil
}

func (c *Coordinator) AwaitJob(ctx context.Context, tok coordinator.Token) (runner.Job, error) {
	c.mu.Lock()
	await, err := c.Await, c.AwaitErr
	c.mu.Unlock()

	if err != nil {
		return runner.Job{}, err
	}
	if await != nil {
		return await(ctx, tok)
	}
	return runner.Job{ID: "job-" + tok.Name, Command: []string{"true"}}, nil
}

func (c *Coordinator) DeregisterRunner(_ context.Context, tok coordinator.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deregistered = append(c.Deregistered, tok.Name)
	return c.DeregisterErr
}

// DeregisteredNames returns a copy of the deregistered runner names.
func (c *Coordinator) DeregisteredNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Deregistered...)
}

// RegisteredNames returns a copy of the registered runner names.
func (c *Coordinator) RegisteredNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Registered...)
}
