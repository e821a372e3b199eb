// Package coordinator talks to the CI service that owns job dispatch.
//
// A runner is registered under its name, receives exactly one job message
// and is deregistered during teardown.  Two coordinators exist: Scaleset,
// which mints just-in-time runner configs through the Actions scale set
// API, and Repo, which uses classic repository registration tokens.
package coordinator

import (
	"context"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// TokenRequest asks the coordinator to admit a new runner.
type TokenRequest struct {
	Name   string
	Labels []string
}

// Token is the credential a registered runner holds.  Secret is handed to
// the runner agent and never logged.
type Token struct {
	Name   string
	Secret string
	Labels []string
}

// Coordinator is the CI coordination client.
type Coordinator interface {
	// RegisterRunner obtains credentials for a runner named req.Name.
	RegisterRunner(ctx context.Context, req TokenRequest) (Token, error)

	// AwaitJob blocks until the coordinator dispatches the runner's job
	// and returns the command that executes it.  Each token is consumed
	// by a single caller.
	AwaitJob(ctx context.Context, tok Token) (runner.Job, error)

	// DeregisterRunner removes the runner.  Removing a runner that is
	// already gone succeeds.
	DeregisterRunner(ctx context.Context, tok Token) error
}
