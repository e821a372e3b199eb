package lxc

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// command is one invocation of an LXC userspace tool.
type command struct {
	Name   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// execer runs commands.  A non-nil error means the process could not be
// run to completion; a process that ran and failed reports its exit code
// with a nil error.
type execer interface {
	Run(ctx context.Context, cmd command) (exitCode int, err error)
}

type osExecer struct{}

func (osExecer) Run(ctx context.Context, c command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
