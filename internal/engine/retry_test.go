package engine_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/engine/enginetest"
	"github.com/terrpan/runnerfleet/internal/runner"
)

var fastRetry = engine.RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func transient(msg string) error {
	return runner.Transient(fmt.Errorf("%w: %s", runner.ErrStart, msg))
}

func TestRetryTransientThenSuccess(t *testing.T) {
	fake := enginetest.New(runner.KindDocker)
	fake.StartErrs = []error{transient("busy"), transient("busy")}
	d := engine.WithRetry(fake, fastRetry, slog.New(slog.DiscardHandler))

	err := d.Start(context.Background(), runner.Handle{Kind: runner.KindDocker, ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Count("start"))
}

func TestRetryExhausted(t *testing.T) {
	fake := enginetest.New(runner.KindDocker)
	fake.StartErr = transient("busy")
	d := engine.WithRetry(fake, fastRetry, nil)

	err := d.Start(context.Background(), runner.Handle{Kind: runner.KindDocker, ID: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrStart)
	assert.Equal(t, 3, fake.Count("start"))
}

func TestRetryFatalNotRetried(t *testing.T) {
	fake := enginetest.New(runner.KindDocker)
	fake.CreateErr = fmt.Errorf("%w: no such image", runner.ErrProvision)
	d := engine.WithRetry(fake, fastRetry, nil)

	_, err := d.Create(context.Background(), engine.CreateSpec{Name: "r1"})
	assert.ErrorIs(t, err, runner.ErrProvision)
	assert.Equal(t, 1, fake.Count("create"))
}

func TestRetryDestroy(t *testing.T) {
	fake := enginetest.New(runner.KindLXC)
	fake.DestroyErrs = []error{runner.Transient(errors.New("lock held"))}
	d := engine.WithRetry(fake, fastRetry, nil)

	require.NoError(t, d.Destroy(context.Background(), runner.Handle{Kind: runner.KindLXC, ID: "r1"}))
	assert.Equal(t, 2, fake.DestroyCount("r1"))
}

func TestRetryStopsOnCancel(t *testing.T) {
	fake := enginetest.New(runner.KindDocker)
	fake.StartErr = transient("busy")
	d := engine.WithRetry(fake, engine.RetryPolicy{MaxAttempts: 100, InitialInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := d.Start(ctx, runner.Handle{Kind: runner.KindDocker, ID: "r1"})
	assert.ErrorIs(t, err, runner.ErrStart)
	assert.Equal(t, 1, fake.Count("start"))
}

func TestRetryPassesThroughOtherCalls(t *testing.T) {
	fake := enginetest.New(runner.KindGCE)
	d := engine.WithRetry(fake, fastRetry, nil)

	assert.Equal(t, runner.KindGCE, d.Kind())
	ch, err := d.ExecAttach(context.Background(), runner.Handle{ID: "r1"}, runner.Job{ID: "j"})
	require.NoError(t, err)
	assert.True(t, (<-ch).Succeeded())
}
