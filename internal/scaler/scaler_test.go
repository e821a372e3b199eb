package scaler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/actions/scaleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnerfleet/internal/fleet"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ---------------------------------------------------------------------------
// Mock fleet
// ---------------------------------------------------------------------------

type mockFleet struct {
	mu        sync.Mutex
	requested []string
	live      map[string]bool
	nextID    int

	requestErr error // if set, RequestRunner returns this error
	budget     int   // if positive, requests beyond it are rejected
}

func newMockFleet() *mockFleet {
	return &mockFleet{live: make(map[string]bool)}
}

func (m *mockFleet) RequestRunner(_ context.Context, _ runner.Kind, _ runner.ImageRef, _ runner.CapabilitySet, _ ...fleet.RequestOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.requestErr != nil {
		return "", m.requestErr
	}
	if m.budget > 0 && len(m.live) >= m.budget {
		return "", fmt.Errorf("%w: budget", runner.ErrResourceExhausted)
	}
	m.nextID++
	id := fmt.Sprintf("rf-%d", m.nextID)
	m.requested = append(m.requested, id)
	m.live[id] = true
	return id, nil
}

func (m *mockFleet) Observe(id string) (runner.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.live[id]
	if !ok {
		return runner.Snapshot{}, runner.ErrUnknownRunner
	}
	state := runner.StateExecuting
	if !live {
		state = runner.StateTerminated
	}
	return runner.Snapshot{ID: id, State: state}, nil
}

func (m *mockFleet) Active(runner.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, live := range m.live {
		if live {
			n++
		}
	}
	return n
}

// finish ends a runner's lifecycle, as the fleet does after its job.
func (m *mockFleet) finish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[id] = false
}

func (m *mockFleet) requestedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requested)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ScalerSuite struct {
	suite.Suite
	ctx   context.Context
	fleet *mockFleet
}

func (s *ScalerSuite) SetupTest() {
	s.ctx = context.Background()
	s.fleet = newMockFleet()
}

func (s *ScalerSuite) newScaler(minRunners, maxRunners int) *Scaler {
	caps, err := runner.NewCapabilitySet(runner.CapNetworkEgress)
	require.NoError(s.T(), err)
	return New(Config{
		Kind:         runner.KindDocker,
		Image:        runner.ImageRef{Name: "runner", Hash: "abcd1234"},
		Capabilities: caps,
		MinRunners:   minRunners,
		MaxRunners:   maxRunners,
		Fleet:        s.fleet,
	})
}

func (s *ScalerSuite) idleNames(sc *Scaler) []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	names := make([]string, 0, len(sc.idle))
	for name := range sc.idle {
		names = append(names, name)
	}
	return names
}

func TestScalerSuite(t *testing.T) {
	suite.Run(t, new(ScalerSuite))
}

// ---------------------------------------------------------------------------
// Scale-up tests
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScaleUp_SingleRunner() {
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, count)
	assert.Equal(s.T(), 1, s.fleet.requestedCount())
	assert.Equal(s.T(), 1, len(sc.idle))
	assert.Equal(s.T(), 0, len(sc.busy))
}

func (s *ScalerSuite) TestScaleUp_Targets() {
	tests := []struct {
		name    string
		lo, hi  int
		desired int
		want    int
	}{
		{"multiple", 0, 10, 5, 5},
		{"respects max", 0, 5, 20, 5},
		{"respects min", 2, 10, 0, 2},
		{"min plus desired", 2, 10, 3, 5},
		{"max caps min plus desired", 3, 5, 10, 5},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.fleet = newMockFleet()
			sc := s.newScaler(tt.lo, tt.hi)

			count, err := sc.HandleDesiredRunnerCount(s.ctx, tt.desired)
			require.NoError(s.T(), err)
			assert.Equal(s.T(), tt.want, count)
			assert.Equal(s.T(), tt.want, s.fleet.requestedCount())
		})
	}
}

func (s *ScalerSuite) TestScaleUp_BudgetReachedIsNotAnError() {
	s.fleet.budget = 3
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 8)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, count)
	assert.Equal(s.T(), 3, s.fleet.requestedCount())
}

func (s *ScalerSuite) TestScaleUp_FleetFailure() {
	s.fleet.requestErr = fmt.Errorf("%w: provider %q is not configured", runner.ErrValidation, "gce")
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	assert.ErrorIs(s.T(), err, runner.ErrValidation)
	assert.Equal(s.T(), 0, count)
}

// ---------------------------------------------------------------------------
// Scale-down tests
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScaleDown_Implicit() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 5)
	require.NoError(s.T(), err)

	// Desired drops to 1, but runners are single-use and drain naturally.
	count, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, count)
	assert.Equal(s.T(), 5, s.fleet.requestedCount())
}

func (s *ScalerSuite) TestNoScaling_WhenAtTarget() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	require.NoError(s.T(), err)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, count)
	assert.Equal(s.T(), 3, s.fleet.requestedCount())
}

func (s *ScalerSuite) TestScaleUp_AgainAfterRunnersFinish() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 2)
	require.NoError(s.T(), err)
	for _, name := range s.idleNames(sc) {
		s.fleet.finish(name)
	}

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 2)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, count)
	assert.Equal(s.T(), 4, s.fleet.requestedCount())
	assert.Len(s.T(), sc.idle, 2, "finished runners were pruned")
}

// ---------------------------------------------------------------------------
// Job lifecycle tests
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestHandleJobStarted_MovesToBusy() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	name := s.idleNames(sc)[0]

	err = sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 0, len(sc.idle))
	assert.Contains(s.T(), sc.busy, name)
}

func (s *ScalerSuite) TestHandleJobStarted_UnknownRunner() {
	sc := s.newScaler(0, 10)

	err := sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: "unknown-runner"})
	require.NoError(s.T(), err)
}

func (s *ScalerSuite) TestHandleJobCompleted_ForgetsRunner() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	name := s.idleNames(sc)[0]

	require.NoError(s.T(), sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name}))
	require.NoError(s.T(), sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: name, Result: "success"}))

	assert.Empty(s.T(), sc.idle)
	assert.Empty(s.T(), sc.busy)
}

func (s *ScalerSuite) TestHandleJobCompleted_UnknownRunner() {
	sc := s.newScaler(0, 10)

	err := sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: "ghost", Result: "failed"})
	require.NoError(s.T(), err)
}

func (s *ScalerSuite) TestDuplicateEvents() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	name := s.idleNames(sc)[0]

	for range 3 {
		require.NoError(s.T(), sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name}))
	}
	assert.Len(s.T(), sc.busy, 1)

	for range 3 {
		require.NoError(s.T(), sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: name, Result: "success"}))
	}
	assert.Empty(s.T(), sc.busy)
	assert.Equal(s.T(), 1, s.fleet.requestedCount(), "no runner requested twice")
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestConcurrentJobEvents() {
	// Run with -race to detect data races.
	const N = 100
	sc := s.newScaler(0, 150)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, N)
	require.NoError(s.T(), err)
	require.Equal(s.T(), N, count)
	runners := s.idleNames(sc)

	var wg sync.WaitGroup
	for _, name := range runners {
		wg.Go(func() {
			assert.NoError(s.T(), sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name}))
		})
	}
	wg.Wait()
	assert.Equal(s.T(), 0, len(sc.idle))
	assert.Equal(s.T(), N, len(sc.busy))

	for _, name := range runners {
		wg.Go(func() {
			assert.NoError(s.T(), sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: name, Result: "success"}))
			s.fleet.finish(name)
		})
	}
	wg.Wait()
	assert.Equal(s.T(), 0, len(sc.busy))

	// Concurrent desired-count updates never exceed max.
	for range 10 {
		wg.Go(func() {
			_, err := sc.HandleDesiredRunnerCount(s.ctx, 5)
			assert.NoError(s.T(), err)
		})
	}
	wg.Wait()
	assert.GreaterOrEqual(s.T(), s.fleet.Active(runner.KindDocker), 5)
}
