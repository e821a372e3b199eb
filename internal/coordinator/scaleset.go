package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/actions/scaleset"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// JitConfigEnv carries the encoded JIT config into the runner agent.
const JitConfigEnv = "ACTIONS_RUNNER_INPUT_JITCONFIG"

// JitConfigGenerator is the subset of *scaleset.Client used here.
type JitConfigGenerator interface {
	GenerateJitRunnerConfig(ctx context.Context, setting *scaleset.RunnerScaleSetJitRunnerSetting, scaleSetID int) (*scaleset.RunnerScaleSetJitRunnerConfig, error)
}

// ScalesetConfig configures a Scaleset coordinator.
type ScalesetConfig struct {
	Client     JitConfigGenerator
	ScaleSetID int

	// AgentPath is the runner agent entrypoint inside the image.
	// Default: /home/runner/run.sh
	AgentPath string

	// WorkDir defaults to /home/runner.
	WorkDir string

	Logger *slog.Logger
}

// Scaleset registers JIT runners with a runner scale set.
type Scaleset struct {
	client     JitConfigGenerator
	scaleSetID int
	agentPath  string
	workDir    string
	logger     *slog.Logger
}

var _ Coordinator = (*Scaleset)(nil)

// NewScaleset creates a Scaleset coordinator.
func NewScaleset(cfg ScalesetConfig) *Scaleset {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = "/home/runner/run.sh"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/home/runner"
	}
	return &Scaleset{
		client:     cfg.Client,
		scaleSetID: cfg.ScaleSetID,
		agentPath:  cfg.AgentPath,
		workDir:    cfg.WorkDir,
		logger:     cfg.Logger.WithGroup("coordinator.scaleset"),
	}
}

// RegisterRunner generates a JIT config for req.Name.
func (s *Scaleset) RegisterRunner(ctx context.Context, req TokenRequest) (Token, error) {
	jit, err := s.client.GenerateJitRunnerConfig(ctx,
		&scaleset.RunnerScaleSetJitRunnerSetting{Name: req.Name},
		s.scaleSetID,
	)
	if err != nil {
		return Token{}, fmt.Errorf("generate JIT config for %s: %w", req.Name, err)
	}
	s.logger.Debug("JIT config generated", slog.String("runner", req.Name))
	return Token{Name: req.Name, Secret: jit.EncodedJITConfig}, nil
}

// AwaitJob returns the agent launch.  A JIT runner is bound to the scale
// set's next job as soon as its agent connects, so the launch is the
// dispatch message.
func (s *Scaleset) AwaitJob(ctx context.Context, tok Token) (runner.Job, error) {
	if err := ctx.Err(); err != nil {
		return runner.Job{}, err
	}
	return runner.Job{
		ID:      tok.Name,
		Command: []string{s.agentPath},
		Env:     map[string]string{JitConfigEnv: tok.Secret},
		WorkDir: s.workDir,
	}, nil
}

// DeregisterRunner is local: a JIT runner is removed by the service after
// its single job, or when its config expires unused.
func (s *Scaleset) DeregisterRunner(_ context.Context, tok Token) error {
	s.logger.Debug("runner released", slog.String("runner", tok.Name))
	return nil
}
