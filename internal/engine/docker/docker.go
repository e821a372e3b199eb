// Package docker implements engine.Driver using the Docker daemon.  Each
// runner is one container: created idle, started, handed a job through
// the exec API, then force-removed.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// LabelRunner marks every container this driver creates.
const LabelRunner = "io.runnerfleet.runner"

// Config holds Docker-specific settings.
type Config struct {
	// User is the account jobs run as.  Default: runner.  Runners granted
	// nested containers run as root so the mounted socket is writable on
	// every platform.
	User string

	// Network is the network attached when egress is granted.
	// Default: bridge.
	Network string

	// Socket is the host Docker socket mounted for nested containers.
	// Default: /var/run/docker.sock
	Socket string

	// Resource limits; zero means unlimited.
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

func (c *Config) applyDefaults() {
	if c.User == "" {
		c.User = "runner"
	}
	if c.Network == "" {
		c.Network = "bridge"
	}
	if c.Socket == "" {
		c.Socket = "/var/run/docker.sock"
	}
}

// dockerAPI is the subset of the Docker client the driver uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...dockerclient.ImageInspectOption) (image.InspectResponse, error)
	Close() error
}

// Driver manages runners as Docker containers.
type Driver struct {
	api    dockerAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the engine.Driver interface.
var _ engine.Driver = (*Driver)(nil)

// New connects to the daemon described by the environment (DOCKER_HOST
// and friends).
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newWithAPI(client, cfg, logger), nil
}

func newWithAPI(api dockerAPI, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		api:    api,
		cfg:    cfg,
		logger: logger.WithGroup("engine.docker"),
		tracer: otel.Tracer("runnerfleet/engine/docker"),
	}
}

// Kind implements engine.Driver.
func (d *Driver) Kind() runner.Kind { return runner.KindDocker }

// Create creates an idle container for spec.  The container's init
// process only waits; the job arrives later through ExecAttach.
func (d *Driver) Create(ctx context.Context, spec engine.CreateSpec) (runner.Handle, error) {
	ctx, span := d.tracer.Start(ctx, "docker.Create",
		trace.WithAttributes(attribute.String("runner.name", spec.Name)),
	)
	defer span.End()

	img := spec.Image.Locator
	if img == "" {
		img = spec.Image.Ref.Name
	}

	cfg, hostCfg := d.containerConfig(spec, img)
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "container create failed")
		// The daemon may have committed the container before ctx ended.
		d.removePartial(ctx, spec.Name)
		return runner.Handle{}, classifyCreate(spec.Name, err)
	}

	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", slog.String("name", spec.Name), slog.String("warning", w))
	}
	d.logger.Info("runner container created",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
		slog.String("image", img),
	)

	// The name, not the id, is the handle: it is known before the call
	// returns and resolves to the same container.
	return runner.Handle{Kind: runner.KindDocker, ID: spec.Name}, nil
}

func (d *Driver) removePartial(ctx context.Context, name string) {
	cctx, cancel := engine.CleanupContext(ctx)
	defer cancel()
	if err := d.Destroy(cctx, runner.Handle{Kind: runner.KindDocker, ID: name}); err != nil {
		d.logger.Error("failed to clean up partially created container",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Driver) containerConfig(spec engine.CreateSpec, img string) (*container.Config, *container.HostConfig) {
	sb := spec.Sandbox

	labels := maps.Clone(spec.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[LabelRunner] = spec.Name

	user := d.cfg.User
	var env []string
	hostCfg := &container.HostConfig{
		Init:           boolPtr(true),
		CapDrop:        slices.Clone(sb.LinuxCapsDrop),
		CapAdd:         slices.Clone(sb.LinuxCapsAdd),
		ReadonlyRootfs: sb.ReadOnlyRootfs,
		NetworkMode:    container.NetworkMode("none"),
	}
	if sb.NetworkEgress {
		hostCfg.NetworkMode = container.NetworkMode(d.cfg.Network)
	}
	if sb.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges:true")
	}
	if sb.ReadOnlyRootfs {
		hostCfg.Tmpfs = map[string]string{
			"/tmp": "rw,exec,nosuid,size=1g",
			"/run": "rw,noexec,nosuid,size=64m",
		}
	}
	for _, dev := range sb.Devices {
		hostCfg.Devices = append(hostCfg.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}
	if sb.NestedContainers {
		hostCfg.Binds = []string{d.cfg.Socket + ":/var/run/docker.sock"}
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock", "RUNNER_ALLOW_RUNASROOT=1")
		user = "root"
	}
	hostCfg.Memory = d.cfg.MemoryBytes
	hostCfg.NanoCPUs = d.cfg.NanoCPUs
	if d.cfg.PidsLimit > 0 {
		hostCfg.PidsLimit = &d.cfg.PidsLimit
	}

	cfg := &container.Config{
		Image:  img,
		User:   user,
		Env:    env,
		Labels: labels,
		Cmd:    []string{"sleep", "infinity"},
	}
	return cfg, hostCfg
}

// Start implements engine.Driver.
func (d *Driver) Start(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "docker.Start",
		trace.WithAttributes(attribute.String("runner.name", h.ID)),
	)
	defer span.End()

	if err := d.api.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "container start failed")
		err = fmt.Errorf("%w: container start %s: %w", runner.ErrStart, h.ID, err)
		if cerrdefs.IsUnavailable(err) || cerrdefs.IsConflict(err) {
			return runner.Transient(err)
		}
		return err
	}
	d.logger.Info("runner container started", slog.String("name", h.ID))
	return nil
}

// ExecAttach runs job through the exec API and streams its output to
// the driver's logger.
func (d *Driver) ExecAttach(ctx context.Context, h runner.Handle, job runner.Job) (<-chan runner.ExecResult, error) {
	info, err := d.api.ContainerInspect(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %w", runner.ErrAttach, h.ID, err)
	}
	if !running(info) {
		return nil, fmt.Errorf("%w: container %s is not running", runner.ErrAttach, h.ID)
	}
	if len(job.Command) == 0 {
		return nil, fmt.Errorf("%w: job %s has no command", runner.ErrAttach, job.ID)
	}

	user := d.cfg.User
	if info.Config != nil && info.Config.User != "" {
		user = info.Config.User
	}
	exec, err := d.api.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
		Env:          envList(job.Env),
		WorkingDir:   job.WorkDir,
		Cmd:          job.Command,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exec create %s: %w", runner.ErrAttach, h.ID, err)
	}

	hijack, err := d.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach %s: %w", runner.ErrAttach, h.ID, err)
	}

	d.logger.Info("job attached",
		slog.String("name", h.ID),
		slog.String("job", job.ID),
		slog.String("execID", exec.ID),
	)

	out := make(chan runner.ExecResult, 1)
	go func() {
		defer close(out)
		out <- d.wait(ctx, h, exec.ID, hijack)
	}()
	return out, nil
}

func (d *Driver) wait(ctx context.Context, h runner.Handle, execID string, hijack types.HijackedResponse) runner.ExecResult {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			hijack.Close()
		case <-done:
		}
	}()

	w := engine.NewLineLogger(d.logger, h.ID)
	_, copyErr := stdcopy.StdCopy(w, w, hijack.Reader)
	w.Flush()
	hijack.Close()

	if ctx.Err() != nil {
		return runner.ExecResult{ExitCode: -1, Err: ctx.Err()}
	}

	res, err := d.api.ContainerExecInspect(ctx, execID)
	if err != nil {
		return runner.ExecResult{ExitCode: -1, Err: fmt.Errorf("exec inspect %s: %w", h.ID, err)}
	}
	if copyErr != nil {
		d.logger.Warn("job output stream ended with error", slog.String("name", h.ID), slog.String("error", copyErr.Error()))
	}
	return runner.ExecResult{ExitCode: res.ExitCode}
}

// Health implements engine.Driver.
func (d *Driver) Health(ctx context.Context, h runner.Handle) error {
	info, err := d.api.ContainerInspect(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", h.ID, err)
	}
	if !running(info) {
		return fmt.Errorf("container %s is %s", h.ID, status(info))
	}
	return nil
}

// Destroy force-removes the container and its anonymous volumes.
func (d *Driver) Destroy(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "docker.Destroy",
		trace.WithAttributes(attribute.String("runner.name", h.ID)),
	)
	defer span.End()

	d.logger.Info("destroying runner", slog.String("name", h.ID))

	err := d.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		d.logger.Debug("runner already gone", slog.String("name", h.ID))
		return nil
	case cerrdefs.IsConflict(err) || cerrdefs.IsUnavailable(err):
		// Removal already in progress or daemon busy.
		return runner.Transient(fmt.Errorf("container remove %s: %w", h.ID, err))
	default:
		span.RecordError(err)
		return fmt.Errorf("container remove %s: %w", h.ID, err)
	}
}

// Close implements engine.Driver.
func (d *Driver) Close() error {
	return d.api.Close()
}

func classifyCreate(name string, err error) error {
	switch {
	case cerrdefs.IsResourceExhausted(err):
		return fmt.Errorf("%w: container create %s: %w", runner.ErrResourceExhausted, name, err)
	case cerrdefs.IsUnavailable(err):
		return runner.Transient(fmt.Errorf("%w: container create %s: %w", runner.ErrProvision, name, err))
	default:
		return fmt.Errorf("%w: container create %s: %w", runner.ErrProvision, name, err)
	}
}

func running(info container.InspectResponse) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func status(info container.InspectResponse) string {
	if info.ContainerJSONBase == nil || info.State == nil {
		return "unknown"
	}
	return string(info.State.Status)
}

func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
