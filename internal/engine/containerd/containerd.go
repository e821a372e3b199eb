// Package containerd implements engine.Driver on a containerd daemon.
// Each runner is a container with a long-lived task; jobs run as
// additional exec processes inside that task.
package containerd

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// LabelRunner marks every container this driver creates.
const LabelRunner = "io.runnerfleet.runner"

// Config holds containerd settings.
type Config struct {
	// Address is the containerd socket.
	// Default: /run/containerd/containerd.sock
	Address string

	// Namespace scopes every runner container.  Default: runnerfleet
	Namespace string

	// Snapshotter backs container filesystems.  Default: overlayfs
	Snapshotter string

	// Runtime is the OCI runtime shim.  Default: io.containerd.runc.v2
	Runtime string
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = "/run/containerd/containerd.sock"
	}
	if c.Namespace == "" {
		c.Namespace = "runnerfleet"
	}
	if c.Snapshotter == "" {
		c.Snapshotter = "overlayfs"
	}
	if c.Runtime == "" {
		c.Runtime = "io.containerd.runc.v2"
	}
}

// Sequence counter for exec process identifiers.
var execSeq atomic.Uint64

// Driver manages runners as containerd containers.
type Driver struct {
	client *containerd.Client
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the engine.Driver interface.
var _ engine.Driver = (*Driver)(nil)

// New connects to containerd.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := containerd.New(cfg.Address, containerd.WithDefaultNamespace(cfg.Namespace))
	if err != nil {
		return nil, fmt.Errorf("containerd client %s: %w", cfg.Address, err)
	}

	return &Driver{
		client: client,
		cfg:    cfg,
		logger: logger.WithGroup("engine.containerd"),
		tracer: otel.Tracer("runnerfleet/engine/containerd"),
	}, nil
}

// Kind implements engine.Driver.
func (d *Driver) Kind() runner.Kind { return runner.KindContainerd }

// Create creates the container and its writable snapshot.  The task is
// created by Start.
func (d *Driver) Create(ctx context.Context, spec engine.CreateSpec) (runner.Handle, error) {
	ctx, span := d.tracer.Start(ctx, "containerd.Create",
		trace.WithAttributes(attribute.String("runner.name", spec.Name)),
	)
	defer span.End()

	image, err := d.image(ctx, spec)
	if err != nil {
		span.RecordError(err)
		return runner.Handle{}, err
	}

	labels := maps.Clone(spec.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[LabelRunner] = spec.Name

	_, err = d.client.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithSnapshotter(d.cfg.Snapshotter),
		containerd.WithNewSnapshot(spec.Name, image),
		containerd.WithRuntime(d.cfg.Runtime, nil),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSpec(specOpts(image, spec.Sandbox)...),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "new container failed")
		// A failed NewContainer can leave the snapshot behind.
		cctx, cancel := engine.CleanupContext(ctx)
		defer cancel()
		if derr := d.Destroy(cctx, runner.Handle{Kind: runner.KindContainerd, ID: spec.Name}); derr != nil {
			d.logger.Error("failed to clean up partially created container",
				slog.String("name", spec.Name),
				slog.String("error", derr.Error()),
			)
		}
		return runner.Handle{}, classify(runner.ErrProvision, "new container "+spec.Name, err)
	}

	d.logger.Info("runner container created",
		slog.String("name", spec.Name),
		slog.String("image", image.Name()),
	)
	return runner.Handle{Kind: runner.KindContainerd, ID: spec.Name}, nil
}

// image resolves the artifact to a local image, importing an OCI
// archive when the store produced a file.
func (d *Driver) image(ctx context.Context, spec engine.CreateSpec) (containerd.Image, error) {
	if ref := spec.Image.Locator; ref != "" {
		img, err := d.client.GetImage(ctx, ref)
		if err != nil {
			return nil, classify(runner.ErrProvision, "get image "+ref, err)
		}
		return img, nil
	}
	if spec.Image.Path == "" {
		return nil, fmt.Errorf("%w: image %s has no locator or archive", runner.ErrProvision, spec.Image.Ref)
	}

	fh, err := os.Open(spec.Image.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open image archive: %w", runner.ErrProvision, err)
	}
	defer fh.Close()

	imported, err := d.client.Import(ctx, fh)
	if err != nil {
		return nil, classify(runner.ErrProvision, "import "+spec.Image.Path, err)
	}
	if len(imported) != 1 {
		return nil, fmt.Errorf("%w: archive %s holds %d images, want 1", runner.ErrProvision, spec.Image.Path, len(imported))
	}
	img := containerd.NewImage(d.client, imported[0])
	if err := img.Unpack(ctx, d.cfg.Snapshotter); err != nil {
		return nil, classify(runner.ErrProvision, "unpack "+img.Name(), err)
	}
	return img, nil
}

// Start creates and starts the container's task.
func (d *Driver) Start(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "containerd.Start",
		trace.WithAttributes(attribute.String("runner.name", h.ID)),
	)
	defer span.End()

	ctr, err := d.client.LoadContainer(ctx, h.ID)
	if err != nil {
		return classify(runner.ErrStart, "load container "+h.ID, err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		span.RecordError(err)
		return classify(runner.ErrStart, "new task "+h.ID, err)
	}
	if err := task.Start(ctx); err != nil {
		span.RecordError(err)
		cctx, cancel := engine.CleanupContext(ctx)
		defer cancel()
		_, derr := task.Delete(cctx, containerd.WithProcessKill)
		d.logCleanup("delete task", h.ID, derr)
		return classify(runner.ErrStart, "start task "+h.ID, err)
	}

	d.logger.Info("runner container started", slog.String("name", h.ID), slog.Int("pid", int(task.Pid())))
	return nil
}

// ExecAttach runs job as an exec process in the container's task.
func (d *Driver) ExecAttach(ctx context.Context, h runner.Handle, job runner.Job) (<-chan runner.ExecResult, error) {
	if len(job.Command) == 0 {
		return nil, fmt.Errorf("%w: job %s has no command", runner.ErrAttach, job.ID)
	}

	ctr, err := d.client.LoadContainer(ctx, h.ID)
	if err != nil {
		return nil, classify(runner.ErrAttach, "load container "+h.ID, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, classify(runner.ErrAttach, "load task "+h.ID, err)
	}
	status, err := task.Status(ctx)
	if err != nil {
		return nil, classify(runner.ErrAttach, "task status "+h.ID, err)
	}
	if status.Status != containerd.Running {
		return nil, fmt.Errorf("%w: task %s is %s", runner.ErrAttach, h.ID, status.Status)
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, classify(runner.ErrAttach, "load spec "+h.ID, err)
	}
	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = job.Command
	pspec.Env = mergeEnv(pspec.Env, job.Env)
	if job.WorkDir != "" {
		pspec.Cwd = job.WorkDir
	}

	w := engine.NewLineLogger(d.logger, h.ID)
	execID := fmt.Sprintf("job-%d", execSeq.Add(1))
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, w, w)))
	if err != nil {
		return nil, classify(runner.ErrAttach, "exec "+h.ID, err)
	}
	deleteProcess := func(opts ...containerd.ProcessDeleteOpts) {
		cctx, cancel := engine.CleanupContext(ctx)
		defer cancel()
		_, err := process.Delete(cctx, opts...)
		d.logCleanup("delete exec", h.ID, err)
	}
	statusC, err := process.Wait(ctx)
	if err != nil {
		deleteProcess()
		return nil, classify(runner.ErrAttach, "wait "+h.ID, err)
	}
	if err := process.Start(ctx); err != nil {
		deleteProcess()
		return nil, classify(runner.ErrAttach, "start exec "+h.ID, err)
	}

	d.logger.Info("job attached", slog.String("name", h.ID), slog.String("job", job.ID), slog.String("exec", execID))

	out := make(chan runner.ExecResult, 1)
	go func() {
		defer close(out)
		defer w.Flush()
		select {
		case <-ctx.Done():
			kctx, cancel := engine.CleanupContext(ctx)
			d.logCleanup("kill exec", h.ID, process.Kill(kctx, syscall.SIGKILL))
			cancel()
			deleteProcess(containerd.WithProcessKill)
			out <- runner.ExecResult{ExitCode: -1, Err: ctx.Err()}
		case st := <-statusC:
			deleteProcess()
			code, _, err := st.Result()
			if err != nil {
				out <- runner.ExecResult{ExitCode: -1, Err: err}
				return
			}
			out <- runner.ExecResult{ExitCode: int(code)}
		}
	}()
	return out, nil
}

// logCleanup records a failed best-effort cleanup step.  Resources that
// are already gone are not failures.
func (d *Driver) logCleanup(step, name string, err error) {
	if err == nil || errdefs.IsNotFound(err) {
		return
	}
	d.logger.Warn("cleanup step failed",
		slog.String("step", step),
		slog.String("name", name),
		slog.String("error", err.Error()),
	)
}

// Health implements engine.Driver.
func (d *Driver) Health(ctx context.Context, h runner.Handle) error {
	ctr, err := d.client.LoadContainer(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", h.ID, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("load task %s: %w", h.ID, err)
	}
	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("task status %s: %w", h.ID, err)
	}
	if status.Status != containerd.Running {
		return fmt.Errorf("task %s is %s", h.ID, status.Status)
	}
	return nil
}

// Destroy kills the task and deletes the container with its snapshot.
// Missing pieces are skipped.
func (d *Driver) Destroy(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "containerd.Destroy",
		trace.WithAttributes(attribute.String("runner.name", h.ID)),
	)
	defer span.End()

	ctr, err := d.client.LoadContainer(ctx, h.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// The snapshot may outlive a container that failed to create.
			d.removeSnapshot(ctx, h.ID)
			return nil
		}
		return classify(nil, "load container "+h.ID, err)
	}

	d.logger.Info("destroying runner", slog.String("name", h.ID))

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			span.RecordError(err)
			return classify(nil, "delete task "+h.ID, err)
		}
	} else if !errdefs.IsNotFound(err) {
		return classify(nil, "load task "+h.ID, err)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		span.RecordError(err)
		return classify(nil, "delete container "+h.ID, err)
	}
	return nil
}

func (d *Driver) removeSnapshot(ctx context.Context, key string) {
	err := d.client.SnapshotService(d.cfg.Snapshotter).Remove(ctx, key)
	if err != nil && !errdefs.IsNotFound(err) {
		d.logger.Warn("failed to remove orphaned snapshot", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Close implements engine.Driver.
func (d *Driver) Close() error {
	return d.client.Close()
}

// classify wraps err with kind (when non-nil) and marks daemon-side
// contention as transient.
func classify(kind error, what string, err error) error {
	var wrapped error
	switch {
	case errdefs.IsResourceExhausted(err):
		wrapped = fmt.Errorf("%w: %s: %w", runner.ErrResourceExhausted, what, err)
	case kind != nil:
		wrapped = fmt.Errorf("%w: %s: %w", kind, what, err)
	default:
		wrapped = fmt.Errorf("%s: %w", what, err)
	}
	if errdefs.IsUnavailable(err) || errdefs.IsAborted(err) {
		return runner.Transient(wrapped)
	}
	return wrapped
}

// mergeEnv overlays env on top of a base KEY=VALUE list.
func mergeEnv(base []string, env map[string]string) []string {
	merged := make(map[string]string, len(base)+len(env))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	maps.Copy(merged, env)

	out := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		out = append(out, k+"="+merged[k])
	}
	return out
}
