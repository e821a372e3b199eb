// Package lxc implements engine.Driver with LXC system containers.  Each
// runner is a container whose rootfs is unpacked from a verified image
// tarball; sandbox constraints are written into the container config
// before first boot.
package lxc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Config holds LXC settings.
type Config struct {
	// Path is the LXC path holding container directories.
	// Default: /var/lib/lxc
	Path string

	// Bridge is the host bridge attached when egress is granted.
	// Default: lxcbr0
	Bridge string

	// Init is the container init command.  Default: /sbin/init
	Init string

	// BootTimeout bounds the wait for RUNNING after lxc-start.
	// Default: 30s
	BootTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/var/lib/lxc"
	}
	if c.Bridge == "" {
		c.Bridge = "lxcbr0"
	}
	if c.Init == "" {
		c.Init = "/sbin/init"
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 30 * time.Second
	}
}

// Driver manages runners as LXC containers.
type Driver struct {
	exec   execer
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the engine.Driver interface.
var _ engine.Driver = (*Driver)(nil)

// New returns a driver that shells out to the lxc-* tools.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	d := newDriver(osExecer{}, cfg, logger)
	if err := os.MkdirAll(d.cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create lxc path %s: %w", d.cfg.Path, err)
	}
	return d, nil
}

func newDriver(x execer, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		exec:   x,
		cfg:    cfg,
		logger: logger.WithGroup("engine.lxc"),
		tracer: otel.Tracer("runnerfleet/engine/lxc"),
	}
}

// Kind implements engine.Driver.
func (d *Driver) Kind() runner.Kind { return runner.KindLXC }

// Create creates an empty container, unpacks the image into its rootfs
// and appends the sandbox configuration.  Anything created before a
// failure is removed again.
func (d *Driver) Create(ctx context.Context, spec engine.CreateSpec) (runner.Handle, error) {
	ctx, span := d.tracer.Start(ctx, "lxc.Create",
		trace.WithAttributes(attribute.String("runner.name", spec.Name)),
	)
	defer span.End()

	h := runner.Handle{Kind: runner.KindLXC, ID: spec.Name}
	if spec.Image.Path == "" {
		return runner.Handle{}, fmt.Errorf("%w: image %s has no rootfs archive", runner.ErrProvision, spec.Image.Ref)
	}

	if out, err := d.run(ctx, "lxc-create", "-P", d.cfg.Path, "-n", spec.Name, "-t", "none"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lxc-create failed")
		// lxc-create may have written the container before failing or
		// before ctx ended.
		d.removePartial(ctx, h)
		return runner.Handle{}, classifyCreate(spec.Name, out, err)
	}

	if err := d.populate(ctx, spec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "populate failed")
		d.removePartial(ctx, h)
		return runner.Handle{}, fmt.Errorf("%w: %w", runner.ErrProvision, err)
	}

	d.logger.Info("runner container created",
		slog.String("name", spec.Name),
		slog.String("image", spec.Image.Ref.String()),
	)
	return h, nil
}

func (d *Driver) removePartial(ctx context.Context, h runner.Handle) {
	cctx, cancel := engine.CleanupContext(ctx)
	defer cancel()
	if err := d.Destroy(cctx, h); err != nil {
		d.logger.Error("failed to clean up partially created container",
			slog.String("name", h.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Driver) populate(ctx context.Context, spec engine.CreateSpec) error {
	rootfs := filepath.Join(d.containerDir(spec.Name), "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return fmt.Errorf("create rootfs %s: %w", rootfs, err)
	}
	if _, err := d.run(ctx, "tar", "--numeric-owner", "-xpf", spec.Image.Path, "-C", rootfs); err != nil {
		return fmt.Errorf("unpack %s: %w", spec.Image.Path, err)
	}

	f, err := os.OpenFile(filepath.Join(d.containerDir(spec.Name), "config"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open container config: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(d.configFragment(spec)); err != nil {
		return fmt.Errorf("write container config: %w", err)
	}
	return f.Close()
}

// configFragment renders the sandbox as LXC configuration keys.
func (d *Driver) configFragment(spec engine.CreateSpec) string {
	sb := spec.Sandbox
	var b strings.Builder
	line := func(k, v string) { fmt.Fprintf(&b, "%s = %s\n", k, v) }

	b.WriteString("\n# runnerfleet sandbox\n")
	line("lxc.rootfs.path", "dir:"+filepath.Join(d.containerDir(spec.Name), "rootfs"))
	line("lxc.uts.name", spec.Name)
	line("lxc.init.cmd", d.cfg.Init)

	keep := "none"
	if len(sb.LinuxCapsAdd) > 0 {
		caps := make([]string, len(sb.LinuxCapsAdd))
		for i, c := range sb.LinuxCapsAdd {
			caps[i] = strings.ToLower(c)
		}
		keep = strings.Join(caps, " ")
	}
	line("lxc.cap.keep", keep)

	if sb.NoNewPrivileges {
		line("lxc.no_new_privs", "1")
	}

	if sb.NetworkEgress {
		line("lxc.net.0.type", "veth")
		line("lxc.net.0.link", d.cfg.Bridge)
		line("lxc.net.0.flags", "up")
	} else {
		line("lxc.net.0.type", "empty")
	}

	if sb.ReadOnlyRootfs {
		line("lxc.rootfs.options", "ro")
		line("lxc.mount.entry", "tmpfs tmp tmpfs rw,nosuid,nodev,size=1g 0 0")
		line("lxc.mount.entry", "tmpfs run tmpfs rw,nosuid,nodev,noexec,size=64m 0 0")
	}

	if sb.NestedContainers {
		line("lxc.include", "/usr/share/lxc/config/nesting.conf")
	}

	for _, dev := range sb.Devices {
		if dev == "/dev/kvm" {
			line("lxc.cgroup2.devices.allow", "c 10:232 rwm")
		}
		line("lxc.mount.entry", fmt.Sprintf("%s %s none bind,create=file 0 0", dev, strings.TrimPrefix(dev, "/")))
	}

	for _, k := range slices.Sorted(maps.Keys(spec.Labels)) {
		fmt.Fprintf(&b, "# label %s=%s\n", k, spec.Labels[k])
	}
	return b.String()
}

// Start boots the container and waits for RUNNING.
func (d *Driver) Start(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "lxc.Start",
		trace.WithAttributes(attribute.String("runner.name", h.ID)),
	)
	defer span.End()

	if out, err := d.run(ctx, "lxc-start", "-P", d.cfg.Path, "-n", h.ID, "-d"); err != nil {
		span.RecordError(err)
		err = fmt.Errorf("%w: lxc-start %s: %w", runner.ErrStart, h.ID, err)
		if isBusy(out) {
			return runner.Transient(err)
		}
		return err
	}

	timeout := strconv.Itoa(int(d.cfg.BootTimeout / time.Second))
	if _, err := d.run(ctx, "lxc-wait", "-P", d.cfg.Path, "-n", h.ID, "-s", "RUNNING", "-t", timeout); err != nil {
		span.RecordError(err)
		return runner.Transient(fmt.Errorf("%w: %s did not reach RUNNING: %w", runner.ErrStart, h.ID, err))
	}

	d.logger.Info("runner container started", slog.String("name", h.ID))
	return nil
}

// ExecAttach runs job with lxc-attach in a clean environment.
func (d *Driver) ExecAttach(ctx context.Context, h runner.Handle, job runner.Job) (<-chan runner.ExecResult, error) {
	state, err := d.state(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", runner.ErrAttach, err)
	}
	if state != "RUNNING" {
		return nil, fmt.Errorf("%w: container %s is %s", runner.ErrAttach, h.ID, strings.ToLower(state))
	}
	if len(job.Command) == 0 {
		return nil, fmt.Errorf("%w: job %s has no command", runner.ErrAttach, job.ID)
	}

	args := []string{"-P", d.cfg.Path, "-n", h.ID, "--clear-env"}
	for _, k := range slices.Sorted(maps.Keys(job.Env)) {
		args = append(args, "--set-var", k+"="+job.Env[k])
	}
	args = append(args, "--")
	if job.WorkDir != "" {
		args = append(args, "/bin/sh", "-c", `cd "$0" && exec "$@"`, job.WorkDir)
	}
	args = append(args, job.Command...)

	d.logger.Info("job attached", slog.String("name", h.ID), slog.String("job", job.ID))

	out := make(chan runner.ExecResult, 1)
	go func() {
		defer close(out)
		w := engine.NewLineLogger(d.logger, h.ID)
		code, err := d.exec.Run(ctx, command{Name: "lxc-attach", Args: args, Stdout: w, Stderr: w})
		w.Flush()
		if err != nil {
			out <- runner.ExecResult{ExitCode: -1, Err: err}
			return
		}
		out <- runner.ExecResult{ExitCode: code}
	}()
	return out, nil
}

// Health implements engine.Driver.
func (d *Driver) Health(ctx context.Context, h runner.Handle) error {
	state, err := d.state(ctx, h.ID)
	if err != nil {
		return err
	}
	if state != "RUNNING" {
		return fmt.Errorf("container %s is %s", h.ID, strings.ToLower(state))
	}
	return nil
}

// Destroy force-destroys the container, stopping it first if needed.
// A container that does not exist is already destroyed.
func (d *Driver) Destroy(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "lxc.Destroy",
		trace.WithAttributes(attribute.String("runner.name", h.ID)),
	)
	defer span.End()

	if _, err := os.Stat(filepath.Join(d.containerDir(h.ID), "config")); errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("runner already gone", slog.String("name", h.ID))
		// lxc-create may have left an empty directory behind.
		_ = os.RemoveAll(d.containerDir(h.ID))
		return nil
	}

	d.logger.Info("destroying runner", slog.String("name", h.ID))

	out, err := d.run(ctx, "lxc-destroy", "-P", d.cfg.Path, "-n", h.ID, "-f")
	if err != nil {
		span.RecordError(err)
		err = fmt.Errorf("lxc-destroy %s: %w", h.ID, err)
		if isBusy(out) {
			return runner.Transient(err)
		}
		return err
	}
	return nil
}

// Close implements engine.Driver.
func (d *Driver) Close() error { return nil }

func (d *Driver) containerDir(name string) string {
	return filepath.Join(d.cfg.Path, name)
}

func (d *Driver) state(ctx context.Context, name string) (string, error) {
	out, err := d.run(ctx, "lxc-info", "-P", d.cfg.Path, "-n", name, "-s", "-H")
	if err != nil {
		return "", fmt.Errorf("lxc-info %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// run executes a tool and returns its combined output.  A non-zero exit
// is an error carrying the tool's last output line.
func (d *Driver) run(ctx context.Context, name string, args ...string) (string, error) {
	var buf bytes.Buffer
	code, err := d.exec.Run(ctx, command{Name: name, Args: args, Stdout: &buf, Stderr: &buf})
	out := buf.String()
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, fmt.Errorf("%s exited %d: %s", name, code, lastLine(out))
	}
	return out, nil
}

func classifyCreate(name, out string, err error) error {
	switch {
	case strings.Contains(out, "No space left"), strings.Contains(out, "Too many"):
		return fmt.Errorf("%w: lxc-create %s: %w", runner.ErrResourceExhausted, name, err)
	case isBusy(out):
		return runner.Transient(fmt.Errorf("%w: lxc-create %s: %w", runner.ErrProvision, name, err))
	default:
		return fmt.Errorf("%w: lxc-create %s: %w", runner.ErrProvision, name, err)
	}
}

func isBusy(out string) bool {
	return strings.Contains(out, "busy") || strings.Contains(out, "Resource temporarily unavailable")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
