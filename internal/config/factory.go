package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/actions/scaleset"

	"github.com/terrpan/runnerfleet/internal/buildinfo"
	"github.com/terrpan/runnerfleet/internal/coordinator"
	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/engine/containerd"
	"github.com/terrpan/runnerfleet/internal/engine/docker"
	"github.com/terrpan/runnerfleet/internal/engine/gce"
	"github.com/terrpan/runnerfleet/internal/engine/lxc"
	"github.com/terrpan/runnerfleet/internal/fleet"
	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/ledger"
	"github.com/terrpan/runnerfleet/internal/otel"
	"github.com/terrpan/runnerfleet/internal/runner"
	"github.com/terrpan/runnerfleet/internal/webhook"
)

// NewLogger creates a *slog.Logger writing to w from the Logging
// configuration.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelSetup converts the otel section for otel.Setup.  stdout receives
// debug exports when otel.stdout is set.
func (c *Config) OTelSetup(stdout io.Writer) otel.Config {
	cfg := otel.Config{
		Enabled:     c.OTel.Enabled,
		Endpoint:    c.OTel.Endpoint,
		Insecure:    c.OTel.Insecure,
		SampleRatio: c.OTel.SampleRatio,
	}
	if c.OTel.StdOut {
		cfg.StdOut = stdout
	}
	return cfg
}

// RetryPolicy is the backoff applied to transient backend errors.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// NewDriver creates the backend driver for kind, wrapped with retry on
// transient errors.  It also returns the backend's own image source, or
// nil for backends without one.
func (c *Config) NewDriver(ctx context.Context, kind runner.Kind, logger *slog.Logger) (engine.Driver, imagestore.Source, error) {
	var (
		d   engine.Driver
		src imagestore.Source
	)
	switch kind {
	case runner.KindDocker:
		p := c.Providers.Docker
		drv, err := docker.New(docker.Config{
			User:        p.User,
			Network:     p.Network,
			Socket:      p.Socket,
			MemoryBytes: p.MemoryBytes,
			NanoCPUs:    p.NanoCPUs,
			PidsLimit:   p.PidsLimit,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		d, src = drv, drv.ImageSource()
	case runner.KindContainerd:
		p := c.Providers.Containerd
		drv, err := containerd.New(containerd.Config{
			Address:     p.Address,
			Namespace:   p.Namespace,
			Snapshotter: p.Snapshotter,
			Runtime:     p.Runtime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		d, src = drv, drv.ImageSource()
	case runner.KindLXC:
		p := c.Providers.LXC
		drv, err := lxc.New(lxc.Config{
			Path:        p.Path,
			Bridge:      p.Bridge,
			Init:        p.Init,
			BootTimeout: p.BootTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		d = drv
	case runner.KindGCE:
		p := c.Providers.GCE
		drv, err := gce.New(ctx, gce.Config{
			Project:        p.Project,
			Zone:           p.Zone,
			MachineType:    p.MachineType,
			DiskSizeGB:     p.DiskSizeGB,
			Network:        p.Network,
			Subnet:         p.Subnet,
			PublicIP:       p.PublicIP != nil && *p.PublicIP,
			ServiceAccount: p.ServiceAccount,
			PollInterval:   p.PollInterval,
			BootTimeout:    p.BootTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		d, src = drv, drv.ImageSource()
	default:
		return nil, nil, fmt.Errorf("%w: unknown provider %q", runner.ErrValidation, kind)
	}
	return engine.WithRetry(d, c.RetryPolicy(), logger), src, nil
}

// NewImageSource picks where kind's images come from.  An empty
// image_source means the backend's own source when it has one.
func (c *Config) NewImageSource(kind runner.Kind, backend imagestore.Source, logger *slog.Logger) (imagestore.Source, error) {
	switch {
	case c.ImageSource == ImageSourceBackend, c.ImageSource == "":
		if backend == nil {
			return nil, fmt.Errorf("%w: provider %q has no backend image source, set image_source", runner.ErrValidation, kind)
		}
		return backend, nil
	default:
		return imagestore.NewSource(c.ImageSource, c.imageCacheDir(kind), logger)
	}
}

// NewImageStore creates kind's verifying image cache over src.
func (c *Config) NewImageStore(kind runner.Kind, src imagestore.Source, logger *slog.Logger) (*imagestore.Store, error) {
	return imagestore.New(imagestore.Config{
		Source:   src,
		CacheDir: c.imageCacheDir(kind),
		Logger:   logger.WithGroup("imagestore").With(slog.String("provider", kind.String())),
	})
}

func (c *Config) imageCacheDir(kind runner.Kind) string {
	return filepath.Join(c.CacheDir, kind.String())
}

// NewProviders builds a driver, image source and image store for every
// enabled provider.  The returned close func releases the drivers.
func (c *Config) NewProviders(ctx context.Context, logger *slog.Logger) (map[runner.Kind]fleet.Provider, func() error, error) {
	providers := make(map[runner.Kind]fleet.Provider)
	var drivers []engine.Driver
	closeAll := func() error {
		var err error
		for _, d := range drivers {
			err = errors.Join(err, d.Close())
		}
		return err
	}

	for _, kind := range c.Kinds() {
		d, backend, err := c.NewDriver(ctx, kind, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("provider %s: %w", kind, err)
		}
		drivers = append(drivers, d)

		src, err := c.NewImageSource(kind, backend, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("provider %s: %w", kind, err)
		}
		store, err := c.NewImageStore(kind, src, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("provider %s: %w", kind, err)
		}
		providers[kind] = fleet.Provider{
			Driver:        d,
			Images:        store,
			MaxConcurrent: c.MaxConcurrentFor(kind),
		}
	}
	return providers, closeAll, nil
}

// ---------------------------------------------------------------------------
// Ledger & coordination
// ---------------------------------------------------------------------------

// NewLedger opens the fleet ledger at ledger.path.
func (c *Config) NewLedger(logger *slog.Logger) (ledger.Ledger, error) {
	if c.Ledger.Path == ":memory:" {
		logger.Warn("fleet ledger is in memory, runners will not be reconciled after a crash")
		return ledger.NewMemory(), nil
	}
	return ledger.OpenSQLite(c.Ledger.Path, logger)
}

// NewCoordinator creates the coordinator for coordinator.mode.  client
// and scaleSetID are only used in scaleset mode.
func (c *Config) NewCoordinator(client coordinator.JitConfigGenerator, scaleSetID int, logger *slog.Logger) (coordinator.Coordinator, error) {
	switch c.Coordinator.Mode {
	case ModeScaleset:
		if client == nil {
			return nil, errors.New("scaleset coordinator needs a scaleset client")
		}
		cfg := coordinator.ScalesetConfig{
			Client:     client,
			ScaleSetID: scaleSetID,
			Logger:     logger,
		}
		if c.Coordinator.RunnerDir != "" {
			cfg.AgentPath = c.Coordinator.RunnerDir + "/run.sh"
			cfg.WorkDir = c.Coordinator.RunnerDir
		}
		return coordinator.NewScaleset(cfg), nil
	case ModeGitHubRepo:
		return coordinator.NewRepo(coordinator.RepoConfig{
			URL:       c.GitHub.URL,
			Token:     c.GitHub.Token,
			Labels:    c.Coordinator.Labels,
			RunnerDir: c.Coordinator.RunnerDir,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unsupported coordinator mode: %s", c.Coordinator.Mode)
	}
}

// NewScalesetClient creates a scaleset.Client using the configured
// credentials (GitHub App or PAT).
func (c *Config) NewScalesetClient() (*scaleset.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	sysInfo := scaleset.SystemInfo{
		System:    "runnerfleet",
		Subsystem: "daemon",
		Version:   buildinfo.Version,
		CommitSHA: buildinfo.Commit,
	}

	if c.GitHub.App.ClientID != "" {
		return scaleset.NewClientWithGitHubApp(scaleset.ClientWithGitHubAppConfig{
			GitHubConfigURL: c.GitHub.URL,
			GitHubAppAuth: scaleset.GitHubAppAuth{
				ClientID:       c.GitHub.App.ClientID,
				InstallationID: c.GitHub.App.InstallationID,
				PrivateKey:     c.GitHub.App.PrivateKey,
			},
			SystemInfo: sysInfo,
		})
	}

	return scaleset.NewClientWithPersonalAccessToken(scaleset.NewClientWithPersonalAccessTokenConfig{
		GitHubConfigURL:     c.GitHub.URL,
		PersonalAccessToken: c.GitHub.Token,
		SystemInfo:          sysInfo,
	})
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// WebhookRoutes resolves webhook.routes against the defaults.
func (c *Config) WebhookRoutes() ([]webhook.Route, error) {
	enabled := c.Kinds()
	routes := make([]webhook.Route, 0, len(c.Webhook.Routes))
	for i, rc := range c.Webhook.Routes {
		r, err := c.route(rc, enabled)
		if err != nil {
			return nil, fmt.Errorf("webhook.routes[%d]: %w", i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (c *Config) route(rc RouteConfig, enabled []runner.Kind) (webhook.Route, error) {
	provider := rc.Provider
	if provider == "" {
		provider = c.Provider
	}
	kind, err := runner.ParseKind(provider)
	if err != nil {
		return webhook.Route{}, err
	}
	if !slices.Contains(enabled, kind) {
		return webhook.Route{}, fmt.Errorf("%w: provider %q is not enabled", runner.ErrValidation, kind)
	}

	image := rc.Image
	if image == "" {
		image = c.Image
	}
	ref, err := runner.ParseImageRef(image)
	if err != nil {
		return webhook.Route{}, err
	}

	capNames := rc.Capabilities
	if len(capNames) == 0 {
		capNames = c.CapabilitySet
	}
	caps, err := runner.ParseCapabilitySet(capNames)
	if err != nil {
		return webhook.Route{}, err
	}

	return webhook.Route{
		Label:        strings.TrimSpace(rc.Label),
		Kind:         kind,
		Image:        ref,
		Capabilities: caps,
	}, nil
}
