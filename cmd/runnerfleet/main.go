package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/runnerfleet/internal/buildinfo"
	"github.com/terrpan/runnerfleet/internal/config"
	"github.com/terrpan/runnerfleet/internal/coordinator"
	"github.com/terrpan/runnerfleet/internal/fleet"
	"github.com/terrpan/runnerfleet/internal/health"
	"github.com/terrpan/runnerfleet/internal/otel"
	"github.com/terrpan/runnerfleet/internal/scaler"
	"github.com/terrpan/runnerfleet/internal/webhook"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerfleet",
	Short: "Ephemeral, sandboxed CI runners on Docker, containerd, LXC or Compute Engine",
	Long: `runnerfleet provisions one short-lived runner per CI job, runs the job
inside a capability-restricted sandbox, and destroys the runner afterwards.

Runners are registered either through a GitHub Actions Runner Scale Set
(coordinator.mode: scaleset) or against a single repository driven by
workflow_job webhooks (coordinator.mode: github-repo).

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      buildinfo.String(),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfgPath, "config", config.DefaultPath(), "Path to YAML configuration file")

	// Fleet overrides
	f.StringVar(&flagOverrides.Provider, "provider", "", "Default provider (docker, containerd, lxc, gce)")
	f.IntVar(&flagOverrides.MaxConcurrent, "max-concurrent", 0, "Maximum live runners per provider")
	f.StringSliceVar(&flagOverrides.CapabilitySet, "capability", nil, "Capability granted by default (repeatable)")
	f.IntVar(&flagOverrides.DeadlineSeconds, "deadline-seconds", 0, "Absolute runner lifetime in seconds")
	f.StringVar(&flagOverrides.ImageSource, "image-source", "", "Image origin: directory, http(s) URL, or \"backend\"")
	f.StringVar(&flagOverrides.Image, "image", "", "Default image reference (name:hash)")
	f.StringVar(&flagOverrides.Ledger.Path, "ledger", "", "Path to the fleet ledger database")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub URL runners register against (e.g. https://github.com/org/repo)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token")
	f.StringVar(&flagOverrides.GitHub.App.ClientID, "app-client-id", "", "GitHub App client ID")
	f.Int64Var(&flagOverrides.GitHub.App.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.App.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")

	// Scale set overrides
	f.StringVar(&flagOverrides.ScaleSet.Name, "name", "", "Scale set name")
	f.IntVar(&flagOverrides.ScaleSet.MinRunners, "min-runners", 0, "Minimum number of runners")
	f.IntVar(&flagOverrides.ScaleSet.MaxRunners, "max-runners", 0, "Maximum number of runners")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}

	setString(&cfg.Provider, flagOverrides.Provider)
	setInt(&cfg.MaxConcurrent, flagOverrides.MaxConcurrent)
	if len(flagOverrides.CapabilitySet) > 0 {
		cfg.CapabilitySet = flagOverrides.CapabilitySet
	}
	setInt(&cfg.DeadlineSeconds, flagOverrides.DeadlineSeconds)
	setString(&cfg.ImageSource, flagOverrides.ImageSource)
	setString(&cfg.Image, flagOverrides.Image)
	setString(&cfg.Ledger.Path, flagOverrides.Ledger.Path)

	setString(&cfg.GitHub.URL, flagOverrides.GitHub.URL)
	setString(&cfg.GitHub.Token, flagOverrides.GitHub.Token)
	setString(&cfg.GitHub.App.ClientID, flagOverrides.GitHub.App.ClientID)
	if flagOverrides.GitHub.App.InstallationID != 0 {
		cfg.GitHub.App.InstallationID = flagOverrides.GitHub.App.InstallationID
	}
	setString(&cfg.GitHub.App.PrivateKeyPath, flagOverrides.GitHub.App.PrivateKeyPath)

	setString(&cfg.ScaleSet.Name, flagOverrides.ScaleSet.Name)
	setInt(&cfg.ScaleSet.MinRunners, flagOverrides.ScaleSet.MinRunners)
	setInt(&cfg.ScaleSet.MaxRunners, flagOverrides.ScaleSet.MaxRunners)

	setString(&cfg.Logging.Level, flagOverrides.Logging.Level)
	setString(&cfg.Logging.Format, flagOverrides.Logging.Format)
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger(os.Stdout)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("provider", cfg.Provider),
		slog.Int("maxConcurrent", cfg.MaxConcurrent),
		slog.String("coordinator", cfg.Coordinator.Mode),
		slog.String("ledger", cfg.Ledger.Path),
	)

	// ---------------------------------------------------------------
	// 2. Telemetry
	// ---------------------------------------------------------------
	otelCfg := cfg.OTelSetup(os.Stdout)
	var registry *prometheus.Registry
	if *cfg.HTTP.Metrics {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		otelCfg.Registry = registry
	}
	shutdownOTel, err := otel.Setup(ctx, "runnerfleet", otelCfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Ledger and providers
	// ---------------------------------------------------------------
	ldg, err := cfg.NewLedger(logger)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ldg.Close()

	providers, closeProviders, err := cfg.NewProviders(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing providers: %w", err)
	}
	defer func() {
		if err := closeProviders(); err != nil {
			logger.Warn("closing providers failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Coordinator
	// ---------------------------------------------------------------
	var (
		coord      coordinator.Coordinator
		sessionRun func(context.Context, *fleet.Orchestrator) error
	)
	switch cfg.Coordinator.Mode {
	case config.ModeScaleset:
		ss, cleanup, err := setupScaleSet(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		coord, err = cfg.NewCoordinator(ss.client, ss.id, logger)
		if err != nil {
			return err
		}
		sessionRun = ss.listen
	default:
		coord, err = cfg.NewCoordinator(nil, 0, logger)
		if err != nil {
			return fmt.Errorf("creating coordinator: %w", err)
		}
	}

	// ---------------------------------------------------------------
	// 5. Fleet: reconcile what a previous process left behind
	// ---------------------------------------------------------------
	orch, err := fleet.New(fleet.Config{
		Providers:      providers,
		Coordinator:    coord,
		Ledger:         ldg,
		Deadline:       cfg.Deadline(),
		Grace:          cfg.Grace(),
		HealthInterval: cfg.HealthInterval(),
		Retention:      cfg.Retention(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating fleet: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting fleet: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.Grace())
		defer cancel()
		logger.Info("tearing down live runners", slog.Int("active", orch.ActiveTotal()))
		if err := orch.Shutdown(sctx); err != nil {
			logger.Error("fleet shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. HTTP surface
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.Handler(cfg.Provider, orch))
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}
	if cfg.Coordinator.Mode == config.ModeGitHubRepo {
		routes, err := cfg.WebhookRoutes()
		if err != nil {
			return err
		}
		hook, err := webhook.New(webhook.Config{
			Secret:       cfg.Webhook.Secret,
			Repositories: cfg.Webhook.Repositories,
			Routes:       routes,
			Fleet:        orch,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("creating webhook: %w", err)
		}
		hook.Register(mux)
	}

	// ---------------------------------------------------------------
	// 7. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, cfg.HTTP.Addr, mux, logger)
	})
	if sessionRun != nil {
		g.Go(func() error {
			return sessionRun(gctx, orch)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}

// scaleSet is a registered runner scale set and its listener wiring.
type scaleSet struct {
	cfg    *config.Config
	client *scaleset.Client
	id     int
	logger *slog.Logger
}

func setupScaleSet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*scaleSet, func(), error) {
	client, err := cfg.NewScalesetClient()
	if err != nil {
		return nil, nil, fmt.Errorf("creating scaleset client: %w", err)
	}

	var runnerGroupID int
	switch cfg.ScaleSet.RunnerGroup {
	case scaleset.DefaultRunnerGroup:
		runnerGroupID = 1
	default:
		rg, err := client.GetRunnerGroupByName(ctx, cfg.ScaleSet.RunnerGroup)
		if err != nil {
			return nil, nil, fmt.Errorf("looking up runner group %q: %w", cfg.ScaleSet.RunnerGroup, err)
		}
		runnerGroupID = rg.ID
	}

	set, err := client.CreateRunnerScaleSet(ctx, &scaleset.RunnerScaleSet{
		Name:          cfg.ScaleSet.Name,
		RunnerGroupID: runnerGroupID,
		Labels:        cfg.BuildLabels(),
		RunnerSetting: scaleset.RunnerSetting{
			DisableUpdate: true,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating runner scale set: %w", err)
	}
	logger.Info("runner scale set created",
		slog.Int("scaleSetID", set.ID),
		slog.String("name", set.Name),
	)

	client.SetSystemInfo(scaleset.SystemInfo{
		System:     "runnerfleet",
		Subsystem:  "daemon",
		Version:    buildinfo.Version,
		CommitSHA:  buildinfo.Commit,
		ScaleSetID: set.ID,
	})

	cleanup := func() {
		logger.Info("deleting runner scale set", slog.Int("scaleSetID", set.ID))
		if err := client.DeleteRunnerScaleSet(context.WithoutCancel(ctx), set.ID); err != nil {
			logger.Error("failed to delete runner scale set",
				slog.Int("scaleSetID", set.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return &scaleSet{cfg: cfg, client: client, id: set.ID, logger: logger}, cleanup, nil
}

// listen runs the scale set message session until ctx ends.
func (ss *scaleSet) listen(ctx context.Context, orch *fleet.Orchestrator) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = uuid.NewString()
		ss.logger.Warn("could not get hostname, using uuid",
			slog.String("fallback", hostname),
			slog.String("error", err.Error()),
		)
	}

	sessionClient, err := ss.client.MessageSessionClient(ctx, ss.id, hostname)
	if err != nil {
		return fmt.Errorf("creating message session: %w", err)
	}
	defer sessionClient.Close(context.WithoutCancel(ctx))

	image, err := ss.cfg.DefaultImage()
	if err != nil {
		return err
	}
	caps, err := ss.cfg.DefaultCapabilities()
	if err != nil {
		return err
	}

	s := scaler.New(scaler.Config{
		Kind:         ss.cfg.DefaultKind(),
		Image:        image,
		Capabilities: caps,
		MinRunners:   ss.cfg.ScaleSet.MinRunners,
		MaxRunners:   ss.cfg.ScaleSet.MaxRunners,
		Fleet:        orch,
		Logger:       ss.logger.WithGroup("scaler"),
	})

	l, err := listener.New(sessionClient, listener.Config{
		ScaleSetID: ss.id,
		MaxRunners: ss.cfg.ScaleSet.MaxRunners,
		Logger:     ss.logger.WithGroup("listener"),
	})
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	ss.logger.Info("starting listener")
	if err := l.Run(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("listener: %w", err)
	}
	return nil
}
