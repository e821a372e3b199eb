// Package config handles loading, validating, and applying
// configuration for the runnerfleet daemon.  Configuration is read from
// a YAML file and can be overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/actions/scaleset"
	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Coordinator modes.
const (
	ModeScaleset   = "scaleset"
	ModeGitHubRepo = "github-repo"
)

// ImageSourceBackend makes each provider fetch images through its own
// daemon or cloud API.
const ImageSourceBackend = "backend"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Provider is the default backend: docker, containerd, lxc or gce.
	Provider string `yaml:"provider"`

	// MaxConcurrent bounds live runners per provider unless the provider
	// section sets its own bound.
	MaxConcurrent int `yaml:"max_concurrent"`

	// CapabilitySet is granted to runners that do not ask for their own.
	CapabilitySet []string `yaml:"capability_set"`

	// DeadlineSeconds is the absolute runner lifetime.
	DeadlineSeconds int `yaml:"deadline_seconds"`

	// ImageSource is where base images are fetched from: a directory,
	// an http(s) URL, or "backend".
	ImageSource string `yaml:"image_source"`

	// Image is the default image reference, "name:hash".
	Image string `yaml:"image"`

	// CacheDir holds fetched image artifacts.
	CacheDir string `yaml:"cache_dir"`

	GraceSeconds          int `yaml:"grace_seconds"`
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	// RetentionSeconds is how long a terminated runner stays observable.
	RetentionSeconds int `yaml:"retention_seconds"`

	Ledger      LedgerConfig      `yaml:"ledger"`
	Retry       RetryConfig       `yaml:"retry"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Providers   ProvidersConfig   `yaml:"providers"`
	GitHub      GitHubConfig      `yaml:"github"`
	ScaleSet    ScaleSetConfig    `yaml:"scaleset"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Logging     LoggingConfig     `yaml:"logging"`
	OTel        OTelConfig        `yaml:"otel"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// LedgerConfig locates the fleet ledger.
type LedgerConfig struct {
	// Path is the SQLite database file.  ":memory:" keeps the ledger in
	// process, which loses crash recovery.
	Path string `yaml:"path"`
}

// RetryConfig bounds backoff on transient backend errors.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// CoordinatorConfig selects how runners are registered with GitHub.
type CoordinatorConfig struct {
	// Mode is "scaleset" (JIT runners in a runner scale set) or
	// "github-repo" (registration tokens plus webhook intake).
	Mode string `yaml:"mode"`

	// RunnerDir holds the runner agent inside images.
	// Default: /home/runner
	RunnerDir string `yaml:"runner_dir"`

	// Labels are requested for every runner in github-repo mode.
	Labels []string `yaml:"labels"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the registration URL.
type GitHubConfig struct {
	// URL is the GitHub URL runners register against
	// (e.g. https://github.com/org/repo).
	URL string `yaml:"url"`

	// App holds GitHub App credentials (scaleset mode only).
	App GitHubAppConfig `yaml:"app"`

	// Token is a personal access token.  Required in github-repo mode.
	Token string `yaml:"token"`
}

// GitHubAppConfig mirrors scaleset.GitHubAppAuth but adds a
// PrivateKeyPath field so the key can live in a file.
type GitHubAppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey wins over PrivateKeyPath when both are set.
	PrivateKey string `yaml:"private_key"`
}

// ScaleSetConfig describes the runner scale set to create.
type ScaleSetConfig struct {
	Name        string   `yaml:"name"`
	Labels      []string `yaml:"labels"`
	RunnerGroup string   `yaml:"runner_group"`
	MinRunners  int      `yaml:"min_runners"`
	MaxRunners  int      `yaml:"max_runners"`
}

// WebhookConfig configures workflow_job intake in github-repo mode.
type WebhookConfig struct {
	Secret       string        `yaml:"secret"`
	Repositories []string      `yaml:"repositories"`
	Routes       []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a job label to a runner.  Empty fields fall back to
// the top-level provider, image and capability_set.
type RouteConfig struct {
	Label        string   `yaml:"label"`
	Provider     string   `yaml:"provider"`
	Image        string   `yaml:"image"`
	Capabilities []string `yaml:"capabilities"`
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ProvidersConfig holds per-backend settings.  The default provider is
// always enabled; others are enabled by their Enabled flag.
type ProvidersConfig struct {
	Docker     DockerConfig     `yaml:"docker"`
	Containerd ContainerdConfig `yaml:"containerd"`
	LXC        LXCConfig        `yaml:"lxc"`
	GCE        GCEConfig        `yaml:"gce"`
}

// PoolConfig is shared by every provider section.
type PoolConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

// DockerConfig holds Docker settings.
type DockerConfig struct {
	PoolConfig  `yaml:",inline"`
	User        string `yaml:"user"`
	Network     string `yaml:"network"`
	Socket      string `yaml:"socket"`
	MemoryBytes int64  `yaml:"memory_bytes"`
	NanoCPUs    int64  `yaml:"nano_cpus"`
	PidsLimit   int64  `yaml:"pids_limit"`
}

// ContainerdConfig holds containerd settings.
type ContainerdConfig struct {
	PoolConfig  `yaml:",inline"`
	Address     string `yaml:"address"`
	Namespace   string `yaml:"namespace"`
	Snapshotter string `yaml:"snapshotter"`
	Runtime     string `yaml:"runtime"`
}

// LXCConfig holds LXC settings.
type LXCConfig struct {
	PoolConfig  `yaml:",inline"`
	Path        string        `yaml:"path"`
	Bridge      string        `yaml:"bridge"`
	Init        string        `yaml:"init"`
	BootTimeout time.Duration `yaml:"boot_timeout"`
}

// GCEConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials.
type GCEConfig struct {
	PoolConfig `yaml:",inline"`

	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	DiskSizeGB  int64  `yaml:"disk_size_gb"`
	Network     string `yaml:"network"`
	Subnet      string `yaml:"subnet"`

	// PublicIP gives runners granted egress an external address.
	// Default: true.  A *bool distinguishes unset from false.
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string        `yaml:"service_account"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BootTimeout    time.Duration `yaml:"boot_timeout"`
}

// ---------------------------------------------------------------------------
// Logging, OpenTelemetry, HTTP
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	StdOut      bool    `yaml:"stdout"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HTTPConfig controls the /healthz, /metrics and webhook listener.
type HTTPConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`
	// Metrics serves Prometheus metrics on /metrics.  Default: true.
	Metrics *bool `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// DefaultPath is $XDG_CONFIG_HOME/runnerfleet/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "runnerfleet", "config.yaml")
}

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields zero values, to be filled by flag overrides
// before Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = string(runner.KindDocker)
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if len(c.CapabilitySet) == 0 {
		c.CapabilitySet = []string{string(runner.CapNetworkEgress)}
	}
	if c.DeadlineSeconds == 0 {
		c.DeadlineSeconds = 3600
	}
	if c.GraceSeconds == 0 {
		c.GraceSeconds = 30
	}
	if c.HealthIntervalSeconds == 0 {
		c.HealthIntervalSeconds = 30
	}
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = 3600
	}
	if c.CacheDir == "" {
		c.CacheDir = imagestore.DefaultCacheDir()
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(xdg.StateHome, "runnerfleet", "ledger.db")
	}
	if c.Coordinator.Mode == "" {
		c.Coordinator.Mode = ModeScaleset
	}
	if c.ScaleSet.RunnerGroup == "" {
		c.ScaleSet.RunnerGroup = scaleset.DefaultRunnerGroup
	}
	if c.ScaleSet.MaxRunners == 0 {
		c.ScaleSet.MaxRunners = c.MaxConcurrent
	}
	if c.Providers.GCE.PublicIP == nil {
		t := true
		c.Providers.GCE.PublicIP = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.Metrics == nil {
		t := true
		c.HTTP.Metrics = &t
	}
}

// Validate applies defaults and checks that the configuration is
// complete and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := runner.ParseKind(c.Provider); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if _, err := runner.ParseCapabilitySet(c.CapabilitySet); err != nil {
		return fmt.Errorf("capability_set: %w", err)
	}
	if c.DeadlineSeconds < 0 {
		return fmt.Errorf("deadline_seconds must be positive, got %d", c.DeadlineSeconds)
	}
	if c.Image != "" {
		if _, err := runner.ParseImageRef(c.Image); err != nil {
			return fmt.Errorf("image: %w", err)
		}
	}

	for _, k := range c.Kinds() {
		if err := c.validateProvider(k); err != nil {
			return err
		}
	}
	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}

	switch c.Coordinator.Mode {
	case ModeScaleset:
		return c.validateScaleSet()
	case ModeGitHubRepo:
		return c.validateRepo()
	default:
		return fmt.Errorf("coordinator.mode %q is not supported (supported: %s, %s)", c.Coordinator.Mode, ModeScaleset, ModeGitHubRepo)
	}
}

func (c *Config) validateProvider(kind runner.Kind) error {
	if c.poolConfig(kind).MaxConcurrent < 0 {
		return fmt.Errorf("providers.%s.max_concurrent must be positive", kind)
	}
	if kind == runner.KindLXC && (c.ImageSource == "" || c.ImageSource == ImageSourceBackend) {
		return fmt.Errorf("image_source is required for provider %q", kind)
	}
	if kind != runner.KindGCE {
		return nil
	}
	if c.Providers.GCE.Project == "" {
		return fmt.Errorf("providers.gce.project is required when gce is enabled")
	}
	if c.Providers.GCE.Zone == "" {
		return fmt.Errorf("providers.gce.zone is required when gce is enabled")
	}
	return nil
}

func (c *Config) validateScaleSet() error {
	if err := c.validateAuth(); err != nil {
		return err
	}
	if c.Image == "" {
		return fmt.Errorf("image is required in %s mode", ModeScaleset)
	}
	if c.ScaleSet.Name == "" {
		return fmt.Errorf("scaleset.name is required")
	}
	for i, l := range c.ScaleSet.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("scaleset.labels[%d] is empty", i)
		}
	}
	if c.ScaleSet.MaxRunners < c.ScaleSet.MinRunners {
		return fmt.Errorf("scaleset.max_runners (%d) < scaleset.min_runners (%d)", c.ScaleSet.MaxRunners, c.ScaleSet.MinRunners)
	}
	return nil
}

func (c *Config) validateRepo() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required in %s mode", ModeGitHubRepo)
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required in %s mode", ModeGitHubRepo)
	}
	if len(c.Webhook.Routes) == 0 {
		return fmt.Errorf("webhook.routes: at least one route is required")
	}
	enabled := c.Kinds()
	for i, r := range c.Webhook.Routes {
		if strings.TrimSpace(r.Label) == "" {
			return fmt.Errorf("webhook.routes[%d].label is empty", i)
		}
		if _, err := c.route(r, enabled); err != nil {
			return fmt.Errorf("webhook.routes[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	hasToken := c.GitHub.Token != ""
	hasApp := c.GitHub.App.ClientID != "" ||
		c.GitHub.App.InstallationID != 0 ||
		c.GitHub.App.PrivateKey != "" ||
		c.GitHub.App.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return fmt.Errorf("no credentials: provide github.app (recommended) or github.token")
	}

	if hasApp {
		if c.GitHub.App.ClientID == "" {
			return fmt.Errorf("github.app.client_id is required when using GitHub App auth")
		}
		if c.GitHub.App.InstallationID == 0 {
			return fmt.Errorf("github.app.installation_id is required when using GitHub App auth")
		}
		if c.GitHub.App.PrivateKey == "" && c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app.private_key or github.app.private_key_path is required")
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// Kinds returns the enabled providers, default first.
func (c *Config) Kinds() []runner.Kind {
	def, err := runner.ParseKind(c.Provider)
	if err != nil {
		return nil
	}
	kinds := []runner.Kind{def}
	for _, k := range runner.Kinds() {
		if k != def && c.poolConfig(k).Enabled {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (c *Config) poolConfig(kind runner.Kind) PoolConfig {
	switch kind {
	case runner.KindDocker:
		return c.Providers.Docker.PoolConfig
	case runner.KindContainerd:
		return c.Providers.Containerd.PoolConfig
	case runner.KindLXC:
		return c.Providers.LXC.PoolConfig
	case runner.KindGCE:
		return c.Providers.GCE.PoolConfig
	}
	return PoolConfig{}
}

// MaxConcurrentFor returns kind's pool bound.
func (c *Config) MaxConcurrentFor(kind runner.Kind) int {
	if n := c.poolConfig(kind).MaxConcurrent; n > 0 {
		return n
	}
	return c.MaxConcurrent
}

// DefaultKind is the parsed default provider.
func (c *Config) DefaultKind() runner.Kind {
	k, _ := runner.ParseKind(c.Provider)
	return k
}

// DefaultImage parses the default image reference.
func (c *Config) DefaultImage() (runner.ImageRef, error) {
	return runner.ParseImageRef(c.Image)
}

// DefaultCapabilities parses capability_set.
func (c *Config) DefaultCapabilities() (runner.CapabilitySet, error) {
	return runner.ParseCapabilitySet(c.CapabilitySet)
}

// Deadline is the absolute runner lifetime.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// Grace bounds teardown after a runner is cancelled.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// HealthInterval paces liveness probes of executing runners.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// Retention bounds how long terminated runners stay in memory.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// BuildLabels returns scaleset.Label values from the configured labels.
// If no labels are configured, the scale set name is used as the label.
func (c *Config) BuildLabels() []scaleset.Label {
	if len(c.ScaleSet.Labels) > 0 {
		labels := make([]scaleset.Label, len(c.ScaleSet.Labels))
		for i, name := range c.ScaleSet.Labels {
			labels[i] = scaleset.Label{Name: strings.TrimSpace(name)}
		}
		return labels
	}
	return []scaleset.Label{{Name: c.ScaleSet.Name}}
}
