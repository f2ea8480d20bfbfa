package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/reportvault/internal/common/logger"
	"github.com/fleetgate/reportvault/internal/common/yamlutil"
	"github.com/fleetgate/reportvault/pkg/types"
)

// Config is the full report-vault configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      logger.Config  `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Events   EventsConfig   `yaml:"events"`
}

// ServerConfig controls the public HTTP listener.
type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Timeout types.Duration `yaml:"timeout"`
}

// UpstreamConfig controls access to the remote rendering API and the
// bounded status-check retry policy.
type UpstreamConfig struct {
	// BaseURL is the rendering API origin, e.g. "https://tracking.example.com".
	// Relative output-file paths from status responses resolve against it.
	BaseURL string `yaml:"base_url"`

	// Timeout applies to each individual upstream HTTP call.
	Timeout types.Duration `yaml:"timeout"`

	// StatusAttempts bounds how many times a transiently failing status
	// check is attempted before the render is reported as not ready.
	StatusAttempts int `yaml:"status_attempts"`

	// StatusRetryDelay is the fixed delay between status attempts.
	StatusRetryDelay types.Duration `yaml:"status_retry_delay"`
}

// LedgerConfig controls the render ledger database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig controls artifact persistence backends.
type StorageConfig struct {
	Local LocalStorageConfig `yaml:"local"`
	Drive DriveStorageConfig `yaml:"drive"`
}

// LocalStorageConfig controls the filesystem fallback backend.
type LocalStorageConfig struct {
	BasePath string `yaml:"base_path"`
}

// DriveStorageConfig controls the remote object-storage backend.
// CredentialPaths are tried in order; CredentialEnv names an environment
// variable holding a path tried last. An empty resolution disables the
// backend and artifacts are stored locally only.
type DriveStorageConfig struct {
	Bucket          string   `yaml:"bucket"`
	ObjectPrefix    string   `yaml:"object_prefix"`
	CredentialPaths []string `yaml:"credential_paths"`
	CredentialEnv   string   `yaml:"credential_env"`
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// EventsConfig controls the fetch event audit log.
type EventsConfig struct {
	File EventFileConfig `yaml:"file"`
}

// EventFileConfig controls the JSON-lines event file output.
type EventFileConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Path     string                `yaml:"path"`
	Rotation logger.RotationConfig `yaml:"rotation"`
}

// Manager loads and holds the immutable service configuration.
type Manager struct {
	config     *Config
	configPath string
	logger     *zap.Logger
}

// NewManager loads configuration from the given path.
func NewManager(configPath string, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		configPath: configPath,
		logger:     log,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

// GetConfig returns the loaded configuration.
func (m *Manager) GetConfig() *Config {
	return m.config
}

// load reads, parses, defaults and validates the configuration file.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.config = &cfg
	m.logger.Debug("Configuration loaded",
		zap.String("config_path", m.configPath),
		zap.String("listen", cfg.Server.Listen),
		zap.String("upstream", cfg.Upstream.BaseURL))

	return nil
}

// Defaults applied when the configuration file leaves fields unset.
const (
	DefaultListen           = "0.0.0.0:8080"
	DefaultServerTimeout    = 120 * time.Second
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultStatusAttempts   = 3
	DefaultStatusRetryDelay = 2 * time.Second
	DefaultLedgerPath       = "data/ledger.db"
	DefaultStorageBasePath  = "data/artifacts"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "reportvault"
)

func (cfg *Config) applyDefaults() {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = types.Duration(DefaultServerTimeout)
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = types.Duration(DefaultUpstreamTimeout)
	}
	if cfg.Upstream.StatusAttempts == 0 {
		cfg.Upstream.StatusAttempts = DefaultStatusAttempts
	}
	if cfg.Upstream.StatusRetryDelay == 0 {
		cfg.Upstream.StatusRetryDelay = types.Duration(DefaultStatusRetryDelay)
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = DefaultLedgerPath
	}
	if cfg.Storage.Local.BasePath == "" {
		cfg.Storage.Local.BasePath = DefaultStorageBasePath
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}

	// If both log outputs are disabled (zero values), enable console by default
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Enabled && cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = logger.FormatConsole
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Format == "" {
		cfg.Log.File.Format = logger.FormatText
	}
}

// Validate checks configuration consistency.
func (cfg *Config) Validate() error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}

	parsed, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute URL", cfg.Upstream.BaseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upstream.base_url scheme %q must be http or https", parsed.Scheme)
	}

	if cfg.Upstream.StatusAttempts < 1 {
		return fmt.Errorf("upstream.status_attempts must be at least 1")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics are enabled")
		}
		if cfg.Metrics.Listen == cfg.Server.Listen {
			return fmt.Errorf("metrics.listen must differ from server.listen")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}

	if cfg.Events.File.Enabled && cfg.Events.File.Path == "" {
		return fmt.Errorf("events.file.path is required when event logging is enabled")
	}

	return nil
}
