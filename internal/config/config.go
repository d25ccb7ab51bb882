package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ShellConfig describes the application shell precached at install time.
// Manifest population is atomic: if any URL fails to fetch, the whole
// install fails and the previous generation stays current.
type ShellConfig struct {
	// Version numbers the static/dynamic cache generation pair. Bumping it
	// forces a fresh install and prunes the superseded generations.
	Version int `yaml:"version" json:"version"`

	// Manifest lists root-relative shell URLs fetched eagerly at install.
	Manifest []string `yaml:"manifest" json:"manifest"`

	// OfflinePath is the cached page served when a navigation fails both
	// network and cache. It must appear in the manifest.
	OfflinePath string `yaml:"offline_path" json:"offline_path"`
}

// RoutesConfig selects cache strategies by URL pattern.
type RoutesConfig struct {
	// APIPrefix marks endpoints handled network-first (reads) and
	// intercepted for outbox queuing (mutations).
	APIPrefix string `yaml:"api_prefix" json:"api_prefix"`

	// EntityLists names API read endpoints whose JSON array responses are
	// mirrored into the local entities collection for offline reads.
	EntityLists []string `yaml:"entity_lists" json:"entity_lists"`
}

// ReplayConfig tunes the sync replay worker.
type ReplayConfig struct {
	// SweepCron is a 5-field cron expression for periodic full-outbox
	// sweeps. Sweeps cover degraded mode, where no bus activation arrives.
	SweepCron string `yaml:"sweep_cron" json:"sweep_cron"`

	// Concurrency bounds in-flight replays within one activation.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// MaxAttempts moves a record to the dead-letter table after this many
	// failed replays. 0 retries forever.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// RequestTimeoutSeconds bounds each replayed HTTP request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
}

// ProbeConfig tunes the upstream connectivity prober.
type ProbeConfig struct {
	Path            string `yaml:"path" json:"path"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
}

// OTelConfig configures telemetry export.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-" json:"-"`

	// UpstreamURL is the base URL of the backend REST API being fronted.
	UpstreamURL string `yaml:"upstream_url" json:"upstream_url"`

	BindAddr string `yaml:"bind_addr" json:"bind_addr"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// AuthToken, when set, is required as a Bearer token on gateway
	// control endpoints (/api/outbox*). Empty disables auth.
	AuthToken string `yaml:"auth_token" json:"auth_token"`

	Shell  ShellConfig  `yaml:"shell" json:"shell"`
	Routes RoutesConfig `yaml:"routes" json:"routes"`
	Replay ReplayConfig `yaml:"replay" json:"replay"`
	Probe  ProbeConfig  `yaml:"probe" json:"probe"`
	OTel   OTelConfig   `yaml:"otel" json:"otel"`
}

const configFileName = "config.yaml"

// DefaultHomeDir resolves the syncbox data directory: $SYNCBOX_HOME or
// ~/.syncbox.
func DefaultHomeDir() string {
	if env := strings.TrimSpace(os.Getenv("SYNCBOX_HOME")); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".syncbox")
}

// Load reads config.yaml from the home directory, applies defaults and
// environment overrides, and validates the result. A missing file yields
// a pure-defaults config.
func Load() (*Config, error) {
	return LoadFrom(DefaultHomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (*Config, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFileName, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", configFileName, err)
	}
	cfg.HomeDir = homeDir

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = "http://127.0.0.1:5000"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8780"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Shell.Version <= 0 {
		cfg.Shell.Version = 1
	}
	if cfg.Shell.OfflinePath == "" {
		cfg.Shell.OfflinePath = "/offline"
	}
	if len(cfg.Shell.Manifest) == 0 {
		cfg.Shell.Manifest = []string{
			"/",
			"/offline",
			"/static/js/common.js",
			"/static/js/calendar.js",
			"/static/js/invoice.js",
		}
	}
	if !contains(cfg.Shell.Manifest, cfg.Shell.OfflinePath) {
		cfg.Shell.Manifest = append(cfg.Shell.Manifest, cfg.Shell.OfflinePath)
	}
	if cfg.Routes.APIPrefix == "" {
		cfg.Routes.APIPrefix = "/api/"
	}
	if len(cfg.Routes.EntityLists) == 0 {
		cfg.Routes.EntityLists = []string{"/api/transactions/"}
	}
	if cfg.Replay.SweepCron == "" {
		cfg.Replay.SweepCron = "* * * * *"
	}
	if cfg.Replay.Concurrency <= 0 {
		cfg.Replay.Concurrency = 4
	}
	if cfg.Replay.MaxAttempts < 0 {
		cfg.Replay.MaxAttempts = 0
	}
	if cfg.Replay.RequestTimeoutSeconds <= 0 {
		cfg.Replay.RequestTimeoutSeconds = 30
	}
	if cfg.Probe.Path == "" {
		cfg.Probe.Path = "/"
	}
	if cfg.Probe.IntervalSeconds <= 0 {
		cfg.Probe.IntervalSeconds = 30
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "syncbox"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "stdout"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SYNCBOX_UPSTREAM_URL")); v != "" {
		cfg.UpstreamURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCBOX_BIND_ADDR")); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCBOX_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCBOX_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SYNCBOX_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Replay.MaxAttempts = n
		}
	}
}

// ReplayTimeout returns the per-request replay timeout as a duration.
func (c *Config) ReplayTimeout() time.Duration {
	return time.Duration(c.Replay.RequestTimeoutSeconds) * time.Second
}

// ProbeInterval returns the connectivity probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Probe.IntervalSeconds) * time.Second
}

// Fingerprint returns a short stable hash of the effective configuration,
// exposed on /healthz so operators can confirm which config is live.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	out, _ := yaml.Marshal(c)
	_, _ = h.Write(out)
	return strconv.FormatUint(h.Sum64(), 16)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
