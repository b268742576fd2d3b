package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks configuration problems that must stop the process.
var ErrConfig = errors.New("invalid configuration")

// Default policies and miss modes.
const (
	PolicyDeny  = "deny"
	PolicyAllow = "allow"

	MissModeHold  = "hold"
	MissModeQueue = "queue"
)

// Config captures runtime configuration sourced from an optional YAML file and
// NETGATE_* environment variables.
type Config struct {
	Environment string `yaml:"environment" envconfig:"ENV"`
	Debug       bool   `yaml:"debug" envconfig:"DEBUG"`

	APIPort  string `yaml:"api_port" envconfig:"API_PORT"`
	HookPort string `yaml:"hook_port" envconfig:"HOOK_PORT"`

	DataDir       string `yaml:"data_dir" envconfig:"DATA_DIR"`
	RulesPath     string `yaml:"rules_path" envconfig:"RULES_PATH"`
	AccessLogPath string `yaml:"access_log_path" envconfig:"ACCESS_LOG_PATH"`
	DatabasePath  string `yaml:"database_path" envconfig:"DB_PATH"`

	DefaultPolicy  string        `yaml:"default_policy" envconfig:"DEFAULT_POLICY"`
	MissMode       string        `yaml:"miss_mode" envconfig:"MISS_MODE"`
	PendingTimeout time.Duration `yaml:"pending_timeout" envconfig:"PENDING_TIMEOUT"`
	MaxPending     int           `yaml:"max_pending" envconfig:"MAX_PENDING"`
	RecentWindow   int           `yaml:"recent_window" envconfig:"RECENT_WINDOW"`
	Permissive     bool          `yaml:"permissive" envconfig:"PERMISSIVE"`
	Interactive    bool          `yaml:"interactive" envconfig:"INTERACTIVE"`
	WatchRules     bool          `yaml:"watch_rules" envconfig:"WATCH_RULES"`

	NotifyURLs   []string      `yaml:"notify_urls" envconfig:"NOTIFY_URLS"`
	NotifyEvery  time.Duration `yaml:"notify_every" envconfig:"NOTIFY_EVERY"`
	APITokenHash string        `yaml:"api_token_hash" envconfig:"API_TOKEN_HASH"`

	Enforcement EnforcementConfig `yaml:"enforcement" envconfig:"ENFORCEMENT"`
	Backup      BackupConfig      `yaml:"backup" envconfig:"BACKUP"`
}

// EnforcementConfig configures the packet-filter bridge.
type EnforcementConfig struct {
	Enabled           bool   `yaml:"enabled" envconfig:"ENABLED"`
	ParentChain       string `yaml:"parent_chain" envconfig:"PARENT_CHAIN"`
	ProxyAddr         string `yaml:"proxy_addr" envconfig:"PROXY_ADDR"`
	ProxyPort         int    `yaml:"proxy_port" envconfig:"PROXY_PORT"`
	DNSPort           int    `yaml:"dns_port" envconfig:"DNS_PORT"`
	IPTablesPath      string `yaml:"iptables_path" envconfig:"IPTABLES_PATH"`
	Docker            bool   `yaml:"docker" envconfig:"DOCKER"`
	ReconcileSchedule string `yaml:"reconcile_schedule" envconfig:"RECONCILE_SCHEDULE"`
}

// BackupConfig configures scheduled rule file snapshots.
type BackupConfig struct {
	Schedule string `yaml:"schedule" envconfig:"SCHEDULE"`
	Keep     int    `yaml:"keep" envconfig:"KEEP"`
	Dir      string `yaml:"dir" envconfig:"DIR"`
}

// Defaults returns the configuration used when nothing is set, so the server
// can boot with zero configuration.
func Defaults() Config {
	dataDir := "data"
	return Config{
		Environment:    "production",
		APIPort:        "8081",
		HookPort:       "8082",
		DataDir:        dataDir,
		DefaultPolicy:  PolicyDeny,
		MissMode:       MissModeHold,
		PendingTimeout: 5 * time.Minute,
		MaxPending:     100,
		RecentWindow:   1000,
		WatchRules:     true,
		NotifyEvery:    10 * time.Second,
		Enforcement: EnforcementConfig{
			ParentChain:       "DOCKER-USER",
			ProxyPort:         8080,
			DNSPort:           53,
			IPTablesPath:      "iptables",
			ReconcileSchedule: "@every 5m",
		},
		Backup: BackupConfig{
			Schedule: "@daily",
			Keep:     7,
		},
	}
}

// Load reads the YAML file named by NETGATE_CONFIG (if any), applies
// NETGATE_* environment overrides and validates the result.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("NETGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read config file: %v", ErrConfig, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse config file: %v", ErrConfig, err)
		}
	}

	if err := envconfig.Process("NETGATE", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.RulesPath), filepath.Dir(cfg.AccessLogPath), filepath.Dir(cfg.DatabasePath), cfg.Backup.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Config{}, fmt.Errorf("%w: ensure data directory: %v", ErrConfig, err)
		}
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.DefaultPolicy = strings.ToLower(strings.TrimSpace(c.DefaultPolicy))
	c.MissMode = strings.ToLower(strings.TrimSpace(c.MissMode))
	if c.RulesPath == "" {
		c.RulesPath = filepath.Join(c.DataDir, "network-rules.json")
	}
	if c.AccessLogPath == "" {
		c.AccessLogPath = filepath.Join(c.DataDir, "network-access.log")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "netgate.db")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	}
}

// Validate checks values that have no safe fallback.
func (c Config) Validate() error {
	if c.DefaultPolicy != PolicyDeny && c.DefaultPolicy != PolicyAllow {
		return fmt.Errorf("%w: default_policy must be %q or %q, got %q", ErrConfig, PolicyDeny, PolicyAllow, c.DefaultPolicy)
	}
	if c.MissMode != MissModeHold && c.MissMode != MissModeQueue {
		return fmt.Errorf("%w: miss_mode must be %q or %q, got %q", ErrConfig, MissModeHold, MissModeQueue, c.MissMode)
	}
	if c.PendingTimeout <= 0 {
		return fmt.Errorf("%w: pending_timeout must be positive", ErrConfig)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("%w: max_pending must be positive", ErrConfig)
	}
	if c.RecentWindow <= 0 {
		return fmt.Errorf("%w: recent_window must be positive", ErrConfig)
	}
	if c.APIPort == "" || c.HookPort == "" {
		return fmt.Errorf("%w: api_port and hook_port are required", ErrConfig)
	}
	if c.APIPort == c.HookPort {
		return fmt.Errorf("%w: api_port and hook_port must differ", ErrConfig)
	}
	if c.Enforcement.Enabled {
		if c.Enforcement.ProxyPort <= 0 || c.Enforcement.ProxyPort > 65535 {
			return fmt.Errorf("%w: enforcement.proxy_port out of range", ErrConfig)
		}
		if c.Enforcement.DNSPort <= 0 || c.Enforcement.DNSPort > 65535 {
			return fmt.Errorf("%w: enforcement.dns_port out of range", ErrConfig)
		}
	}
	return nil
}

// DenyByDefault reports whether unmatched requests are held or queued rather
// than let through.
func (c Config) DenyByDefault() bool {
	return c.DefaultPolicy != PolicyAllow
}
