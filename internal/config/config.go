package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Store     StoreConfig     `yaml:"store"`
	Playbooks PlaybooksConfig `yaml:"playbooks"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Locks     LocksConfig     `yaml:"locks"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Detectors DetectorsConfig `yaml:"detectors"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuditConfig controls the hash-chained audit ledger.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig controls incident persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// PlaybooksConfig controls playbook loading.
type PlaybooksConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// TriggerConfig controls failure-to-incident correlation.
type TriggerConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
}

// LocksConfig controls per-resource serialization.
type LocksConfig struct {
	LeaseTTL   time.Duration `yaml:"leaseTTL"`
	QueueDepth int           `yaml:"queueDepth"`
}

// ExecutorConfig controls the remediation worker pool and retry policy.
type ExecutorConfig struct {
	Workers     int           `yaml:"workers"`
	QueueDepth  int           `yaml:"queueDepth"`
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffCap  time.Duration `yaml:"backoffCap"`
}

// MetricsConfig controls effectiveness alerting thresholds.
type MetricsConfig struct {
	SuccessRateFloor float64       `yaml:"successRateFloor"`
	MTTRCeiling      time.Duration `yaml:"mttrCeiling"`
}

// DetectorsConfig controls the built-in detector pool. Metric-threshold
// detectors need a code-supplied sampler and are registered on the pool
// directly rather than declared here.
type DetectorsConfig struct {
	DisableThreshold int                  `yaml:"disableThreshold"`
	Heartbeats       []HeartbeatConfig    `yaml:"heartbeats"`
	HealthPolls      []HealthPollConfig   `yaml:"healthPolls"`
	HostResources    *HostResourcesConfig `yaml:"hostResources"`
	LogPatterns      []LogPatternConfig   `yaml:"logPatterns"`
}

// HeartbeatConfig declares one expected heartbeat stream.
type HeartbeatConfig struct {
	ID          string        `yaml:"id"`
	ResourceKey string        `yaml:"resourceKey"`
	MaxSilence  time.Duration `yaml:"maxSilence"`
	Interval    time.Duration `yaml:"interval"`
}

// HealthPollConfig declares one HTTP health endpoint to poll.
type HealthPollConfig struct {
	ID          string        `yaml:"id"`
	ResourceKey string        `yaml:"resourceKey"`
	URL         string        `yaml:"url"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HostResourcesConfig bounds local machine resources. A zero limit disables
// that probe.
type HostResourcesConfig struct {
	ID            string        `yaml:"id"`
	ResourceKey   string        `yaml:"resourceKey"`
	Interval      time.Duration `yaml:"interval"`
	MemoryPercent float64       `yaml:"memoryPercent"`
	CPUPercent    float64       `yaml:"cpuPercent"`
	DiskPath      string        `yaml:"diskPath"`
	DiskPercent   float64       `yaml:"diskPercent"`
}

// LogPatternConfig declares one log-line pattern watcher fed through the
// ingest API.
type LogPatternConfig struct {
	ID          string   `yaml:"id"`
	ResourceKey string   `yaml:"resourceKey"`
	Severity    string   `yaml:"severity"`
	Patterns    []string `yaml:"patterns"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REMEDY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info", JSON: false},
		Audit:     AuditConfig{Path: "data/audit.log"},
		Store:     StoreConfig{Path: "data/incidents.db"},
		Playbooks: PlaybooksConfig{Dir: "configs/playbooks", Watch: true},
		Trigger:   TriggerConfig{Cooldown: 30 * time.Second},
		Locks: LocksConfig{
			LeaseTTL:   5 * time.Minute,
			QueueDepth: 10,
		},
		Executor: ExecutorConfig{
			Workers:     4,
			QueueDepth:  64,
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
			BackoffCap:  60 * time.Second,
		},
		Metrics: MetricsConfig{
			SuccessRateFloor: 0.80,
		},
		Detectors: DetectorsConfig{DisableThreshold: 5},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMEDY_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("REMEDY_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("REMEDY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMEDY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("REMEDY_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("REMEDY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("REMEDY_PLAYBOOKS_DIR"); v != "" {
		cfg.Playbooks.Dir = v
	}
	if v := os.Getenv("REMEDY_PLAYBOOKS_WATCH"); v != "" {
		cfg.Playbooks.Watch = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("REMEDY_TRIGGER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Trigger.Cooldown = d
		}
	}
	if v := os.Getenv("REMEDY_LOCK_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Locks.LeaseTTL = d
		}
	}
	if v := os.Getenv("REMEDY_LOCK_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Locks.QueueDepth = n
		}
	}
	if v := os.Getenv("REMEDY_EXECUTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.Workers = n
		}
	}
	if v := os.Getenv("REMEDY_EXECUTOR_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.QueueDepth = n
		}
	}
	if v := os.Getenv("REMEDY_EXECUTOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxRetries = n
		}
	}
	if v := os.Getenv("REMEDY_EXECUTOR_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.BackoffBase = d
		}
	}
	if v := os.Getenv("REMEDY_EXECUTOR_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.BackoffCap = d
		}
	}
	if v := os.Getenv("REMEDY_SUCCESS_RATE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Metrics.SuccessRateFloor = f
		}
	}
	if v := os.Getenv("REMEDY_MTTR_CEILING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Metrics.MTTRCeiling = d
		}
	}
	if v := os.Getenv("REMEDY_DETECTOR_DISABLE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detectors.DisableThreshold = n
		}
	}
}
