package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caseline.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Storage struct {
		// Path is the directory generated files are written to. Relative paths
		// resolve against the workspace. Empty keeps files in memory.
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Workers struct {
		Size         int           `yaml:"size"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"workers"`
	Authority struct {
		URL     string        `yaml:"url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"authority"`
	Signing struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"signing"`
	Scheduler struct {
		Jobs []JobConfig `yaml:"jobs"`
	} `yaml:"scheduler"`
	Housekeeping struct {
		OrphanGrace    time.Duration `yaml:"orphan_grace"`
		StallThreshold time.Duration `yaml:"stall_threshold"`
	} `yaml:"housekeeping"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Server   struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// JobConfig schedules one registered housekeeping job.
type JobConfig struct {
	Name  string        `yaml:"name"`
	Every time.Duration `yaml:"every"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with caseline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("config.database.driver must be 'sqlite' or 'mysql'")
	}
	if c.Workers.Size < 0 {
		return fmt.Errorf("config.workers.size must not be negative")
	}
	if (c.Signing.CertFile == "") != (c.Signing.KeyFile == "") {
		return fmt.Errorf("config.signing needs both cert_file and key_file")
	}
	if u := strings.TrimSpace(c.Authority.URL); u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("config.authority.url must be an http(s) url")
	}
	seen := map[string]bool{}
	for i, job := range c.Scheduler.Jobs {
		if job.Name == "" {
			return fmt.Errorf("config.scheduler.jobs[%d] has empty name", i)
		}
		if job.Every <= 0 {
			return fmt.Errorf("scheduler job %s needs a positive interval", job.Name)
		}
		if seen[job.Name] {
			return fmt.Errorf("scheduler job %s listed twice", job.Name)
		}
		seen[job.Name] = true
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %s has empty event type", hook.URL)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// StoragePath resolves the storage directory against the workspace.
func (c *Config) StoragePath(workspace string) string {
	if c.Storage.Path == "" || filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Storage.Path)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite

storage:
  path: .caseline/files

workers:
  size: 4
  poll_interval: 2s

authority:
  # Leave empty to log submissions instead of sending them.
  url: ""
  timeout: 10s

signing:
  cert_file: ""
  key_file: ""

scheduler:
  jobs:
    - name: orphan_sweep
      every: 1h
    - name: stalled_generation_report
      every: 10m
    - name: webhook_dispatch
      every: 2s

housekeeping:
  orphan_grace: 24h
  stall_threshold: 30m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
