package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"reportflow/internal/engine/gate"
)

// Config models reportflow.yml.
type Config struct {
	Approval struct {
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		RequireSuperAdmin   bool    `yaml:"require_super_admin"`
	} `yaml:"approval"`
	Analysis Analysis `yaml:"analysis"`
	Server   struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type Analysis struct {
	Provider  string        `yaml:"provider"`
	Endpoint  string        `yaml:"endpoint"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
	Fallback  struct {
		Positive []string `yaml:"positive"`
		Negative []string `yaml:"negative"`
	} `yaml:"fallback"`
}

const (
	ProviderStub = "stub"
	ProviderHTTP = "http"
)

// Keywords returns the gate fallback lists.
func (a Analysis) Keywords() gate.Keywords {
	return gate.Keywords{Positive: a.Fallback.Positive, Negative: a.Fallback.Negative}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	th := c.Approval.ConfidenceThreshold
	if th < 0 || th > 1 {
		return fmt.Errorf("config.approval.confidence_threshold must be within [0,1], got %v", th)
	}
	switch c.Analysis.Provider {
	case ProviderStub:
	case ProviderHTTP:
		if c.Analysis.Endpoint == "" {
			return fmt.Errorf("config.analysis.endpoint is required for provider http")
		}
	default:
		return fmt.Errorf("config.analysis.provider must be stub or http, got %q", c.Analysis.Provider)
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("config.analysis.workers must be >= 1")
	}
	if c.Analysis.QueueSize < 1 {
		return fmt.Errorf("config.analysis.queue_size must be >= 1")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("config.analysis.timeout must be positive")
	}
	for _, kw := range append(append([]string{}, c.Analysis.Fallback.Positive...), c.Analysis.Fallback.Negative...) {
		if kw == "" {
			return fmt.Errorf("config.analysis.fallback contains an empty keyword")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("config.log.format must be console or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reportflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var defaultTemplate = fmt.Sprintf(`approval:
  confidence_threshold: %v
  require_super_admin: true

analysis:
  provider: stub
  endpoint: ""
  workers: 4
  queue_size: 64
  timeout: 30s
  fallback:
    positive: [complete, clear, on track, delivered, done]
    negative: [incomplete, missing, blocked, delay, risk, unclear]

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: console
`, gate.DefaultThreshold)
