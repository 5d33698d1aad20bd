package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"taskmatch/internal/rules"
)

// Config models taskmatch.yml.
type Config struct {
	Scoring struct {
		Base             int `yaml:"base"`
		LoadWeight       int `yaml:"load_weight"`
		ExperienceWeight int `yaml:"experience_weight"`
	} `yaml:"scoring"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// AdminRole is the JWT role claim required for mutating calls.
		AdminRole string `yaml:"admin_role"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Scorer builds the rule scorer from the configured weights.
func (c *Config) Scorer() rules.Scorer {
	s := rules.Scorer{
		Base:             c.Scoring.Base,
		LoadWeight:       c.Scoring.LoadWeight,
		ExperienceWeight: c.Scoring.ExperienceWeight,
	}
	if s.Base == 0 && s.LoadWeight == 0 && s.ExperienceWeight == 0 {
		return rules.DefaultScorer()
	}
	return s
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scoring.Base < 0 || c.Scoring.LoadWeight < 0 || c.Scoring.ExperienceWeight < 0 {
		return fmt.Errorf("config.scoring weights must be >= 0")
	}
	if c.Scoring.LoadWeight == 0 && c.Scoring.ExperienceWeight != 0 {
		return fmt.Errorf("config.scoring.load_weight must be set when experience_weight is")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskmatch.yml")
}

// Load reads and validates config from workspace; missing file falls back
// to defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the stock configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

// GenerateDefault returns the default config YAML for `tm config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `scoring:
  # score = (base - active_task_count) * load_weight + experience_years * experience_weight
  base: 100
  load_weight: 3
  experience_weight: 2

server:
  addr: ":8084"
  base_path: /v0

auth:
  # empty secret disables bearer auth (API keys still work when present)
  jwt_secret: ""
  admin_role: ADMIN

webhooks: []
#  - url: http://localhost:9000/hooks/taskmatch
#    events: [assignment.created, assignment.released]
#    timeout_seconds: 5
`
