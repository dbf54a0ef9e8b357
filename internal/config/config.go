// Package config loads askora settings from the environment, optionally
// overlaid on a YAML file named by ASKORA_CONFIG.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrMissingAPIKey = errors.New("OPENAI_API_KEY required")

const (
	DefaultMindsDBURL = "http://127.0.0.1:47334"
	DefaultProject    = "mindsdb"
	DefaultModel      = "gpt-4.1"
	DefaultAddr       = "127.0.0.1:3000"
)

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	OpenAIKey   string `yaml:"-"`
	GitHubToken string `yaml:"-"`

	MindsDB MindsDB `yaml:"mindsdb"`
	Ingest  Ingest  `yaml:"ingest"`
	Query   Query   `yaml:"query"`
	Chat    Chat    `yaml:"chat"`
}

type MindsDB struct {
	URL     string        `yaml:"url"`
	Project string        `yaml:"project"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is the sustained outbound request rate, per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type Ingest struct {
	DatabaseSettle      time.Duration `yaml:"database_settle"`
	KnowledgeBaseSettle time.Duration `yaml:"knowledge_base_settle"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	CrawlDepth          int           `yaml:"crawl_depth"`
	SkipExisting        *bool         `yaml:"skip_existing"`
}

type Query struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	HistoryLimit   int           `yaml:"history_limit"`
}

type Chat struct {
	DemoDelay  time.Duration `yaml:"demo_delay"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Load reads ASKORA_CONFIG (if set), applies environment overrides and fills defaults.
// A missing OpenAI key is not an error here; ingestion reports it when it is needed.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("ASKORA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	c.GitHubToken = os.Getenv("GITHUB_TOKEN")
	for env, dst := range map[string]*string{
		"MINDSDB_URL":     &c.MindsDB.URL,
		"MINDSDB_PROJECT": &c.MindsDB.Project,
		"ASKORA_MODEL":    &c.MindsDB.Model,
		"ASKORA_ADDR":     &c.Addr,
		"ASKORA_DB":       &c.DBPath,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MindsDB.URL == "" {
		c.MindsDB.URL = DefaultMindsDBURL
	}
	if c.MindsDB.Project == "" {
		c.MindsDB.Project = DefaultProject
	}
	if c.MindsDB.Model == "" {
		c.MindsDB.Model = DefaultModel
	}
	if c.MindsDB.Timeout <= 0 {
		c.MindsDB.Timeout = 60 * time.Second
	}
	if c.MindsDB.RateLimit <= 0 {
		c.MindsDB.RateLimit = 10
	}
	if c.MindsDB.RateBurst <= 0 {
		c.MindsDB.RateBurst = 5
	}

	if c.Ingest.DatabaseSettle <= 0 {
		c.Ingest.DatabaseSettle = 2 * time.Second
	}
	if c.Ingest.KnowledgeBaseSettle <= 0 {
		c.Ingest.KnowledgeBaseSettle = 3 * time.Second
	}
	if c.Ingest.PollInterval <= 0 {
		c.Ingest.PollInterval = 500 * time.Millisecond
	}
	if c.Ingest.CrawlDepth <= 0 {
		c.Ingest.CrawlDepth = 2
	}
	if c.Ingest.SkipExisting == nil {
		skip := true
		c.Ingest.SkipExisting = &skip
	}

	if c.Query.Timeout <= 0 {
		c.Query.Timeout = 30 * time.Second
	}
	if c.Query.MaxRetries <= 0 {
		c.Query.MaxRetries = 3
	}
	if c.Query.InitialBackoff <= 0 {
		c.Query.InitialBackoff = time.Second
	}
	if c.Query.HistoryLimit <= 0 {
		c.Query.HistoryLimit = 5
	}

	if c.Chat.DemoDelay <= 0 {
		c.Chat.DemoDelay = 800 * time.Millisecond
	}
	if c.Chat.SessionTTL <= 0 {
		c.Chat.SessionTTL = 24 * time.Hour
	}
}

// RequireAPIKey returns ErrMissingAPIKey when no OpenAI key is configured.
func (c *Config) RequireAPIKey() error {
	if c.OpenAIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}
