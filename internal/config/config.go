// Package config loads the service configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Firehose   FirehoseConfig   `yaml:"firehose"`
	Server     ServerConfig     `yaml:"server"`
	Membership MembershipConfig `yaml:"membership"`
	Feeds      []FeedConfig     `yaml:"feeds"`
	Rater      RaterConfig      `yaml:"rater"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Appview    AppviewConfig    `yaml:"appview"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// FirehoseConfig configures the commit event stream subscription.
type FirehoseConfig struct {
	URL     string `yaml:"url"`
	Service string `yaml:"service"`
}

// ServerConfig configures the HTTP feed generator endpoint.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	Hostname   string `yaml:"hostname"`
	ServiceDID string `yaml:"service_did"`
}

// DID returns the configured service DID, deriving did:web from the
// hostname when none is set explicitly.
func (s ServerConfig) DID() string {
	if s.ServiceDID != "" {
		return s.ServiceDID
	}
	return "did:web:" + s.Hostname
}

// MembershipConfig configures membership-store semantics.
type MembershipConfig struct {
	// DedupPolicy is "single" (a post belongs to at most one feed
	// store-wide, first match wins) or "multi" (one row per feed).
	DedupPolicy string `yaml:"dedup_policy"`
}

// FeedConfig describes one served feed and its classification rule.
// Threshold is a pointer so an explicit 0 (serve anything with a positive
// rating) is distinguishable from an unset value.
type FeedConfig struct {
	ID        string     `yaml:"id"`
	Threshold *float64   `yaml:"threshold"`
	Rule      RuleConfig `yaml:"rule"`
}

// ServeThreshold returns the configured serving threshold, or def when the
// config leaves it unset.
func (f FeedConfig) ServeThreshold(def float64) float64 {
	if f.Threshold == nil {
		return def
	}
	return *f.Threshold
}

// RuleConfig is the YAML form of a classification rule. It is seeded into
// the rule table at startup.
type RuleConfig struct {
	IncludeAuthors []string `yaml:"include_authors"`
	ExcludeAuthors []string `yaml:"exclude_authors"`
	IncludePattern string   `yaml:"include_pattern"`
	ExcludePattern string   `yaml:"exclude_pattern"`
	IncludeLangs   []string `yaml:"include_langs"`
	ExcludeLangs   []string `yaml:"exclude_langs"`
}

// RaterConfig configures the rating enrichment worker.
type RaterConfig struct {
	Interval    string         `yaml:"interval"`
	Concurrency int            `yaml:"concurrency"`
	Targets     []TargetConfig `yaml:"targets"`
}

// ParseInterval returns the rating interval as time.Duration.
func (r RaterConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(r.Interval)
	if err != nil {
		return time.Minute
	}
	return d
}

// TargetConfig configures scoring for one feed.
type TargetConfig struct {
	Feed         string `yaml:"feed"`
	CallsPerTick int    `yaml:"calls_per_tick"`
	Audience     string `yaml:"audience"`
	Trait        string `yaml:"trait"`
}

// OpenAIConfig configures the scoring model client.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AppviewConfig configures the post text lookup endpoint.
type AppviewConfig struct {
	URL string `yaml:"url"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database:   DatabaseConfig{Path: "./feedlens.db"},
		Firehose:   FirehoseConfig{Service: "feedlens"},
		Server:     ServerConfig{Port: 3000},
		Membership: MembershipConfig{DedupPolicy: "single"},
		Feeds: []FeedConfig{
			{
				ID: "whats-llm",
				Rule: RuleConfig{
					IncludePattern: `\b(LLMs?|GPT|NLP|machine learning|deep learning|neural network|language model|generative ai|huggingface|pytorch|qlora)\b`,
					ExcludePattern: `Summary by GPT3`,
				},
			},
		},
		Rater: RaterConfig{
			Interval:    "1m",
			Concurrency: 4,
			Targets: []TargetConfig{
				{
					Feed:         "whats-llm",
					CallsPerTick: 1,
					Audience:     "AI researchers",
					Trait:        "informative",
				},
			},
		},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FEEDLENS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FEEDLENS_FIREHOSE_URL"); v != "" {
		cfg.Firehose.URL = v
	}
	if v := os.Getenv("FEEDLENS_HOSTNAME"); v != "" {
		cfg.Server.Hostname = v
	}
	if v := os.Getenv("FEEDLENS_SERVICE_DID"); v != "" {
		cfg.Server.ServiceDID = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}
}

// Validate checks invariants every command relies on. Failures are fatal at
// startup, before any stream consumption begins.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Membership.DedupPolicy {
	case "single", "multi":
	default:
		return fmt.Errorf("membership.dedup_policy must be \"single\" or \"multi\", got %q", c.Membership.DedupPolicy)
	}

	seen := make(map[string]bool)
	for _, f := range c.Feeds {
		if f.ID == "" {
			return fmt.Errorf("feeds: id is required")
		}
		if seen[f.ID] {
			return fmt.Errorf("feeds: duplicate id %q", f.ID)
		}
		seen[f.ID] = true
	}

	for _, t := range c.Rater.Targets {
		if !seen[t.Feed] {
			return fmt.Errorf("rater.targets: unknown feed %q", t.Feed)
		}
	}

	return nil
}

// ValidateScoring checks the extra requirements of commands that perform
// scoring calls.
func (c *Config) ValidateScoring() error {
	if len(c.Rater.Targets) > 0 && c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required when rater targets are configured")
	}
	return nil
}

// ValidateStream checks the extra requirements of the stream consumer.
func (c *Config) ValidateStream() error {
	if c.Firehose.URL == "" {
		return fmt.Errorf("firehose.url is required")
	}
	return nil
}
