package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Retry      RetryConfig      `yaml:"retry"`
	Queue      QueueConfig      `yaml:"queue"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Audit      AuditConfig      `yaml:"audit"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

// ServerConfig configures the inbound HTTP server.
type ServerConfig struct {
	Port      int `yaml:"port"`
	TimeoutMs int `yaml:"timeout_ms"`
}

// UpstreamConfig configures the completion endpoint.
type UpstreamConfig struct {
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Provider        string  `yaml:"provider"` // "" / "openai" or "bedrock"
	Region          string  `yaml:"region"`   // bedrock only
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	CallTimeoutMs   int     `yaml:"call_timeout_ms"`
}

// RetryConfig bounds the invoker's attempt loop.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// QueueConfig sizes the admission queue.
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	IntervalCap int `yaml:"interval_cap"`
	IntervalMs  int `yaml:"interval_ms"`
}

// ExtractionConfig tunes prompt construction and the retry slot policy.
type ExtractionConfig struct {
	MaxDocumentTokens int `yaml:"max_document_tokens"`
	// HoldSlotAcrossRetries keeps the whole retry loop inside one queue
	// slot (self-limits pressure on a throttling upstream). When false,
	// each attempt is admitted separately and backoff waits release the
	// slot.
	HoldSlotAcrossRetries *bool `yaml:"hold_slot_across_retries"`
}

// MonitoringConfig configures telemetry output.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// AuditConfig configures the invocation outcome store.
type AuditConfig struct {
	Path string `yaml:"path"` // sqlite file; empty disables the store
}

// WebhookConfig configures the downstream automation forwarder.
type WebhookConfig struct {
	URL       string `yaml:"url"` // default target; requests may override
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Load reads, env-expands, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses config from raw YAML. ${VAR} references are
// expanded from the environment before parsing, so secrets stay out of
// the file itself.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config built purely from defaults and environment.
func Default() *Config {
	cfg := &Config{}
	cfg.Upstream.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field from defaults.go.
func (c *Config) ApplyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.TimeoutMs <= 0 {
		c.Server.TimeoutMs = DefaultServerTimeoutMs
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultChatCompletionsBaseURL
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = DefaultModel
	}
	if c.Upstream.MaxOutputTokens <= 0 {
		c.Upstream.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.Upstream.CallTimeoutMs <= 0 {
		c.Upstream.CallTimeoutMs = DefaultCallTimeoutMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = DefaultBaseDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = DefaultMaxDelayMs
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = DefaultConcurrency
	}
	if c.Queue.IntervalCap <= 0 {
		c.Queue.IntervalCap = DefaultIntervalCap
	}
	if c.Queue.IntervalMs <= 0 {
		c.Queue.IntervalMs = DefaultIntervalMs
	}
	if c.Extraction.MaxDocumentTokens <= 0 {
		c.Extraction.MaxDocumentTokens = DefaultMaxDocumentTokens
	}
	if c.Extraction.HoldSlotAcrossRetries == nil {
		hold := true
		c.Extraction.HoldSlotAcrossRetries = &hold
	}
	if c.Webhook.TimeoutMs <= 0 {
		c.Webhook.TimeoutMs = DefaultWebhookTimeoutMs
	}
}

// Validate rejects configurations that would fail on the first call.
func (c *Config) Validate() error {
	if c.Upstream.Provider != "" && c.Upstream.Provider != "openai" && c.Upstream.Provider != "bedrock" {
		return fmt.Errorf("unknown upstream provider %q", c.Upstream.Provider)
	}
	// Bedrock auth comes from the AWS credential chain, not the API key.
	if c.Upstream.Provider != "bedrock" && c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required (set it or export OPENAI_API_KEY and use ${OPENAI_API_KEY})")
	}
	return nil
}

// HoldSlot reports the effective retry slot policy.
func (c *Config) HoldSlot() bool {
	return c.Extraction.HoldSlotAcrossRetries == nil || *c.Extraction.HoldSlotAcrossRetries
}

// ServerTimeout returns the HTTP server read/write timeout.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutMs) * time.Millisecond
}

// CallTimeout returns the per-call upstream timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Upstream.CallTimeoutMs) * time.Millisecond
}

// BaseDelay returns the backoff seed delay.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff ceiling.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// Interval returns the queue's rate window length.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Queue.IntervalMs) * time.Millisecond
}

// WebhookTimeout returns the forwarder delivery timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutMs) * time.Millisecond
}
