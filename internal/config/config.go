// Package config loads process configuration from the environment and the
// chain roster from a YAML file. Environment covers deployment wiring
// (ports, Redis, alert webhooks); the YAML file covers per-chain tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jettran001/diamondBotV2/internal/chain"
)

type Config struct {
	Chains []chain.Config
	Redis  RedisConfig
	Alert  AlertConfig
	Server ServerConfig
	Trace  TraceConfig
	Log    LogConfig
}

type RedisConfig struct {
	URL string
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type ServerConfig struct {
	HealthPort int
}

type TraceConfig struct {
	OTLPEndpoint string
	SampleRatio  float64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
		},
		Trace: TraceConfig{
			OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
			SampleRatio:  getEnvFloat("TRACE_SAMPLE_RATIO", 0.1),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	chainsPath := getEnv("CHAINS_CONFIG", "chains.yaml")
	chains, err := LoadChains(chainsPath)
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	return cfg, nil
}

// duration parses YAML scalars in Go duration syntax ("200ms", "3s").
// yaml.v3 has no native time.Duration support.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"200ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

func (d duration) std() time.Duration { return time.Duration(d) }

// The *YAML types mirror the chain config structs with parseable field
// types; LoadChains converts them after decoding.
type endpointYAML struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type retryYAML struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseDelay      duration `yaml:"base_delay"`
	MaxDelay       duration `yaml:"max_delay"`
	Multiplier     float64  `yaml:"multiplier"`
	JitterFraction float64  `yaml:"jitter_fraction"`
	RateLimitDelay duration `yaml:"rate_limit_delay"`
}

type breakerYAML struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	WindowDuration   duration `yaml:"window_duration"`
	SuccessThreshold int      `yaml:"success_threshold"`
	BaseCooldown     duration `yaml:"base_cooldown"`
	MaxCooldown      duration `yaml:"max_cooldown"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls"`
}

type poolYAML struct {
	HealthInterval   duration `yaml:"health_interval"`
	ProbeTimeout     duration `yaml:"probe_timeout"`
	PromoteSuccesses int      `yaml:"promote_successes"`
}

type chainYAML struct {
	ChainID     uint64         `yaml:"chain_id"`
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Endpoints   []endpointYAML `yaml:"endpoints"`
	WSEndpoint  string         `yaml:"ws_endpoint"`
	Confirm     uint64         `yaml:"confirmation_blocks"`
	MaxInFlight int64          `yaml:"max_in_flight"`
	RPS         float64        `yaml:"rps"`
	Burst       int            `yaml:"burst"`
	NonceTTL    duration       `yaml:"nonce_ttl"`
	Retry       retryYAML      `yaml:"retry"`
	Breaker     breakerYAML    `yaml:"breaker"`
	Pool        poolYAML       `yaml:"pool"`
}

func (y chainYAML) toConfig() chain.Config {
	endpoints := make([]chain.EndpointConfig, 0, len(y.Endpoints))
	for _, ep := range y.Endpoints {
		endpoints = append(endpoints, chain.EndpointConfig{URL: ep.URL, Weight: ep.Weight})
	}
	return chain.Config{
		ChainID:     y.ChainID,
		Name:        y.Name,
		Type:        chain.ChainType(y.Type),
		Endpoints:   endpoints,
		WSEndpoint:  y.WSEndpoint,
		Confirm:     y.Confirm,
		MaxInFlight: y.MaxInFlight,
		RPS:         y.RPS,
		Burst:       y.Burst,
		NonceTTL:    y.NonceTTL.std(),
		Retry: chain.RetryTuning{
			MaxAttempts:    y.Retry.MaxAttempts,
			BaseDelay:      y.Retry.BaseDelay.std(),
			MaxDelay:       y.Retry.MaxDelay.std(),
			Multiplier:     y.Retry.Multiplier,
			JitterFraction: y.Retry.JitterFraction,
			RateLimitDelay: y.Retry.RateLimitDelay.std(),
		},
		Breaker: chain.BreakerTuning{
			FailureThreshold: y.Breaker.FailureThreshold,
			WindowDuration:   y.Breaker.WindowDuration.std(),
			SuccessThreshold: y.Breaker.SuccessThreshold,
			BaseCooldown:     y.Breaker.BaseCooldown.std(),
			MaxCooldown:      y.Breaker.MaxCooldown.std(),
			HalfOpenMaxCalls: y.Breaker.HalfOpenMaxCalls,
		},
		Pool: chain.PoolTuning{
			HealthInterval:   y.Pool.HealthInterval.std(),
			ProbeTimeout:     y.Pool.ProbeTimeout.std(),
			PromoteSuccesses: y.Pool.PromoteSuccesses,
		},
	}
}

// LoadChains reads and validates the chain roster.
func LoadChains(path string) ([]chain.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains config %s: %w", path, err)
	}

	var doc struct {
		Chains []chainYAML `yaml:"chains"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse chains config %s: %w", path, err)
	}
	if len(doc.Chains) == 0 {
		return nil, fmt.Errorf("chains config %s lists no chains", path)
	}

	chains := make([]chain.Config, 0, len(doc.Chains))
	seen := make(map[uint64]string, len(doc.Chains))
	for _, y := range doc.Chains {
		c := y.toConfig()
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("chain %q: %w", c.Name, err)
		}
		if prev, dup := seen[c.ChainID]; dup {
			return nil, fmt.Errorf("chain id %d declared by both %q and %q", c.ChainID, prev, c.Name)
		}
		seen[c.ChainID] = c.Name
		chains = append(chains, c)
	}
	return chains, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
