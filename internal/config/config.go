// Package config loads and holds all service configuration.
// Settings come from defaults, then masquerade.yaml (optional), then
// environment variables with the MASQ_ prefix. Environment wins.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Store    StoreConfig    `yaml:"store"`
	Detector DetectorConfig `yaml:"detector"`
	Alias    AliasConfig    `yaml:"alias"`

	LogLevel string `yaml:"logLevel"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bindAddress"`

	// Token enables bearer-token authentication when non-empty.
	Token string `yaml:"token"`

	// RateLimitPerMinute bounds /redact calls per caller identity.
	// Zero disables rate limiting.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`

	// PatternFile persists runtime custom detection rules across restarts.
	PatternFile string `yaml:"patternFile"`
}

// StoreConfig configures the entity persistence store.
type StoreConfig struct {
	// Engine selects the durable backend: "bbolt", "sqlite" or "memory".
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`

	CacheSize int           `yaml:"cacheSize"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// DetectorConfig configures pattern and AI-based detection.
type DetectorConfig struct {
	OllamaEndpoint string  `yaml:"ollamaEndpoint"`
	OllamaModel    string  `yaml:"ollamaModel"`
	UseAIDetection bool    `yaml:"useAIDetection"`
	AIConfidence   float64 `yaml:"aiConfidenceThreshold"`

	// Timeout bounds a single external detection call. On expiry the
	// pipeline proceeds with pattern-only candidates.
	Timeout time.Duration `yaml:"timeout"`

	ResponseCacheSize int           `yaml:"responseCacheSize"`
	ResponseCacheTTL  time.Duration `yaml:"responseCacheTTL"`
}

// AliasConfig configures alias generation.
type AliasConfig struct {
	// Strategy is one of "counter", "partial", "mask", "hash".
	// Fixed per deployment so aliasing stays deterministic within a context.
	Strategy string `yaml:"strategy"`
}

// Load returns config with defaults overridden by masquerade.yaml and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "masquerade.yaml")
	loadEnv(cfg)
	return cfg
}

// Validate reports configuration values that would misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Store.Engine {
	case "bbolt", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store engine %q (want bbolt, sqlite or memory)", c.Store.Engine)
	}
	switch c.Alias.Strategy {
	case "counter", "partial", "mask", "hash":
	default:
		return fmt.Errorf("unknown alias strategy %q (want counter, partial, mask or hash)", c.Alias.Strategy)
	}
	if c.Detector.AIConfidence < 0 || c.Detector.AIConfidence > 1 {
		return fmt.Errorf("aiConfidenceThreshold %v out of [0,1]", c.Detector.AIConfidence)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		API: APIConfig{
			Port:               8484,
			BindAddress:        "127.0.0.1",
			RateLimitPerMinute: 120,
			PatternFile:        "masquerade-patterns.json",
		},
		Store: StoreConfig{
			Engine:    "bbolt",
			Path:      "masquerade.db",
			CacheSize: 10_000,
			CacheTTL:  time.Hour,
		},
		Detector: DetectorConfig{
			OllamaEndpoint:    "http://localhost:11434",
			OllamaModel:       "qwen2.5:3b",
			UseAIDetection:    true,
			AIConfidence:      0.7,
			Timeout:           10 * time.Second,
			ResponseCacheSize: 10_000,
			ResponseCacheTTL:  24 * time.Hour,
		},
		Alias: AliasConfig{
			Strategy: "counter",
		},
		LogLevel: "info",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MASQ_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}
	if v := os.Getenv("MASQ_BIND_ADDRESS"); v != "" {
		cfg.API.BindAddress = v
	}
	if v := os.Getenv("MASQ_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("MASQ_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MASQ_PATTERN_FILE"); v != "" {
		cfg.API.PatternFile = v
	}
	if v := os.Getenv("MASQ_STORE_ENGINE"); v != "" {
		cfg.Store.Engine = v
	}
	if v := os.Getenv("MASQ_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MASQ_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.CacheSize = n
		}
	}
	if v := os.Getenv("MASQ_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.CacheTTL = d
		}
	}
	if v := os.Getenv("MASQ_OLLAMA_ENDPOINT"); v != "" {
		cfg.Detector.OllamaEndpoint = v
	}
	if v := os.Getenv("MASQ_OLLAMA_MODEL"); v != "" {
		cfg.Detector.OllamaModel = v
	}
	if v := os.Getenv("MASQ_USE_AI_DETECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Detector.UseAIDetection = b
		}
	}
	if v := os.Getenv("MASQ_AI_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.AIConfidence = f
		}
	}
	if v := os.Getenv("MASQ_DETECTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.Timeout = d
		}
	}
	if v := os.Getenv("MASQ_ALIAS_STRATEGY"); v != "" {
		cfg.Alias.Strategy = v
	}
	if v := os.Getenv("MASQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
