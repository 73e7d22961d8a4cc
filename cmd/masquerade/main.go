// Command masquerade is the PII redaction service.
//
// It detects sensitive values in submitted text using a combination of
// regex patterns and a local Ollama model, replaces each with a stable
// per-context alias, and persists the mapping so the same value always
// receives the same alias within its session.
//
// Usage:
//
//	# Defaults (bbolt store, counter aliases, port 8484)
//	./masquerade
//
//	# Custom store engine and alias strategy
//	MASQ_STORE_ENGINE=sqlite MASQ_ALIAS_STRATEGY=partial ./masquerade
//
// Configuration is read from masquerade.yaml, then overridden by MASQ_*
// environment variables; a .env file in the working directory is loaded
// first.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"masquerade/internal/alias"
	"masquerade/internal/api"
	"masquerade/internal/config"
	"masquerade/internal/detect"
	"masquerade/internal/ledger"
	"masquerade/internal/logger"
	"masquerade/internal/metrics"
	"masquerade/internal/redact"
	"masquerade/internal/store"
)

func main() {
	// Missing .env is the normal case, not an error.
	godotenv.Load() //nolint:errcheck

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("main", cfg.LogLevel)
	printBanner(cfg)

	kv, err := openKV(cfg)
	if err != nil {
		log.Fatalf("startup", "open store: %v", err)
	}
	defer kv.Close() //nolint:errcheck

	strategy, err := alias.ParseStrategy(cfg.Alias.Strategy)
	if err != nil {
		log.Fatalf("startup", "alias strategy: %v", err)
	}

	m := metrics.New()
	entities := store.New(kv, alias.NewGenerator(strategy), store.Options{
		CacheSize: cfg.Store.CacheSize,
		CacheTTL:  cfg.Store.CacheTTL,
	}, m, logger.New("store", cfg.LogLevel))

	detector := detect.NewPatternDetector(logger.New("detect", cfg.LogLevel))
	registry := api.NewPatternRegistry(detector, cfg.API.PatternFile)

	var external detect.ExternalDetector
	if cfg.Detector.UseAIDetection {
		external = detect.NewOllamaDetector(detect.OllamaOptions{
			Endpoint:  cfg.Detector.OllamaEndpoint,
			Model:     cfg.Detector.OllamaModel,
			Timeout:   cfg.Detector.Timeout,
			Threshold: cfg.Detector.AIConfidence,
			CacheSize: cfg.Detector.ResponseCacheSize,
			CacheTTL:  cfg.Detector.ResponseCacheTTL,
		}, logger.New("ollama", cfg.LogLevel))
	}

	sessions := ledger.New(kv, logger.New("ledger", cfg.LogLevel))
	pipeline := redact.NewPipeline(
		redact.NewResolver(),
		detector,
		external,
		entities,
		sessions,
		m,
		logger.New("redact", cfg.LogLevel),
	)

	server := api.New(cfg, pipeline, sessions, registry, m, logger.New("api", cfg.LogLevel))
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("startup", "API server: %v", err)
	}
}

// openKV selects the durable backend from configuration.
func openKV(cfg *config.Config) (store.KV, error) {
	switch cfg.Store.Engine {
	case "bbolt":
		return store.NewBboltKV(cfg.Store.Path)
	case "sqlite":
		return store.NewSqliteKV(cfg.Store.Path)
	case "memory":
		return store.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store engine %q", cfg.Store.Engine)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Masquerade PII Redaction Service            ║
╚══════════════════════════════════════════════════════╝
  API port        : %d
  Store engine    : %s (%s)
  Alias strategy  : %s
  Ollama endpoint : %s
  Ollama model    : %s
  AI detection    : %v

  Redact text:
    curl -X POST http://localhost:%d/redact -d '{"text":"..."}'

  Check status:
    curl http://localhost:%d/status
`, cfg.API.Port,
		cfg.Store.Engine, cfg.Store.Path,
		cfg.Alias.Strategy,
		cfg.Detector.OllamaEndpoint, cfg.Detector.OllamaModel, cfg.Detector.UseAIDetection,
		cfg.API.Port,
		cfg.API.Port)
}
