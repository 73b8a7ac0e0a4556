package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc matches os.LookupEnv. Tests pass a map-backed version.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from, in order: built-in defaults, an
// optional YAML file (explicit path, then CONFIG_FILE, then ./config.yaml),
// environment variables, and finally validation.
func Load(configPath string) (Config, error) {
	return load(configPath, os.LookupEnv)
}

func load(configPath string, lookup LookupFunc) (Config, error) {
	cfg := Defaults()

	if path := discoverConfigFile(configPath, lookup); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func discoverConfigFile(configPath string, lookup LookupFunc) string {
	if configPath != "" {
		return configPath
	}
	if v, ok := lookup("CONFIG_FILE"); ok && v != "" {
		return v
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// loadYAMLFile parses path into cfg. Keys missing from the file keep their
// current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

type envBinder struct {
	lookup LookupFunc
	errs   []string
}

func (b *envBinder) str(key string, dst *string) {
	if v, ok := b.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (b *envBinder) integer(key string, dst *int) {
	if v, ok := b.lookup(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
	}
}

func (b *envBinder) float(key string, dst *float64) {
	if v, ok := b.lookup(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			b.errs = append(b.errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = f
	}
}

func (b *envBinder) boolean(key string, dst *bool) {
	if v, ok := b.lookup(key); ok && v != "" {
		f, err := strconv.ParseBool(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = f
	}
}

// duration accepts Go durations ("30s") and bare integers as seconds.
func (b *envBinder) duration(key string, dst *time.Duration) {
	v, ok := b.lookup(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		b.errs = append(b.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = d
}

func (b *envBinder) list(key string, dst *[]string) {
	v, ok := b.lookup(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func applyEnvOverrides(cfg *Config, lookup LookupFunc) error {
	b := &envBinder{lookup: lookup}

	b.str("SERVER_ADDR", &cfg.Server.Addr)
	b.integer("SERVER_BODY_LIMIT_MB", &cfg.Server.BodyLimitMB)
	b.boolean("SMOKE_TEST", &cfg.Server.SmokeTest)

	b.str("EMBEDDINGS_PROVIDER", &cfg.Embeddings.Provider)
	b.str("EMBEDDINGS_MODEL_NAME", &cfg.Embeddings.ModelName)
	b.str("EMBEDDINGS_URL", &cfg.Embeddings.URL)
	b.str("EMBEDDINGS_API_KEY", &cfg.Embeddings.APIKey)
	b.integer("EMBEDDINGS_DIMENSIONS", &cfg.Embeddings.Dimensions)
	b.duration("EMBEDDINGS_TIMEOUT", &cfg.Embeddings.Timeout)
	b.integer("EMBEDDINGS_BATCH_SIZE", &cfg.Embeddings.BatchSize)
	b.integer("EMBEDDINGS_CONCURRENCY", &cfg.Embeddings.Concurrency)
	b.float("EMBEDDINGS_RPS", &cfg.Embeddings.RequestsPerSecond)

	b.str("MODEL_TYPE", &cfg.Model.Type)
	b.str("MODEL_PATH", &cfg.Model.Path)
	b.integer("MODEL_N_CTX", &cfg.Model.NCtx)
	b.str("MODEL_URL", &cfg.Model.URL)
	b.str("MODEL_API_KEY", &cfg.Model.APIKey)
	b.str("MODEL_DOWNLOAD_URL", &cfg.Model.DownloadURL)
	b.float("MODEL_TEMPERATURE", &cfg.Model.Temperature)
	b.integer("MODEL_MAX_TOKENS", &cfg.Model.MaxTokens)
	b.duration("MODEL_TIMEOUT", &cfg.Model.Timeout)
	b.integer("MODEL_MAX_ATTEMPTS", &cfg.Model.MaxAttempts)

	b.str("VECTOR_STORE", &cfg.Store.Backend)
	b.str("PERSIST_DIRECTORY", &cfg.Store.PersistDirectory)
	b.str("POSTGRES_DSN", &cfg.Store.PostgresDSN)

	b.str("SOURCE_DIRECTORY", &cfg.Ingest.SourceDirectory)
	b.list("PROJECTS", &cfg.Ingest.Projects)
	b.integer("CHUNK_SIZE", &cfg.Ingest.ChunkSize)
	b.integer("CHUNK_OVERLAP", &cfg.Ingest.ChunkOverlap)
	b.integer("INGEST_WORKERS", &cfg.Ingest.Workers)
	b.str("ARCHIVE_DIRECTORY", &cfg.Ingest.ArchiveDirectory)
	b.str("BAD_DIRECTORY", &cfg.Ingest.BadDirectory)
	b.duration("MONITORING_TIME", &cfg.Ingest.MonitoringTime)

	b.integer("RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)

	b.str("LOG_LEVEL", &cfg.Log.Level)
	b.str("LOG_FORMAT", &cfg.Log.Format)
	b.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)

	if len(b.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(b.errs, "; "))
	}
	return nil
}
