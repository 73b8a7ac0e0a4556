// Package config builds the process-wide, read-only configuration. It is
// constructed once in main and handed to components by value.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Model      ModelConfig      `yaml:"model"`
	Store      StoreConfig      `yaml:"store"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	BodyLimitMB  int           `yaml:"body_limit_mb" validate:"gt=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	SmokeTest    bool          `yaml:"smoke_test"`
}

type EmbeddingsConfig struct {
	Provider          string        `yaml:"provider" validate:"oneof=ollama openai hashing"`
	ModelName         string        `yaml:"model_name"`
	URL               string        `yaml:"url" validate:"omitempty,url"`
	APIKey            string        `yaml:"api_key"`
	Dimensions        int           `yaml:"dimensions" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	BatchSize         int           `yaml:"batch_size" validate:"gt=0"`
	Concurrency       int           `yaml:"concurrency" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
}

// ModelConfig describes the answer generator backend. Type is not validated
// here; an unsupported backend surfaces as ErrModelUnavailable per request.
type ModelConfig struct {
	Type        string        `yaml:"type"`
	Path        string        `yaml:"path"`
	NCtx        int           `yaml:"n_ctx" validate:"gt=0"`
	URL         string        `yaml:"url" validate:"omitempty,url"`
	APIKey      string        `yaml:"api_key"`
	DownloadURL string        `yaml:"download_url" validate:"omitempty,url"`
	Temperature float64       `yaml:"temperature" validate:"gte=0"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
}

type StoreConfig struct {
	Backend          string `yaml:"backend" validate:"oneof=local pgvector"`
	PersistDirectory string `yaml:"persist_directory" validate:"required_if=Backend local"`
	PostgresDSN      string `yaml:"postgres_dsn" validate:"required_if=Backend pgvector"`
	MaxConns         int32  `yaml:"max_conns" validate:"gte=0"`
}

type IngestConfig struct {
	SourceDirectory  string        `yaml:"source_directory" validate:"required"`
	Projects         []string      `yaml:"projects" validate:"min=1,dive,required,excludesall=/\\,ne=.,ne=.."`
	ChunkSize        int           `yaml:"chunk_size" validate:"gt=0"`
	ChunkOverlap     int           `yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	Workers          int           `yaml:"workers" validate:"gt=0"`
	ArchiveDirectory string        `yaml:"archive_directory"`
	BadDirectory     string        `yaml:"bad_directory"`
	MonitoringTime   time.Duration `yaml:"monitoring_time" validate:"gte=0"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8000",
			BodyLimitMB:  64,
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
			SmokeTest:    true,
		},
		Embeddings: EmbeddingsConfig{
			Provider:    "ollama",
			ModelName:   "nomic-embed-text",
			URL:         "http://localhost:11434",
			Dimensions:  384,
			Timeout:     30 * time.Second,
			BatchSize:   64,
			Concurrency: 4,
		},
		Model: ModelConfig{
			Type:        "Ollama",
			Path:        "models/llama3.2",
			NCtx:        1000,
			URL:         "http://localhost:11434",
			Temperature: 0.1,
			MaxTokens:   256,
			Timeout:     2 * time.Minute,
			MaxAttempts: 2,
		},
		Store: StoreConfig{
			Backend:          "local",
			PersistDirectory: "db",
			MaxConns:         10,
		},
		Ingest: IngestConfig{
			SourceDirectory:  "source_documents",
			Projects:         []string{"general", "ai_story"},
			ChunkSize:        500,
			ChunkOverlap:     50,
			Workers:          2,
			ArchiveDirectory: "archive",
			BadDirectory:     "bad",
			MonitoringTime:   5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the struct tags and returns every violation at once.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	if c.Embeddings.Provider != "hashing" && c.Embeddings.URL == "" {
		return fmt.Errorf("embeddings url is required for provider %q", c.Embeddings.Provider)
	}
	return nil
}

// HasProject reports whether name is one of the configured staging projects.
func (c IngestConfig) HasProject(name string) bool {
	for _, p := range c.Projects {
		if p == name {
			return true
		}
	}
	return false
}
