package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"privaterag/config"
	"privaterag/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Embedder turns text into vectors. Dimensions is 0 until the backend has
// reported a vector when the size is not known up front.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewEmbedder builds the backend named by cfg.Provider.
func NewEmbedder(cfg config.EmbeddingsConfig, l *slog.Logger) (Embedder, error) {
	l = logger.OrDefault(l)
	client := &http.Client{}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Concurrency
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	switch cfg.Provider {
	case "ollama", "":
		l.Info("embedder ready", "provider", "ollama", "model", cfg.ModelName, "url", cfg.URL)
		return NewOllamaEmbedder(client, cfg, limiter), nil
	case "openai":
		l.Info("embedder ready", "provider", "openai", "model", cfg.ModelName, "url", cfg.URL)
		return NewOpenAIEmbedder(client, cfg, limiter), nil
	case "hashing":
		l.Info("embedder ready", "provider", "hashing", "dimensions", cfg.Dimensions)
		return NewHashingEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

// embedEach calls embed once per text with at most concurrency calls in
// flight, keeping the output aligned with texts.
func embedEach(ctx context.Context, texts []string, concurrency int, limiter *rate.Limiter,
	embed func(ctx context.Context, text string) ([]float32, error)) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, text := range texts {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return asTimeout(err)
				}
			}
			vec, err := embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize scales vec to unit length in place. Zero vectors are left
// untouched.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i, x := range vec {
		vec[i] = float32(float64(x) / norm)
	}
	return vec
}
