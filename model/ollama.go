package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"privaterag/config"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// OllamaEmbedder calls the Ollama embeddings endpoint, one text per request.
type OllamaEmbedder struct {
	client      *http.Client
	apiURL      string
	model       string
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	dims        atomic.Int64
}

type OllamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type OllamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func NewOllamaEmbedder(client *http.Client, cfg config.EmbeddingsConfig, limiter *rate.Limiter) *OllamaEmbedder {
	return &OllamaEmbedder{
		client:      client,
		apiURL:      endpoint(cfg.URL, "/api/embeddings"),
		model:       cfg.ModelName,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		limiter:     limiter,
	}
}

func (e *OllamaEmbedder) Dimensions() int {
	return int(e.dims.Load())
}

// Embed waits on the rate limiter, so query embeddings share the budget
// with ingestion.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, asTimeout(err)
		}
	}
	return e.embed(ctx, text)
}

func (e *OllamaEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var resp OllamaEmbeddingResponse
	req := OllamaEmbeddingRequest{Model: e.model, Prompt: text}
	if err := postJSON(ctx, e.client, e.apiURL, "", req, &resp); err != nil {
		return nil, asTimeout(fmt.Errorf("ollama embeddings: %w", err))
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("ollama embeddings: empty vector")
	}

	embedding := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		embedding[i] = float32(v)
	}
	e.dims.Store(int64(len(embedding)))
	return normalize(embedding), nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.concurrency, e.limiter, e.embed)
}

// OllamaLLM generates with /api/generate.
type OllamaLLM struct {
	client      *http.Client
	baseURL     string
	model       string
	nCtx        int
	temperature float64
	maxTokens   int
	timeout     time.Duration
	attempts    int
	logger      *slog.Logger
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func newOllamaLLM(client *http.Client, cfg config.ModelConfig, l *slog.Logger) *OllamaLLM {
	return &OllamaLLM{
		client:      client,
		baseURL:     cfg.URL,
		model:       ModelName(cfg.Path),
		nCtx:        cfg.NCtx,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		attempts:    cfg.MaxAttempts,
		logger:      l,
	}
}

func (o *OllamaLLM) Name() string { return "Ollama/" + o.model }

func (o *OllamaLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, o.timeout, o.attempts, func(ctx context.Context) (string, error) {
		req := ollamaGenerateRequest{
			Model:  o.model,
			Prompt: prompt,
			Options: map[string]any{
				"temperature": o.temperature,
				"num_predict": o.maxTokens,
				"num_ctx":     o.nCtx,
			},
		}
		resp, err := doJSON(ctx, o.client, endpoint(o.baseURL, "/api/generate"), "", req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		return decodeOllamaStream(resp.Body)
	})
}

// decodeOllamaStream concatenates the response fields of an NDJSON stream.
// A non-streaming reply is a stream of one object.
func decodeOllamaStream(r io.Reader) (string, error) {
	decoder := json.NewDecoder(r)
	var b strings.Builder
	for {
		var chunk ollamaGenerateResponse
		if err := decoder.Decode(&chunk); err == io.EOF {
			break
		} else if err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if chunk.Error != "" {
			return "", errors.New(chunk.Error)
		}
		b.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	return b.String(), nil
}

// EnsureModel pulls the model unless the server already has it.
func (o *OllamaLLM) EnsureModel(ctx context.Context) error {
	show := map[string]string{"name": o.model}
	resp, err := doJSON(ctx, o.client, endpoint(o.baseURL, "/api/show"), "", show)
	if err == nil {
		resp.Body.Close()
		return nil
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		return fmt.Errorf("ollama show %s: %w", o.model, err)
	}

	o.logger.Info("pulling model", "model", o.model)
	start := time.Now()
	pull := map[string]any{"name": o.model, "stream": false}
	var status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := postJSON(ctx, o.client, endpoint(o.baseURL, "/api/pull"), "", pull, &status); err != nil {
		return fmt.Errorf("ollama pull %s: %w", o.model, err)
	}
	if status.Error != "" {
		return fmt.Errorf("ollama pull %s: %s", o.model, status.Error)
	}
	o.logger.Info("model pulled", "model", o.model, "status", status.Status, "took", time.Since(start))
	return nil
}
