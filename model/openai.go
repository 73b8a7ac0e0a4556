package model

import (
	"context"
	"fmt"
	"net/http"
	"privaterag/config"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// OpenAIEmbedder talks to any server exposing /v1/embeddings.
type OpenAIEmbedder struct {
	client    *http.Client
	apiURL    string
	apiKey    string
	model     string
	timeout   time.Duration
	batchSize int
	limiter   *rate.Limiter
	dims      atomic.Int64
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewOpenAIEmbedder(client *http.Client, cfg config.EmbeddingsConfig, limiter *rate.Limiter) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:    client,
		apiURL:    endpoint(cfg.URL, "/v1/embeddings"),
		apiKey:    cfg.APIKey,
		model:     cfg.ModelName,
		timeout:   cfg.Timeout,
		batchSize: cfg.BatchSize,
		limiter:   limiter,
	}
}

func (e *OpenAIEmbedder) Dimensions() int {
	return int(e.dims.Load())
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in slices of batchSize and reorders each reply by
// its index field.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	size := e.batchSize
	if size < 1 {
		size = len(texts)
	}
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := e.embedSlice(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedSlice(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, asTimeout(err)
		}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var resp openAIEmbeddingResponse
	req := openAIEmbeddingRequest{Model: e.model, Input: texts}
	if err := postJSON(ctx, e.client, e.apiURL, e.apiKey, req, &resp); err != nil {
		return nil, asTimeout(fmt.Errorf("openai embeddings: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("openai embeddings: bad index %d", d.Index)
		}
		vecs[d.Index] = normalize(d.Embedding)
		e.dims.Store(int64(len(d.Embedding)))
	}
	return vecs, nil
}
