package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"privaterag/config"
	"privaterag/types"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModelConfig(typ, url string) config.ModelConfig {
	cfg := config.Defaults().Model
	cfg.Type = typ
	cfg.URL = url
	cfg.Path = "models/tiny-model.gguf"
	cfg.Timeout = 2 * time.Second
	cfg.MaxAttempts = 1
	return cfg
}

func testEmbeddingsConfig(provider, url string) config.EmbeddingsConfig {
	cfg := config.Defaults().Embeddings
	cfg.Provider = provider
	cfg.URL = url
	cfg.ModelName = "test-embed"
	cfg.Timeout = 2 * time.Second
	return cfg
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestNewLLM_UnsupportedType(t *testing.T) {
	_, err := NewLLM(testModelConfig("Bogus", "http://localhost:1"), nil)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
}

func TestNewLLM_MissingURL(t *testing.T) {
	_, err := NewLLM(testModelConfig(TypeLlamaCpp, ""), nil)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
}

func TestNewLLM_KnownTypes(t *testing.T) {
	for _, typ := range []string{TypeLlamaCpp, TypeGPT4All, TypeOpenAI, TypeOllama, "ollama"} {
		m, err := NewLLM(testModelConfig(typ, "http://localhost:1"), nil)
		require.NoError(t, err, typ)
		assert.Contains(t, m.Name(), "tiny-model")
	}
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "ggml-gpt4all-j-v1.3-groovy", ModelName("models/ggml-gpt4all-j-v1.3-groovy.bin"))
	assert.Equal(t, "mistral-7b", ModelName("/opt/models/mistral-7b.gguf"))
	assert.Equal(t, "llama3.2", ModelName("models/llama3.2"))
}

func TestOllamaEmbedder_Normalises(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req OllamaEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)
		assert.Equal(t, "hello", req.Prompt)
		_ = json.NewEncoder(w).Encode(OllamaEmbeddingResponse{Embedding: []float64{3, 4}})
	}))
	defer srv.Close()

	e, err := NewEmbedder(testEmbeddingsConfig("ollama", srv.URL), nil)
	require.NoError(t, err)
	assert.Zero(t, e.Dimensions())

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
	assert.Equal(t, 2, e.Dimensions())
}

func TestOllamaEmbedder_BatchKeepsOrder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req OllamaEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The vector points along an axis chosen by prompt length.
		vec := make([]float64, 8)
		vec[len(req.Prompt)%8] = 1
		_ = json.NewEncoder(w).Encode(OllamaEmbeddingResponse{Embedding: vec})
	}))
	defer srv.Close()

	cfg := testEmbeddingsConfig("ollama", srv.URL)
	cfg.Concurrency = 3
	cfg.RequestsPerSecond = 1000
	e, err := NewEmbedder(cfg, nil)
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Equal(t, float32(1), v[len(texts[i])%8], "vector %d out of order", i)
	}
	assert.Equal(t, int32(len(texts)), calls.Load())
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e, err := NewEmbedder(testEmbeddingsConfig("ollama", srv.URL), nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestOllamaEmbedder_EmbedIsRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(OllamaEmbeddingResponse{Embedding: []float64{1, 0}})
	}))
	defer srv.Close()

	cfg := testEmbeddingsConfig("ollama", srv.URL)
	cfg.RequestsPerSecond = 0.5
	cfg.Concurrency = 1
	e, err := NewEmbedder(cfg, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = e.Embed(ctx, "second")
	assert.Error(t, err, "second call must wait for the limiter")
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedder_TimeoutIsGenerationTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testEmbeddingsConfig("ollama", srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	e, err := NewEmbedder(cfg, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "slow")
	assert.ErrorIs(t, err, types.ErrGenerationTimeout)
}

func TestOpenAIEmbedder_OrdersByIndex(t *testing.T) {
	var batches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		batches.Add(1)

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Reply in reverse order; vector[0] carries the input length.
		var resp openAIEmbeddingResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(len(req.Input[i])), 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := testEmbeddingsConfig("openai", srv.URL)
	cfg.APIKey = "secret"
	cfg.BatchSize = 2
	e, err := NewEmbedder(cfg, nil)
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.InDelta(t, 1.0, norm(v), 1e-6)
	}
	assert.Equal(t, int32(2), batches.Load())
	assert.Equal(t, 2, e.Dimensions())
}

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "The quick brown fox")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the QUICK brown fox!")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "completely unrelated sentence here")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, norm(a), 1e-6)
	assert.Equal(t, a, b, "tokenisation ignores case and punctuation")
	assert.NotEqual(t, a, c)

	empty, err := e.Embed(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, norm(empty))
}

func TestOllamaLLM_DecodesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tiny-model", req.Model)
		assert.False(t, req.Stream)
		fmt.Fprintln(w, `{"response":"Paris ","done":false}`)
		fmt.Fprintln(w, `{"response":"is the capital.","done":true}`)
		fmt.Fprintln(w, `{"response":"ignored","done":false}`)
	}))
	defer srv.Close()

	m, err := NewLLM(testModelConfig(TypeOllama, srv.URL), nil)
	require.NoError(t, err)

	answer, err := m.Generate(context.Background(), "Where?")
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", answer)
}

func TestLlamaCpp_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completion", r.URL.Path)
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(llamaCppResponse{Content: " forty-two "})
	}))
	defer srv.Close()

	cfg := testModelConfig(TypeLlamaCpp, srv.URL)
	cfg.MaxAttempts = 2
	m, err := NewLLM(cfg, nil)
	require.NoError(t, err)

	answer, err := m.Generate(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, "forty-two", answer)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLlamaCpp_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testModelConfig(TypeLlamaCpp, srv.URL)
	cfg.MaxAttempts = 3
	m, err := NewLLM(cfg, nil)
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), "question")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGPT4AllAndOpenAIEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/completions":
			var req completionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "tiny-model", req.Model)
			fmt.Fprint(w, `{"choices":[{"text":"completion answer"}]}`)
		case "/v1/chat/completions":
			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Messages, 1)
			assert.Equal(t, "user", req.Messages[0].Role)
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"chat answer"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gpt, err := NewLLM(testModelConfig(TypeGPT4All, srv.URL), nil)
	require.NoError(t, err)
	answer, err := gpt.Generate(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "completion answer", answer)

	chat, err := NewLLM(testModelConfig(TypeOpenAI, srv.URL), nil)
	require.NoError(t, err)
	answer, err = chat.Generate(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "chat answer", answer)
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testModelConfig(TypeLlamaCpp, srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxAttempts = 3
	m, err := NewLLM(cfg, nil)
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), "slow")
	assert.ErrorIs(t, err, types.ErrGenerationTimeout)
}

func TestOllamaLLM_EnsureModelPullsWhenMissing(t *testing.T) {
	var pulled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/show":
			if !pulled.Load() {
				http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
				return
			}
			fmt.Fprint(w, `{}`)
		case "/api/pull":
			pulled.Store(true)
			fmt.Fprint(w, `{"status":"success"}`)
		}
	}))
	defer srv.Close()

	m, err := NewLLM(testModelConfig(TypeOllama, srv.URL), nil)
	require.NoError(t, err)
	p, ok := m.(Provisioner)
	require.True(t, ok)

	require.NoError(t, p.EnsureModel(context.Background()))
	assert.True(t, pulled.Load())
	require.NoError(t, p.EnsureModel(context.Background()))
}

func TestEnsureModelFile(t *testing.T) {
	var downloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		fmt.Fprint(w, "weights")
	}))
	defer srv.Close()

	cfg := testModelConfig(TypeLlamaCpp, srv.URL)
	cfg.Path = filepath.Join(t.TempDir(), "models", "tiny.gguf")
	cfg.DownloadURL = srv.URL + "/tiny.gguf"

	require.NoError(t, EnsureModelFile(context.Background(), cfg, nil))
	data, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	require.NoError(t, EnsureModelFile(context.Background(), cfg, nil))
	assert.Equal(t, int32(1), downloads.Load(), "existing file is not downloaded again")
}
