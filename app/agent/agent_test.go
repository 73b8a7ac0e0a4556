package agent

import (
	"context"
	"fmt"
	"privaterag/config"
	"privaterag/model"
	"privaterag/store"
	"privaterag/types"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCount stands in for tiktoken so tests stay offline.
func wordCount(s string) int { return len(strings.Fields(s)) }

type countingEmbedder struct {
	*model.HashingEmbedder
	calls atomic.Int32
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{HashingEmbedder: model.NewHashingEmbedder(256)}
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	return e.HashingEmbedder.Embed(ctx, text)
}

type fakeLLM struct {
	prompts []string
	answer  string
	err     error
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func scored(texts ...string) []types.ScoredChunk {
	out := make([]types.ScoredChunk, len(texts))
	for i, t := range texts {
		out[i] = types.ScoredChunk{Chunk: types.Chunk{ID: uuid.New(), Content: t, Index: i}, Score: 1 - float64(i)/10}
	}
	return out
}

func modelConfig(nCtx, maxTokens int) config.ModelConfig {
	cfg := config.Defaults().Model
	cfg.NCtx = nCtx
	cfg.MaxTokens = maxTokens
	return cfg
}

func TestBuildPrompt_StuffsAllChunks(t *testing.T) {
	a := New(&fakeLLM{}, modelConfig(1000, 100), nil, WithTokenCounter(wordCount))

	prompt, used := a.BuildPrompt("What colour is the sky?", scored("The sky is blue.", "Grass is green."))
	assert.Len(t, used, 2)
	assert.Contains(t, prompt, "The sky is blue.\n\nGrass is green.")
	assert.Contains(t, prompt, "Question: What colour is the sky?")
	assert.True(t, strings.HasSuffix(prompt, "Helpful Answer:"))
}

func TestBuildPrompt_DropsTrailingChunksOverBudget(t *testing.T) {
	long := strings.Repeat("word ", 40)
	a := New(&fakeLLM{}, modelConfig(150, 50), nil, WithTokenCounter(wordCount))

	prompt, used := a.BuildPrompt("q?", scored(long, long, long))
	require.Len(t, used, 1)
	assert.LessOrEqual(t, wordCount(prompt), 100)
}

func TestGenerate_ReturnsUsedChunks(t *testing.T) {
	llm := &fakeLLM{answer: "Blue."}
	a := New(llm, modelConfig(1000, 100), nil, WithTokenCounter(wordCount))

	answer, used, err := a.Generate(context.Background(), "sky?", scored("The sky is blue."))
	require.NoError(t, err)
	assert.Equal(t, "Blue.", answer)
	assert.Len(t, used, 1)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "The sky is blue.")
}

func TestGenerate_WrapsModelErrors(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("slow: %w", types.ErrGenerationTimeout)}
	a := New(llm, modelConfig(1000, 100), nil, WithTokenCounter(wordCount))

	_, _, err := a.Generate(context.Background(), "q", scored("c"))
	assert.ErrorIs(t, err, types.ErrGenerationTimeout)
}

func newRetrieverFixture(t *testing.T, a *Agent) (*Retriever, *countingEmbedder, store.VectorStorer) {
	t.Helper()
	s, err := store.NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emb := newCountingEmbedder()
	return NewRetriever(emb, s, a, 4, nil), emb, s
}

func seed(t *testing.T, s store.VectorStorer, collection string, texts ...string) {
	t.Helper()
	e := model.NewHashingEmbedder(256)
	chunks := make([]types.Chunk, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		chunks[i] = types.Chunk{
			ID: uuid.New(), Index: i, Content: text, Embedding: vec,
			Metadata: map[string]string{"source": fmt.Sprintf("doc%d.txt", i)},
		}
	}
	require.NoError(t, s.Upsert(context.Background(), collection, chunks))
}

func TestRetrieve_UnsupportedModelFailsBeforeEmbedding(t *testing.T) {
	cfg := modelConfig(1000, 100)
	cfg.Type = "NotARealBackend"
	a := NewFromConfig(cfg, nil, WithTokenCounter(wordCount))

	r, emb, s := newRetrieverFixture(t, a)
	seed(t, s, "docs", "anything")

	_, err := r.Retrieve(context.Background(), "docs", "question", 0)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
	assert.Zero(t, emb.calls.Load(), "no embedding call before the model check")
}

func TestRetrieve_EmptyCollection(t *testing.T) {
	a := New(&fakeLLM{answer: "x"}, modelConfig(1000, 100), nil, WithTokenCounter(wordCount))
	r, _, _ := newRetrieverFixture(t, a)

	_, err := r.Retrieve(context.Background(), "never-ingested", "question", 0)
	assert.ErrorIs(t, err, types.ErrCollectionNotFound)
}

func TestRetrieve_AnswersWithSources(t *testing.T) {
	llm := &fakeLLM{answer: "Paris."}
	a := New(llm, modelConfig(1000, 100), nil, WithTokenCounter(wordCount))
	r, emb, s := newRetrieverFixture(t, a)
	seed(t, s, "geo",
		"paris capital france landmarks",
		"bananas yellow tropical fruit",
		"oceans salty water tides",
	)

	ans, err := r.Retrieve(context.Background(), "geo", "capital of france", 2)
	require.NoError(t, err)
	assert.Equal(t, "Paris.", ans.Text)
	require.Len(t, ans.Sources, 2)
	assert.Equal(t, "paris capital france landmarks", ans.Sources[0].Content)
	assert.Equal(t, int32(1), emb.calls.Load())
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "paris capital france landmarks")
}

func TestRetrieve_InvalidCollection(t *testing.T) {
	a := New(&fakeLLM{}, modelConfig(1000, 100), nil, WithTokenCounter(wordCount))
	r, _, _ := newRetrieverFixture(t, a)

	_, err := r.Retrieve(context.Background(), "../etc", "q", 0)
	assert.ErrorIs(t, err, types.ErrInvalidCollection)
}
