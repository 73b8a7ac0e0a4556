package agent

import (
	"context"
	"fmt"
	"log/slog"
	"privaterag/config"
	"privaterag/logger"
	"privaterag/metrics"
	"privaterag/model"
	"privaterag/types"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

const promptTemplate = `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

%s

Question: %s
Helpful Answer:`

// TokenCounter returns the number of tokens in s.
type TokenCounter func(s string) int

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens counts with the cl100k encoding. If the encoding cannot be
// loaded it estimates four characters per token.
func CountTokens(s string) int {
	encOnce.Do(func() {
		e, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
		if err != nil {
			slog.Warn("tiktoken unavailable, estimating tokens", "error", err)
			return
		}
		enc = e
	})
	if enc == nil {
		return (len(s) + 3) / 4
	}
	return len(enc.Encode(s, nil, nil))
}

// Agent answers a question from retrieved chunks with the "stuff"
// strategy: every chunk that fits the context window goes into one prompt.
type Agent struct {
	llm     model.LLM
	llmErr  error
	nCtx    int
	reserve int
	count   TokenCounter
	logger  *slog.Logger
}

type Option func(*Agent)

func WithTokenCounter(c TokenCounter) Option {
	return func(a *Agent) {
		a.count = c
	}
}

func New(llm model.LLM, cfg config.ModelConfig, l *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		llm:     llm,
		nCtx:    cfg.NCtx,
		reserve: cfg.MaxTokens,
		count:   CountTokens,
		logger:  logger.OrDefault(l),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig builds the agent for cfg.Type. An unusable model does not
// fail here: Ready reports it on every request instead.
func NewFromConfig(cfg config.ModelConfig, l *slog.Logger, opts ...Option) *Agent {
	llm, err := model.NewLLM(cfg, l)
	a := New(llm, cfg, l, opts...)
	if err != nil {
		a.llmErr = err
		a.logger.Warn("answer generator unavailable", "model_type", cfg.Type, "error", err)
	}
	return a
}

// Ready returns the model construction error, if any.
func (a *Agent) Ready() error {
	if a.llmErr != nil {
		return a.llmErr
	}
	if a.llm == nil {
		return fmt.Errorf("%w: no model configured", types.ErrModelUnavailable)
	}
	return nil
}

func (a *Agent) LLM() model.LLM { return a.llm }

// BuildPrompt fills the template with as many leading chunks as fit the
// token budget and returns the prompt with the chunks used.
func (a *Agent) BuildPrompt(question string, chunks []types.ScoredChunk) (string, []types.ScoredChunk) {
	budget := a.nCtx - a.reserve
	if budget <= 0 {
		budget = a.nCtx
	}

	used := chunks
	for {
		prompt := fmt.Sprintf(promptTemplate, joinChunks(used), question)
		if len(used) == 0 || a.count(prompt) <= budget {
			if len(used) < len(chunks) {
				a.logger.Debug("chunks dropped to fit context", "kept", len(used), "retrieved", len(chunks), "budget", budget)
			}
			return prompt, used
		}
		used = used[:len(used)-1]
	}
}

func joinChunks(chunks []types.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n\n")
}

// Generate asks the model to answer question from chunks and returns the
// answer with the chunks that made it into the prompt.
func (a *Agent) Generate(ctx context.Context, question string, chunks []types.ScoredChunk) (string, []types.ScoredChunk, error) {
	if err := a.Ready(); err != nil {
		return "", nil, err
	}

	prompt, used := a.BuildPrompt(question, chunks)
	tokens := a.count(prompt)
	metrics.PromptTokens.Observe(float64(tokens))

	start := time.Now()
	answer, err := a.llm.Generate(ctx, prompt)
	metrics.StageDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", nil, fmt.Errorf("generate with %s: %w", a.llm.Name(), err)
	}

	a.logger.Info("answer generated", "model", a.llm.Name(), "prompt_tokens", tokens,
		"chunks", len(used), "took", time.Since(start))
	return answer, used, nil
}
