package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"privaterag/config"
	"privaterag/logger"
	"privaterag/types"
	"strings"
	"time"
)

// LLM completes a prompt.
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Provisioner is implemented by backends that can fetch their model on
// startup.
type Provisioner interface {
	EnsureModel(ctx context.Context) error
}

// Model types accepted in MODEL_TYPE.
const (
	TypeLlamaCpp = "LlamaCpp"
	TypeGPT4All  = "GPT4All"
	TypeOpenAI   = "OpenAI"
	TypeOllama   = "Ollama"
)

// NewLLM builds the generator for cfg.Type. An unknown type or a backend
// without a server URL fails with types.ErrModelUnavailable.
func NewLLM(cfg config.ModelConfig, l *slog.Logger) (LLM, error) {
	l = logger.OrDefault(l)
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: no server url for model type %q", types.ErrModelUnavailable, cfg.Type)
	}
	client := &http.Client{}

	switch {
	case strings.EqualFold(cfg.Type, TypeOllama):
		return newOllamaLLM(client, cfg, l), nil
	case strings.EqualFold(cfg.Type, TypeLlamaCpp):
		return &LlamaCppLLM{client: client, cfg: cfg}, nil
	case strings.EqualFold(cfg.Type, TypeGPT4All):
		return &CompletionLLM{client: client, cfg: cfg, kind: TypeGPT4All}, nil
	case strings.EqualFold(cfg.Type, TypeOpenAI):
		return &ChatLLM{client: client, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: model type %q is not supported", types.ErrModelUnavailable, cfg.Type)
	}
}

// ModelName derives the model identifier sent to the server from the
// model path: its base name without a weights file extension.
func ModelName(path string) string {
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gguf", ".ggml", ".bin":
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// generate bounds one generation by timeout and retries transient
// failures.
func generate(ctx context.Context, timeout time.Duration, attempts int, call func(ctx context.Context) (string, error)) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var answer string
	err := retry(ctx, attempts, func(ctx context.Context) error {
		var err error
		answer, err = call(ctx)
		return err
	})
	if err != nil {
		return "", asTimeout(err)
	}
	return strings.TrimSpace(answer), nil
}

// LlamaCppLLM targets the llama.cpp server /completion endpoint.
type LlamaCppLLM struct {
	client *http.Client
	cfg    config.ModelConfig
}

type llamaCppRequest struct {
	Prompt      string  `json:"prompt"`
	NPredict    int     `json:"n_predict"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type llamaCppResponse struct {
	Content string `json:"content"`
}

func (m *LlamaCppLLM) Name() string { return TypeLlamaCpp + "/" + ModelName(m.cfg.Path) }

func (m *LlamaCppLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, m.cfg.Timeout, m.cfg.MaxAttempts, func(ctx context.Context) (string, error) {
		req := llamaCppRequest{
			Prompt:      prompt,
			NPredict:    m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
		}
		var resp llamaCppResponse
		if err := postJSON(ctx, m.client, endpoint(m.cfg.URL, "/completion"), m.cfg.APIKey, req, &resp); err != nil {
			return "", err
		}
		return resp.Content, nil
	})
}

// CompletionLLM targets an OpenAI-compatible /v1/completions endpoint such
// as the GPT4All API server.
type CompletionLLM struct {
	client *http.Client
	cfg    config.ModelConfig
	kind   string
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (m *CompletionLLM) Name() string { return m.kind + "/" + ModelName(m.cfg.Path) }

func (m *CompletionLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, m.cfg.Timeout, m.cfg.MaxAttempts, func(ctx context.Context) (string, error) {
		req := completionRequest{
			Model:       ModelName(m.cfg.Path),
			Prompt:      prompt,
			MaxTokens:   m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
		}
		var resp completionResponse
		if err := postJSON(ctx, m.client, endpoint(m.cfg.URL, "/v1/completions"), m.cfg.APIKey, req, &resp); err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("completion returned no choices")
		}
		return resp.Choices[0].Text, nil
	})
}

// ChatLLM targets /v1/chat/completions with the prompt as one user message.
type ChatLLM struct {
	client *http.Client
	cfg    config.ModelConfig
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (m *ChatLLM) Name() string { return TypeOpenAI + "/" + ModelName(m.cfg.Path) }

func (m *ChatLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return generate(ctx, m.cfg.Timeout, m.cfg.MaxAttempts, func(ctx context.Context) (string, error) {
		req := chatRequest{
			Model:       ModelName(m.cfg.Path),
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens:   m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
		}
		var resp chatResponse
		if err := postJSON(ctx, m.client, endpoint(m.cfg.URL, "/v1/chat/completions"), m.cfg.APIKey, req, &resp); err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
}
