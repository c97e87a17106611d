package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ctxproxy/pkg/logger"
)

// Ollama is a Backend backed by an Ollama server's HTTP API.
type Ollama struct {
	endpoint  string
	model     string
	keepAlive string
	client    *http.Client
}

// OllamaOptions configures the Ollama client.
type OllamaOptions struct {
	Endpoint  string
	Model     string
	Timeout   time.Duration
	KeepAlive string
}

// NewOllama creates an Ollama client.
func NewOllama(opts OllamaOptions) *Ollama {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Ollama{
		endpoint:  strings.TrimRight(opts.Endpoint, "/"),
		model:     opts.Model,
		keepAlive: opts.KeepAlive,
		client:    &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (o *Ollama) Model() string {
	return o.model
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate completes a prompt via /api/generate. maxTokens bounds the
// output length; the prediction cap is doubled to leave room for the
// model's formatting overhead.
func (o *Ollama) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := generateRequest{
		Model:     o.model,
		Prompt:    prompt,
		Stream:    false,
		KeepAlive: o.keepAlive,
		Options: map[string]any{
			"temperature": 0.3,
		},
	}
	if maxTokens > 0 {
		req.Options["num_predict"] = maxTokens * 2
	}

	var resp generateResponse
	if err := o.post(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []ChatMessage  `json:"messages"`
	Tools     []Tool         `json:"tools,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Chat forwards a conversation via /api/chat.
func (o *Ollama) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	req := chatRequest{
		Model:     o.model,
		Messages:  messages,
		Tools:     opts.Tools,
		Stream:    false,
		KeepAlive: o.keepAlive,
	}

	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		options["top_p"] = opts.TopP
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}

	var resp chatResponse
	if err := o.post(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}

	return &ChatResult{
		Content:         resp.Message.Content,
		ToolCalls:       resp.Message.ToolCalls,
		Done:            resp.Done,
		DoneReason:      resp.DoneReason,
		PromptEvalCount: resp.PromptEvalCount,
		EvalCount:       resp.EvalCount,
	}, nil
}

type tagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		ModifiedAt string `json:"modified_at"`
	} `json:"models"`
}

// Models lists available models via /api/tags.
func (o *Ollama) Models(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, httpResp.StatusCode)
	}

	var resp tagsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{Name: m.Name, ModifiedAt: m.ModifiedAt})
	}
	return models, nil
}

// Ping checks backend reachability.
func (o *Ollama) Ping(ctx context.Context) error {
	_, err := o.Models(ctx)
	return err
}

func (o *Ollama) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("ollama request failed")
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		logger.Warn().
			Int("status", httpResp.StatusCode).
			Str("path", path).
			Str("body", string(snippet)).
			Msg("ollama returned non-200")
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	logger.Debug().
		Str("path", path).
		Dur("elapsed", time.Since(start)).
		Msg("ollama request completed")
	return nil
}
