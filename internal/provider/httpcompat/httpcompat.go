// Package httpcompat implements a generic provider against any upstream that
// speaks the OpenAI chat-completions/embeddings wire format, covering both
// cloud vendors and self-hosted inference gateways that emulate it.
package httpcompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sovereign-rag/gateway/internal/provider"
)

// Config configures an OpenAI-wire-compatible HTTP provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Provider calls a single OpenAI-compatible endpoint over HTTP.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New constructs an httpcompat Provider.
func New(cfg Config) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequestBody struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponseBody struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatChunkBody struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type embeddingsRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponseBody struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResult, error) {
	body := chatRequestBody{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := p.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return provider.ChatResult{}, err
	}
	defer resp.Body.Close()

	if err := raiseForStatus(resp); err != nil {
		return provider.ChatResult{}, err
	}

	var parsed chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.ChatResult{}, &provider.Error{Status: 502, Message: "malformed provider response", Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return provider.ChatResult{}, &provider.Error{Status: 502, Message: "provider returned no choices"}
	}
	return provider.ChatResult{
		Content:          parsed.Choices[0].Message.Content,
		FinishReason:     parsed.Choices[0].FinishReason,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	body := chatRequestBody{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOpts{IncludeUsage: true},
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := p.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if err := raiseForStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan provider.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		promptTokens, completionTokens := 0, 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				out <- provider.StreamChunk{Done: true, PromptTokens: promptTokens, CompletionTokens: completionTokens}
				return
			}
			var chunk chatChunkBody
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				promptTokens = chunk.Usage.PromptTokens
				completionTokens = chunk.Usage.CompletionTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			completionTokens++
			out <- provider.StreamChunk{
				DeltaContent:     chunk.Choices[0].Delta.Content,
				FinishReason:     chunk.Choices[0].FinishReason,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
			}
		}
		if err := scanner.Err(); err != nil {
			out <- provider.StreamChunk{Err: &provider.Error{Status: 502, Message: "provider stream read failed", Cause: err}}
		}
	}()
	return out, nil
}

func (p *Provider) Embeddings(ctx context.Context, req provider.EmbeddingsRequest) (provider.EmbeddingsResult, error) {
	body := embeddingsRequestBody{Model: req.Model, Input: req.Inputs}
	resp, err := p.post(ctx, "/v1/embeddings", body)
	if err != nil {
		return provider.EmbeddingsResult{}, err
	}
	defer resp.Body.Close()

	if err := raiseForStatus(resp); err != nil {
		return provider.EmbeddingsResult{}, err
	}

	var parsed embeddingsResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.EmbeddingsResult{}, &provider.Error{Status: 502, Message: "malformed provider response", Cause: err}
	}
	vectors := make([][]float64, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return provider.EmbeddingsResult{Vectors: vectors, PromptTokens: parsed.Usage.PromptTokens}, nil
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpcompat: encode request: %w", err)
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("httpcompat: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &provider.Error{Status: 503, Message: "provider request timed out", Cause: ctxErr}
		}
		return nil, &provider.Error{Status: 502, Message: "cannot connect to provider", Cause: err}
	}
	return resp, nil
}

func raiseForStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &provider.Error{Status: 429, Message: "provider rate limit exceeded"}
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return &provider.Error{Status: resp.StatusCode, Message: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &provider.Error{Status: resp.StatusCode, Message: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, string(msg))}
	default:
		return nil
	}
}
