package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// completion is one request to the generation endpoint.
type completion struct {
	Model           string
	MaxOutputTokens int
	System          string
	User            string
}

type completionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// backend speaks one vendor's wire format. Exactly one is configured per process.
type backend interface {
	complete(ctx context.Context, req completion) (completionResult, error)
}

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewAnthropicBackend creates a Messages API backend.
func NewAnthropicBackend(baseURL, apiKey string) *AnthropicBackend {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		client:  &http.Client{},
	}
}

func (a *AnthropicBackend) complete(ctx context.Context, req completion) (completionResult, error) {
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": req.MaxOutputTokens,
		"system":     req.System,
		"messages": []map[string]string{
			{"role": "user", "content": req.User},
		},
	}
	headers := map[string]string{
		"x-api-key":         a.APIKey,
		"anthropic-version": "2023-06-01",
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := postJSON(ctx, a.client, a.BaseURL+"/v1/messages", headers, body, &result); err != nil {
		return completionResult{}, err
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return completionResult{
		Text:         strings.Join(parts, "\n"),
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}, nil
}

// OpenAIBackend calls an OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewOpenAIBackend creates a chat completions backend.
func NewOpenAIBackend(baseURL, apiKey string) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		client:  &http.Client{},
	}
}

func (o *OpenAIBackend) complete(ctx context.Context, req completion) (completionResult, error) {
	body := map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.User},
		},
		"max_tokens":  req.MaxOutputTokens,
		"temperature": 0.3,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.APIKey}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := postJSON(ctx, o.client, o.BaseURL+"/v1/chat/completions", headers, body, &result); err != nil {
		return completionResult{}, err
	}
	if len(result.Choices) == 0 {
		return completionResult{}, &UpstreamError{Err: fmt.Errorf("no choices in response")}
	}
	return completionResult{
		Text:         result.Choices[0].Message.Content,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
	}, nil
}

// postJSON sends body as JSON and decodes a 2xx response into out. Every
// failure is reported as an *UpstreamError.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &UpstreamError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     fmt.Errorf("decoding response: %w", err),
		}
	}
	return nil
}
