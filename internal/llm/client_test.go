package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

func anthropicReply(text string, in, out int) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"usage":   map[string]any{"input_tokens": in, "output_tokens": out},
	}
}

func testClient(t *testing.T, handler http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if opts.Model == "" {
		opts.Model = "test-model"
	}
	if opts.Pricing == (Pricing{}) {
		opts.Pricing = Pricing{InputPerMillion: 3, OutputPerMillion: 15}
	}
	c := newClient(NewAnthropicBackend(srv.URL, "test-key"), opts, logger.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPerMillion: 3, OutputPerMillion: 15}
	assert.InDelta(t, 0.018, p.Cost(1000, 1000), 1e-12)
	assert.InDelta(t, 0.0, p.Cost(0, 0), 1e-12)
	assert.InDelta(t, 18.0, p.Cost(1_000_000, 1_000_000), 1e-9)
}

func TestGenerateTextSendsMessagesRequest(t *testing.T) {
	var gotBody map[string]any
	var gotKey, gotVersion string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(anthropicReply("hello", 1000, 1000))
	}, Options{MaxAttempts: 1})

	gen, err := c.GenerateText(context.Background(), "sys", "usr", 256)
	require.NoError(t, err)

	assert.Equal(t, "hello", gen.Text)
	assert.Equal(t, 1000, gen.InputTokens)
	assert.Equal(t, 1000, gen.OutputTokens)
	assert.Equal(t, 2000, gen.Tokens())
	assert.InDelta(t, 0.018, gen.CostUSD, 1e-12)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, "sys", gotBody["system"])
	assert.EqualValues(t, 256, gotBody["max_tokens"])
}

func TestGenerateTextRetriesUpstreamErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(anthropicReply("ok", 10, 5))
	}, Options{MaxAttempts: 3})

	gen, err := c.GenerateText(context.Background(), "s", "u", 100)
	require.NoError(t, err)
	assert.Equal(t, "ok", gen.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerateTextGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}, Options{MaxAttempts: 2})

	_, err := c.GenerateText(context.Background(), "s", "u", 100)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "boom")
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateTextTimeout(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, Options{MaxAttempts: 1, Timeout: 30 * time.Millisecond})

	_, err := c.GenerateText(context.Background(), "s", "u", 100)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.True(t, upstream.Timeout)
}

func TestGenerateTextCancelledContext(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, Options{MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GenerateText(ctx, "s", "u", 100)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), calls.Load())
}

type article struct {
	Title string `json:"title"`
}

func TestGenerateStructuredDecodesFencedJSON(t *testing.T) {
	var system string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		system, _ = body["system"].(string)
		_ = json.NewEncoder(w).Encode(anthropicReply("```json\n{\"title\":\"Go\"}\n```", 20, 10))
	}, Options{MaxAttempts: 1})

	out, err := GenerateStructured[article](context.Background(), c, "You write titles.", "go", 100)
	require.NoError(t, err)
	assert.Equal(t, "Go", out.Value.Title)
	assert.Equal(t, 30, out.Tokens())
	assert.Contains(t, system, JSONOnlyInstruction)
}

func TestGenerateStructuredParseErrorKeepsUsage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicReply("Sure! Here is your course.", 1000, 1000))
	}, Options{MaxAttempts: 3})

	_, err := GenerateStructured[article](context.Background(), c, "s", "u", 100)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Sure! Here is your course.", perr.Raw)
	assert.Equal(t, 2000, perr.Usage.Tokens())
	assert.InDelta(t, 0.018, perr.Usage.CostUSD, 1e-12)
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "hi"}}},
			"usage":   map[string]any{"prompt_tokens": 7, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	c := newClient(NewOpenAIBackend(srv.URL, "sk-test"), Options{
		Model:       "gpt-test",
		MaxAttempts: 1,
		Pricing:     Pricing{InputPerMillion: 1, OutputPerMillion: 2},
	}, logger.Nop())

	gen, err := c.GenerateText(context.Background(), "s", "u", 50)
	require.NoError(t, err)
	assert.Equal(t, "hi", gen.Text)
	assert.Equal(t, 7, gen.InputTokens)
	assert.Equal(t, 3, gen.OutputTokens)
}

func TestNewRequiresAPIKey(t *testing.T) {
	cfg := config.Default().Generation
	cfg.APIKeyEnv = "COURSEFORGE_TEST_MISSING_KEY"
	t.Setenv(cfg.APIKeyEnv, "")

	_, err := New(cfg, logger.Nop())
	assert.Error(t, err)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default().Generation
	cfg.APIKeyEnv = "COURSEFORGE_TEST_KEY"
	cfg.Backend = "carrier-pigeon"
	t.Setenv(cfg.APIKeyEnv, "k")

	_, err := New(cfg, logger.Nop())
	assert.Error(t, err)
}
