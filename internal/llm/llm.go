package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

// Generator produces text from a system and a user prompt. *Client satisfies
// it; orchestrators depend on the interface so they can be exercised offline.
type Generator interface {
	GenerateText(ctx context.Context, system, user string, maxOutputTokens int) (*Generation, error)
}

// Generation is the text returned by one successful call plus its accounting.
type Generation struct {
	Text string
	Usage
}

// Pricing is the static rate table, in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost is the authoritative price of a call with the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMillion/1e6 + float64(outputTokens)*p.OutputPerMillion/1e6
}

// Options tune the client independently of the backend.
type Options struct {
	Model             string
	Timeout           time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	RequestsPerMinute int
	Pricing           Pricing
}

// Client is the generation client. It holds no per-call state and is safe to
// share across concurrent orchestrations.
type Client struct {
	backend backend
	opts    Options
	limiter *rate.Limiter
	log     *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a client for the configured backend. The API key is read from
// the environment variable named by cfg.APIKeyEnv.
func New(cfg config.Generation, log *logger.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("generation API key not configured (set %s)", cfg.APIKeyEnv)
	}

	var b backend
	switch strings.ToLower(cfg.Backend) {
	case "anthropic":
		b = NewAnthropicBackend(cfg.BaseURL, apiKey)
	case "openai":
		b = NewOpenAIBackend(cfg.BaseURL, apiKey)
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.Backend)
	}

	log.Info("Generation client ready", "backend", cfg.Backend, "model", cfg.Model)
	return newClient(b, Options{
		Model:             cfg.Model,
		Timeout:           cfg.Timeout(),
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Pricing: Pricing{
			InputPerMillion:  cfg.Pricing.InputPerMillion,
			OutputPerMillion: cfg.Pricing.OutputPerMillion,
		},
	}, log), nil
}

func newClient(b backend, opts Options, log *logger.Logger) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	c := &Client{backend: b, opts: opts, log: log, sleep: sleepCtx}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.opts.Model
}

// GenerateText performs one generation, retrying UpstreamErrors with
// exponential backoff up to MaxAttempts. Each attempt is bounded by Timeout.
func (c *Client) GenerateText(ctx context.Context, system, user string, maxOutputTokens int) (*Generation, error) {
	req := completion{
		Model:           c.opts.Model,
		MaxOutputTokens: maxOutputTokens,
		System:          system,
		User:            user,
	}

	backoff := c.opts.BackoffBase
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		res, err := c.once(ctx, req)
		if err == nil {
			usage := Usage{
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				CostUSD:      c.opts.Pricing.Cost(res.InputTokens, res.OutputTokens),
			}
			c.log.Debug("Generation complete",
				"model", c.opts.Model,
				"input_tokens", usage.InputTokens,
				"output_tokens", usage.OutputTokens,
				"cost_usd", usage.CostUSD,
			)
			return &Generation{Text: res.Text, Usage: usage}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var upstream *UpstreamError
		if !errors.As(err, &upstream) || attempt >= c.opts.MaxAttempts {
			return nil, err
		}

		c.log.Warn("Generation request retrying",
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"sleep", backoff.String(),
			"error", err.Error(),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

func (c *Client) once(ctx context.Context, req completion) (completionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res, err := c.backend.complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return res, &UpstreamError{Timeout: true, Err: err}
	}
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EstimateTokens approximates a token count at four characters per token.
// It only sizes output limits before a call; accounting uses reported usage.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / 4.0))
}

// OutputBudget sizes maxOutputTokens from the input text, clamped to [min, max].
func OutputBudget(input string, ratio float64, min, max int) int {
	n := int(math.Ceil(float64(EstimateTokens(input)) * ratio))
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
