package llm

import (
	"fmt"
)

// Usage is the token accounting of one generation call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Tokens returns input plus output tokens.
func (u Usage) Tokens() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// ParseError means the endpoint answered but the cleaned text did not decode
// into the expected structure. The tokens were still billed, so Usage is set.
type ParseError struct {
	Raw   string
	Usage Usage
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing generated structure: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UpstreamError covers transport failures, timeouts and non-2xx responses.
type UpstreamError struct {
	StatusCode int
	Timeout    bool
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return "generation endpoint timed out"
	case e.StatusCode != 0:
		return fmt.Sprintf("generation endpoint returned %d: %s", e.StatusCode, truncate(e.Body, 300))
	case e.Err != nil:
		return fmt.Sprintf("generation endpoint unreachable: %v", e.Err)
	default:
		return "generation endpoint error"
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
