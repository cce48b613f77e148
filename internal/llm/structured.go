package llm

import "context"

// JSONOnlyInstruction is appended to the system prompt of structured calls.
const JSONOnlyInstruction = "IMPORTANT: Return ONLY valid JSON. No markdown code fences, no explanations, no text before or after the JSON."

// Structured is a decoded structured generation.
type Structured[T any] struct {
	Value T
	Usage
}

// GenerateStructured asks g for JSON and decodes it into T. A response that
// does not decode yields a *ParseError carrying the billed usage.
func GenerateStructured[T any](ctx context.Context, g Generator, system, user string, maxOutputTokens int) (*Structured[T], error) {
	gen, err := g.GenerateText(ctx, system+"\n\n"+JSONOnlyInstruction, user, maxOutputTokens)
	if err != nil {
		return nil, err
	}

	var v T
	if err := ParseJSONResponse(gen.Text, &v); err != nil {
		return nil, &ParseError{Raw: gen.Text, Usage: gen.Usage, Err: err}
	}
	return &Structured[T]{Value: v, Usage: gen.Usage}, nil
}
