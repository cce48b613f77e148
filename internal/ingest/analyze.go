package ingest

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/prompts"
)

const (
	defaultDurationMinutes = 60
	maxKeywords            = 8

	// promptTokensPerCall approximates the input side of one generation call.
	promptTokensPerCall = 1500
)

// Analyzer asks the generation backend to turn a candidate into a course proposal.
type Analyzer struct {
	gen       llm.Generator
	builder   prompts.Builder
	maxTokens int
	pricing   llm.Pricing
	tokens    config.Tokens
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(gen llm.Generator, builder prompts.Builder, gcfg config.Generation) *Analyzer {
	return &Analyzer{
		gen:       gen,
		builder:   builder,
		maxTokens: gcfg.MaxTokens.Analysis,
		pricing:   llm.Pricing{InputPerMillion: gcfg.Pricing.InputPerMillion, OutputPerMillion: gcfg.Pricing.OutputPerMillion},
		tokens:    gcfg.MaxTokens,
	}
}

// Analyze returns the normalized proposal and the usage billed for it.
func (a *Analyzer) Analyze(ctx context.Context, c prompts.Candidate) (database.CourseProposal, llm.Usage, error) {
	p := a.builder.Analysis(c)
	res, err := llm.GenerateStructured[database.CourseProposal](ctx, a.gen, p.System, p.User, a.maxTokens)
	if err != nil {
		return database.CourseProposal{}, usageOf(err), err
	}

	cp := res.Value
	cp.RelevanceScore = math.Max(0, math.Min(1, cp.RelevanceScore))
	cp.SuggestedTitle = strings.TrimSpace(cp.SuggestedTitle)
	cp.SuggestedDescription = strings.TrimSpace(cp.SuggestedDescription)
	cp.Keywords = normalizeKeywords(cp.Keywords)
	if cp.EstimatedDurationMinutes <= 0 {
		cp.EstimatedDurationMinutes = defaultDurationMinutes
	}
	switch e := strings.ToLower(strings.TrimSpace(cp.EstimatedEngagement)); e {
	case "low", "medium", "high":
		cp.EstimatedEngagement = e
	default:
		cp.EstimatedEngagement = ""
	}
	cp.EstimatedCostUSD = a.EstimateCost(a.builder.SectionCount(cp.EstimatedDurationMinutes))
	return cp, res.Usage, nil
}

// EstimateCost is the worst-case price of generating a course with the given
// number of sections: one outline call plus a content and a quiz call per
// section, each at its output cap.
func (a *Analyzer) EstimateCost(sections int) float64 {
	cost := a.pricing.Cost(promptTokensPerCall, a.tokens.Curriculum)
	perSection := a.pricing.Cost(promptTokensPerCall, a.tokens.Content) +
		a.pricing.Cost(promptTokensPerCall+a.tokens.Content, a.tokens.QuizMax)
	cost += float64(sections) * perSection
	return math.Round(cost*10000) / 10000
}

func usageOf(err error) llm.Usage {
	var perr *llm.ParseError
	if errors.As(err, &perr) {
		return perr.Usage
	}
	return llm.Usage{}
}

func normalizeKeywords(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
