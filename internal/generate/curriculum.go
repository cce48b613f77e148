package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/CourseForge/internal/curriculum"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/logger"
	"github.com/TobiSchelling/CourseForge/internal/prompts"
)

// CurriculumGenerator converts a proposal into a DRAFT course with one
// PENDING placeholder per outline stub.
type CurriculumGenerator struct {
	gen      llm.Generator
	store    CourseStore
	settings Settings
	log      *logger.Logger
}

// NewCurriculumGenerator creates a curriculum orchestrator.
func NewCurriculumGenerator(gen llm.Generator, store CourseStore, settings Settings, log *logger.Logger) *CurriculumGenerator {
	return &CurriculumGenerator{gen: gen, store: store, settings: settings, log: log}
}

// Generate requests an outline, validates it and persists the draft course.
// Each retry uses a stricter prompt. On failure a *CurriculumError is
// returned and nothing is persisted.
func (g *CurriculumGenerator) Generate(ctx context.Context, p *database.TrendProposal) (*database.Course, error) {
	log := g.log.With("proposal_id", p.ID)
	builder := g.settings.Prompts()
	base := builder.Curriculum(topicOf(p))
	attempts := 1 + max(g.settings.CurriculumRetries, 0)

	var usage llm.Usage
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.settings.overBudget(usage.CostUSD) {
			lastErr = &BudgetExceededError{SpentUSD: usage.CostUSD, CeilingUSD: g.settings.BudgetUSD}
			break
		}

		prompt := builder.Stricter(base, attempt)
		res, err := llm.GenerateStructured[curriculum.Outline](ctx, g.gen, prompt.System, prompt.User, g.settings.CurriculumTokens)
		if err != nil {
			var perr *llm.ParseError
			if errors.As(err, &perr) {
				usage = usage.Add(perr.Usage)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn("Curriculum attempt failed", "attempt", attempt+1, "error", err.Error())
			lastErr = err
			continue
		}
		usage = usage.Add(res.Usage)

		if err := res.Value.Validate(g.settings.MinSections, g.settings.MaxSections); err != nil {
			log.Warn("Curriculum outline rejected", "attempt", attempt+1, "error", err.Error())
			lastErr = &ValidationError{Stage: "curriculum", Err: err}
			continue
		}

		course := g.newCourse(p, res.Value, usage)
		if _, err := g.store.CreateCourse(context.WithoutCancel(ctx), course); err != nil {
			return nil, fmt.Errorf("saving course: %w", err)
		}
		log.Info("Curriculum generated",
			"course_id", course.ID,
			"sections", len(course.Curriculum.Sections),
			"cost_usd", usage.CostUSD,
		)
		return course, nil
	}

	return nil, &CurriculumError{Attempts: attempts, Usage: usage, Err: lastErr}
}

func (g *CurriculumGenerator) newCourse(p *database.TrendProposal, o curriculum.Outline, usage llm.Usage) *database.Course {
	title := strings.TrimSpace(o.CourseTitle)
	if title == "" {
		title = p.DisplayTitle()
	}
	description := strings.TrimSpace(o.CourseDescription)
	if description == "" {
		description = p.Proposal.SuggestedDescription
	}
	if description == "" && p.Description != nil {
		description = *p.Description
	}

	proposalID := p.ID
	return &database.Course{
		ProposalID:        &proposalID,
		Title:             title,
		Description:       description,
		CategoryID:        g.settings.CategoryID,
		ProviderID:        g.settings.ProviderID,
		Language:          g.settings.Language,
		Level:             strings.ToUpper(strings.TrimSpace(o.Level)),
		Curriculum:        curriculum.FromOutline(o),
		GenerationCostUSD: usage.CostUSD,
		TokensUsed:        usage.Tokens(),
		AIModel:           g.settings.Model,
	}
}

func topicOf(p *database.TrendProposal) prompts.Topic {
	t := prompts.Topic{
		Title:           p.DisplayTitle(),
		Description:     p.Proposal.SuggestedDescription,
		Keywords:        p.Proposal.Keywords,
		DurationMinutes: p.Proposal.EstimatedDurationMinutes,
	}
	if t.Description == "" && p.Description != nil {
		t.Description = *p.Description
	}
	if len(t.Keywords) == 0 {
		t.Keywords = p.Keywords
	}
	if p.SourceURL != nil {
		t.SourceURL = *p.SourceURL
	}
	if p.SourceExcerpt != nil {
		t.SourceExcerpt = *p.SourceExcerpt
	}
	return t
}
