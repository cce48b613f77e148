// Package generate turns approved proposals into courses: an outline stage that
// persists a draft course, then a section stage that fills content and quizzes
// in index order.
package generate

import (
	"context"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/curriculum"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/prompts"
)

// CourseStore is the persistence the orchestrators need. *database.DB satisfies it.
type CourseStore interface {
	CreateCourse(ctx context.Context, c *database.Course) (int64, error)
	GetCourse(ctx context.Context, id int64) (*database.Course, error)
	UpdateSection(ctx context.Context, courseID int64, sec curriculum.Section, expect curriculum.SectionStatus) error
	AddGenerationCost(ctx context.Context, courseID int64, usd float64, tokens int) (float64, error)
	TransitionCourse(ctx context.Context, id int64, from, to database.CourseStatus) error
}

// Settings are the knobs shared by both orchestrators.
type Settings struct {
	MinSections       int
	MaxSections       int
	CurriculumRetries int
	StageAttempts     int
	BudgetUSD         float64
	Language          string
	Audience          string
	CategoryID        *int64
	ProviderID        *int64
	Model             string

	CurriculumTokens int
	ContentTokens    int
	QuizMinTokens    int
	QuizMaxTokens    int
}

// SettingsFromConfig collects the generation settings from the loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MinSections:       cfg.Pipeline.MinSections,
		MaxSections:       cfg.Pipeline.MaxSections,
		CurriculumRetries: cfg.Pipeline.CurriculumRetries,
		StageAttempts:     cfg.Pipeline.StageAttempts,
		BudgetUSD:         cfg.Pipeline.BudgetUSD,
		Language:          cfg.Pipeline.Language,
		Audience:          cfg.Pipeline.Audience,
		CategoryID:        cfg.Pipeline.CategoryID,
		ProviderID:        cfg.Pipeline.ProviderID,
		Model:             cfg.Generation.Model,
		CurriculumTokens:  cfg.Generation.MaxTokens.Curriculum,
		ContentTokens:     cfg.Generation.MaxTokens.Content,
		QuizMinTokens:     cfg.Generation.MaxTokens.QuizMin,
		QuizMaxTokens:     cfg.Generation.MaxTokens.QuizMax,
	}
}

// Prompts returns the prompt builder for these settings.
func (s Settings) Prompts() prompts.Builder {
	return prompts.Builder{
		Language:    s.Language,
		Audience:    s.Audience,
		MinSections: s.MinSections,
		MaxSections: s.MaxSections,
	}
}

func (s Settings) stageAttempts() int {
	if s.StageAttempts < 1 {
		return 1
	}
	return s.StageAttempts
}

func (s Settings) overBudget(spent float64) bool {
	return s.BudgetUSD > 0 && spent >= s.BudgetUSD
}

func courseContext(c *database.Course) prompts.CourseContext {
	return prompts.CourseContext{Title: c.Title, Description: c.Description, Level: c.Level}
}
