package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/CourseForge/internal/curriculum"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/logger"
	"github.com/TobiSchelling/CourseForge/internal/prompts"
)

// quizTokenRatio sizes quiz output from the section text it is derived from.
const quizTokenRatio = 0.5

// SectionFailure is one section left FAILED by a run.
type SectionFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// FillResult summarizes one Fill run.
type FillResult struct {
	Course         *database.Course
	Generated      int
	Failed         []SectionFailure
	BudgetExceeded bool
	Cancelled      bool
	Usage          llm.Usage
}

// Complete reports whether every section ended GENERATED.
func (r *FillResult) Complete() bool {
	return len(r.Failed) == 0 && r.Course != nil && r.Course.Curriculum.AllGenerated()
}

// FailedIndices lists the indices of failed sections in order.
func (r *FillResult) FailedIndices() []int {
	out := make([]int, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f.Index
	}
	return out
}

// SectionFiller generates content and quiz for every section of a course that
// is not yet GENERATED, strictly in index order.
type SectionFiller struct {
	gen      llm.Generator
	store    CourseStore
	settings Settings
	log      *logger.Logger
}

// NewSectionFiller creates a section orchestrator.
func NewSectionFiller(gen llm.Generator, store CourseStore, settings Settings, log *logger.Logger) *SectionFiller {
	return &SectionFiller{gen: gen, store: store, settings: settings, log: log}
}

// Keepalive is called before each section is attempted to renew the run's
// claim on its proposal. An error stops the run with a *KeepaliveError.
type Keepalive func(ctx context.Context) error

// fillRun is the mutable state of one Fill call.
type fillRun struct {
	*SectionFiller
	course *database.Course
	cc     prompts.CourseContext
	wctx   context.Context
	spent  float64
	usage  llm.Usage
	log    *logger.Logger
}

// Fill attempts every non-GENERATED section. A failing section is recorded
// and the run moves on; a budget overrun or cancellation marks all remaining
// sections FAILED and stops. Section and status writes use a context detached
// from ctx so the stored course always reflects what happened. When every
// section is GENERATED the course moves from DRAFT to PENDING.
//
// The returned error is reserved for persistence and keepalive failures;
// generation failures are reported in the result. keepalive may be nil.
func (f *SectionFiller) Fill(ctx context.Context, course *database.Course, keepalive Keepalive) (*FillResult, error) {
	run := &fillRun{
		SectionFiller: f,
		course:        course,
		cc:            courseContext(course),
		wctx:          context.WithoutCancel(ctx),
		spent:         course.GenerationCostUSD,
		log:           f.log.With("course_id", course.ID),
	}
	result := &FillResult{}

	doc := course.Curriculum
	titles := doc.Titles()

	for i := range doc.Sections {
		sec := doc.Sections[i]
		if sec.Status == curriculum.SectionGenerated {
			continue
		}

		var stopReason string
		switch {
		case ctx.Err() != nil:
			stopReason = curriculum.ReasonCancelled
			result.Cancelled = true
		case f.settings.overBudget(run.spent):
			stopReason = curriculum.ReasonBudgetExceeded
			result.BudgetExceeded = true
		}
		if stopReason != "" {
			if err := run.failRemaining(doc.Sections[i:], stopReason); err != nil {
				return nil, err
			}
			break
		}

		if keepalive != nil {
			if err := keepalive(run.wctx); err != nil {
				return nil, &KeepaliveError{Section: sec.Index, Err: err}
			}
		}

		expect := sec.Status
		err := run.fillSection(ctx, &sec, titles[:i])
		if err != nil {
			sec.Status = curriculum.SectionFailed
			var budget *BudgetExceededError
			switch {
			case errors.As(err, &budget):
				sec.FailureReason = curriculum.ReasonBudgetExceeded
				result.BudgetExceeded = true
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				sec.FailureReason = curriculum.ReasonCancelled
				result.Cancelled = true
			default:
				sec.FailureReason = err.Error()
			}
			run.log.Warn("Section failed", "section", sec.Index, "reason", sec.FailureReason)
		} else {
			sec.Status = curriculum.SectionGenerated
			sec.FailureReason = ""
			run.log.Info("Section generated", "section", sec.Index, "cost_usd", sec.CostUSD)
		}

		if err := f.store.UpdateSection(run.wctx, course.ID, sec, expect); err != nil {
			return nil, fmt.Errorf("saving section %d: %w", sec.Index, err)
		}
		doc.Sections[i] = sec

		if result.BudgetExceeded || result.Cancelled {
			if err := run.failRemaining(doc.Sections[i+1:], sec.FailureReason); err != nil {
				return nil, err
			}
			break
		}
	}

	for _, s := range doc.Sections {
		switch s.Status {
		case curriculum.SectionGenerated:
			result.Generated++
		case curriculum.SectionFailed:
			result.Failed = append(result.Failed, SectionFailure{Index: s.Index, Reason: s.FailureReason})
		}
	}
	result.Usage = run.usage

	if len(result.Failed) == 0 && doc.AllGenerated() && course.Status == database.CourseDraft {
		if err := f.store.TransitionCourse(run.wctx, course.ID, database.CourseDraft, database.CoursePending); err != nil {
			return nil, fmt.Errorf("finalizing course: %w", err)
		}
	}

	fresh, err := f.store.GetCourse(run.wctx, course.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading course: %w", err)
	}
	result.Course = fresh

	run.log.Info("Sections filled",
		"generated", result.Generated,
		"failed", len(result.Failed),
		"budget_exceeded", result.BudgetExceeded,
		"cancelled", result.Cancelled,
		"cost_usd", fresh.GenerationCostUSD,
	)
	return result, nil
}

// failRemaining marks every non-GENERATED section in rest as FAILED with reason.
func (r *fillRun) failRemaining(rest []curriculum.Section, reason string) error {
	for j := range rest {
		sec := &rest[j]
		if sec.Status == curriculum.SectionGenerated {
			continue
		}
		expect := sec.Status
		sec.Status = curriculum.SectionFailed
		sec.FailureReason = reason
		if err := r.store.UpdateSection(r.wctx, r.course.ID, *sec, expect); err != nil {
			return fmt.Errorf("saving section %d: %w", sec.Index, err)
		}
	}
	return nil
}

// fillSection runs the content stage (unless content already exists) and the
// quiz stage for one section, mutating sec with the results and its cost.
func (r *fillRun) fillSection(ctx context.Context, sec *curriculum.Section, priorTitles []string) error {
	builder := r.settings.Prompts()

	if sec.Content == nil {
		p := builder.SectionContent(r.cc, *sec, priorTitles)
		content, err := runStage(ctx, r, sec, "content", p, r.settings.ContentTokens, curriculum.Content.Validate)
		if err != nil {
			return err
		}
		sec.Content = &content
	}

	p := builder.SectionQuiz(r.cc, *sec, *sec.Content)
	maxTokens := llm.OutputBudget(sec.Content.Markdown(), quizTokenRatio, r.settings.QuizMinTokens, r.settings.QuizMaxTokens)
	quiz, err := runStage(ctx, r, sec, "quiz", p, maxTokens, curriculum.Quiz.Validate)
	if err != nil {
		sec.Quiz = nil
		return err
	}
	sec.Quiz = &quiz
	return nil
}

// runStage makes up to StageAttempts structured calls for one stage. The
// budget and ctx are checked before every call so overshoot is bounded by
// one in-flight attempt.
func runStage[T any](ctx context.Context, r *fillRun, sec *curriculum.Section, stage string, p prompts.Prompt, maxTokens int, validate func(T) error) (T, error) {
	var zero T
	attempts := r.settings.stageAttempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if r.settings.overBudget(r.spent) {
			return zero, &BudgetExceededError{SpentUSD: r.spent, CeilingUSD: r.settings.BudgetUSD}
		}

		res, err := llm.GenerateStructured[T](ctx, r.gen, p.System, p.User, maxTokens)
		if err != nil {
			var perr *llm.ParseError
			if errors.As(err, &perr) {
				if cerr := r.charge(sec, perr.Usage); cerr != nil {
					return zero, cerr
				}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			r.log.Warn("Stage attempt failed",
				"section", sec.Index,
				"stage", stage,
				"attempt", attempt,
				"error", err.Error(),
			)
			lastErr = err
			continue
		}
		if err := r.charge(sec, res.Usage); err != nil {
			return zero, err
		}

		if err := validate(res.Value); err != nil {
			r.log.Warn("Stage output rejected",
				"section", sec.Index,
				"stage", stage,
				"attempt", attempt,
				"error", err.Error(),
			)
			lastErr = &ValidationError{Stage: stage, Err: err}
			continue
		}
		return res.Value, nil
	}
	return zero, &StageError{Stage: stage, Attempts: attempts, Err: lastErr}
}

// charge books usage onto the section and atomically onto the course total.
// A failed write still counts against the budget and fails the section.
func (r *fillRun) charge(sec *curriculum.Section, u llm.Usage) error {
	if u.Tokens() == 0 && u.CostUSD == 0 {
		return nil
	}
	sec.CostUSD += u.CostUSD
	sec.TokensUsed += u.Tokens()
	r.usage = r.usage.Add(u)

	total, err := r.store.AddGenerationCost(r.wctx, r.course.ID, u.CostUSD, u.Tokens())
	if err != nil {
		r.spent += u.CostUSD
		r.log.Error("Recording generation cost failed", "section", sec.Index, "cost_usd", u.CostUSD, "error", err.Error())
		return fmt.Errorf("recording generation cost: %w", err)
	}
	r.spent = total
	return nil
}
