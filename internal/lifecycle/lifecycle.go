// Package lifecycle is the proposal state machine. It gates the generation
// orchestrators and guarantees at most one in-flight run per proposal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/CourseForge/internal/automation"
	"github.com/TobiSchelling/CourseForge/internal/curriculum"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/generate"
	"github.com/TobiSchelling/CourseForge/internal/lock"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

// Store is the persistence the controller needs. *database.DB satisfies it.
type Store interface {
	GetProposal(ctx context.Context, id int64) (*database.TrendProposal, error)
	TransitionProposal(ctx context.Context, id int64, from, to database.ProposalStatus, patch database.ProposalPatch) error
	TouchProposal(ctx context.Context, id int64) error
	ListStaleGenerating(ctx context.Context, cutoff time.Time) ([]database.TrendProposal, error)
	GetCourse(ctx context.Context, id int64) (*database.Course, error)
	GetCourseByProposal(ctx context.Context, proposalID int64) (*database.Course, error)
	UpdateSection(ctx context.Context, courseID int64, sec curriculum.Section, expect curriculum.SectionStatus) error
	PublishCourse(ctx context.Context, id int64) (*database.Course, error)
}

// CurriculumGenerator produces a DRAFT course from a proposal.
type CurriculumGenerator interface {
	Generate(ctx context.Context, p *database.TrendProposal) (*database.Course, error)
}

// SectionFiller generates the pending sections of a course.
type SectionFiller interface {
	Fill(ctx context.Context, course *database.Course, keepalive generate.Keepalive) (*generate.FillResult, error)
}

// Notifier receives the best-effort automation notification.
type Notifier interface {
	CourseDrafted(ctx context.Context, ev automation.Event) error
}

// Outcome is the observable result of a generation request.
type Outcome struct {
	Proposal       *database.TrendProposal
	Course         *database.Course
	Fill           *generate.FillResult
	AlreadyRunning bool
	NotifyErr      error
}

// Controller drives proposals through their lifecycle.
type Controller struct {
	store      Store
	curriculum CurriculumGenerator
	sections   SectionFiller
	locker     lock.Locker
	notifier   Notifier
	staleAfter time.Duration
	log        *logger.Logger
	now        func() time.Time
}

// New creates a lifecycle controller. A nil notifier disables notifications.
func New(store Store, cg CurriculumGenerator, sf SectionFiller, locker lock.Locker, notifier Notifier, staleAfter time.Duration, log *logger.Logger) *Controller {
	return &Controller{
		store:      store,
		curriculum: cg,
		sections:   sf,
		locker:     locker,
		notifier:   notifier,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Approve moves a NEW proposal to APPROVED.
func (c *Controller) Approve(ctx context.Context, id int64) (*database.TrendProposal, error) {
	return c.simple(ctx, id, EventApprove)
}

// Reject moves a NEW or APPROVED proposal to REJECTED.
func (c *Controller) Reject(ctx context.Context, id int64) (*database.TrendProposal, error) {
	return c.simple(ctx, id, EventReject)
}

func (c *Controller) simple(ctx context.Context, id int64, ev Event) (*database.TrendProposal, error) {
	p, err := c.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := Next(p.Status, ev)
	if err != nil {
		return nil, err
	}
	if err := c.store.TransitionProposal(ctx, id, p.Status, to, database.ProposalPatch{}); err != nil {
		return nil, err
	}
	c.log.Info("Proposal transitioned", "proposal_id", id, "event", string(ev), "from", string(p.Status), "to", string(to))
	return c.store.GetProposal(ctx, id)
}

// ApproveAndGenerate approves a NEW proposal and runs generation to completion.
func (c *Controller) ApproveAndGenerate(ctx context.Context, id int64) (*Outcome, error) {
	if _, err := c.Approve(ctx, id); err != nil {
		return nil, err
	}
	return c.StartGeneration(ctx, id)
}

// StartGeneration runs the full pipeline for an APPROVED proposal. Calling it
// while the proposal is GENERATING returns the in-flight state with
// AlreadyRunning set and starts nothing. Generation failures end in a FAILED
// proposal and a nil error; an error is returned only when state could not
// be read or written.
func (c *Controller) StartGeneration(ctx context.Context, id int64) (*Outcome, error) {
	return c.begin(ctx, id, EventStart)
}

// Retry resumes a FAILED proposal. The existing course outline is reused and
// only non-GENERATED sections are attempted; if no course exists the outline
// is generated first.
func (c *Controller) Retry(ctx context.Context, id int64) (*Outcome, error) {
	return c.begin(ctx, id, EventRetry)
}

func (c *Controller) begin(ctx context.Context, id int64, ev Event) (*Outcome, error) {
	lease, err := c.locker.Acquire(ctx, lock.ProposalKey(id))
	if errors.Is(err, lock.ErrHeld) {
		return c.alreadyRunning(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("locking proposal %d: %w", id, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("Releasing proposal lock failed", "proposal_id", id, "error", err.Error())
		}
	}()

	p, err := c.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == database.ProposalGenerating {
		return c.alreadyRunning(ctx, id)
	}
	to, err := Next(p.Status, ev)
	if err != nil {
		return nil, err
	}

	if err := c.store.TransitionProposal(ctx, id, p.Status, to, database.ProposalPatch{}); err != nil {
		var conflict *database.ConflictError
		if errors.As(err, &conflict) && conflict.Actual == string(database.ProposalGenerating) {
			return c.alreadyRunning(ctx, id)
		}
		return nil, err
	}
	p.Status = to

	var course *database.Course
	if ev == EventRetry {
		course, err = c.store.GetCourseByProposal(ctx, id)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return c.fail(ctx, p, nil, nil, fmt.Sprintf("loading course: %v", err))
		}
	}
	return c.run(ctx, p, course, lease)
}

func (c *Controller) alreadyRunning(ctx context.Context, id int64) (*Outcome, error) {
	p, err := c.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Proposal: p, AlreadyRunning: true}
	if p.CourseID != nil {
		if course, err := c.store.GetCourse(ctx, *p.CourseID); err == nil {
			out.Course = course
		}
	}
	return out, nil
}

// run executes the orchestrators for a proposal already in GENERATING. Every
// exit path leaves the proposal COMPLETED or FAILED, except when the run loses
// its lease or heartbeat to another owner.
func (c *Controller) run(ctx context.Context, p *database.TrendProposal, course *database.Course, lease lock.Lease) (*Outcome, error) {
	log := c.log.With("run_id", uuid.NewString(), "proposal_id", p.ID)
	out := &Outcome{}

	if course == nil {
		log.Info("Generating curriculum")
		created, err := c.curriculum.Generate(ctx, p)
		if err != nil {
			log.Warn("Curriculum generation failed", "error", err.Error())
			return c.fail(ctx, p, nil, nil, failureReason(err))
		}
		course = created

		if c.notifier != nil {
			if err := c.notifier.CourseDrafted(ctx, automation.Event{ProposalID: p.ID, CourseID: course.ID}); err != nil {
				log.Warn("Automation notification failed", "course_id", course.ID, "error", err.Error())
				out.NotifyErr = err
			}
		}
	} else {
		log.Info("Resuming course", "course_id", course.ID)
	}

	keepalive := func(ctx context.Context) error {
		if err := lease.Renew(ctx); err != nil {
			return fmt.Errorf("renewing proposal lock: %w", err)
		}
		return c.store.TouchProposal(ctx, p.ID)
	}

	res, err := c.sections.Fill(ctx, course, keepalive)
	if err != nil {
		var lost *generate.KeepaliveError
		if errors.As(err, &lost) {
			log.Error("Run lost ownership of proposal", "course_id", course.ID, "error", err.Error())
			return nil, err
		}
		log.Error("Section generation aborted", "course_id", course.ID, "error", err.Error())
		if reloaded, ierr := c.interrupt(ctx, course.ID, log); ierr != nil {
			log.Error("Marking sections interrupted failed", "course_id", course.ID, "error", ierr.Error())
		} else {
			course = reloaded
		}
		failed, ferr := c.fail(ctx, p, course, nil, fmt.Sprintf("section generation aborted: %v", err))
		if ferr != nil {
			return nil, ferr
		}
		failed.NotifyErr = out.NotifyErr
		return failed, err
	}

	if res.Complete() {
		courseID := res.Course.ID
		wctx := context.WithoutCancel(ctx)
		if err := c.store.TransitionProposal(wctx, p.ID, database.ProposalGenerating, database.ProposalCompleted,
			database.ProposalPatch{CourseID: &courseID}); err != nil {
			return nil, err
		}
		updated, err := c.store.GetProposal(wctx, p.ID)
		if err != nil {
			return nil, err
		}
		log.Info("Proposal completed", "course_id", courseID, "cost_usd", res.Course.GenerationCostUSD)
		out.Proposal, out.Course, out.Fill = updated, res.Course, res
		return out, nil
	}

	failed, err := c.fail(ctx, p, res.Course, res, fillFailureReason(res))
	if err != nil {
		return nil, err
	}
	failed.NotifyErr = out.NotifyErr
	return failed, nil
}

func (c *Controller) fail(ctx context.Context, p *database.TrendProposal, course *database.Course, res *generate.FillResult, reason string) (*Outcome, error) {
	wctx := context.WithoutCancel(ctx)
	patch := database.ProposalPatch{FailureReason: reason}
	if course != nil {
		patch.CourseID = &course.ID
		patch.FailedSections = course.Curriculum.FailedIndices()
	}
	if err := c.store.TransitionProposal(wctx, p.ID, database.ProposalGenerating, database.ProposalFailed, patch); err != nil {
		return nil, err
	}
	updated, err := c.store.GetProposal(wctx, p.ID)
	if err != nil {
		return nil, err
	}
	c.log.Warn("Proposal failed", "proposal_id", p.ID, "reason", reason)
	return &Outcome{Proposal: updated, Course: course, Fill: res}, nil
}

// interrupt marks every PENDING section of a course FAILED with
// ReasonInterrupted and returns the reloaded course. A section that cannot be
// written is logged and skipped.
func (c *Controller) interrupt(ctx context.Context, courseID int64, log *logger.Logger) (*database.Course, error) {
	wctx := context.WithoutCancel(ctx)
	course, err := c.store.GetCourse(wctx, courseID)
	if err != nil {
		return nil, err
	}
	for _, sec := range course.Curriculum.Sections {
		if sec.Status != curriculum.SectionPending {
			continue
		}
		sec.Status = curriculum.SectionFailed
		sec.FailureReason = curriculum.ReasonInterrupted
		if err := c.store.UpdateSection(wctx, courseID, sec, curriculum.SectionPending); err != nil {
			log.Error("Marking section interrupted failed", "course_id", courseID, "section", sec.Index, "error", err.Error())
		}
	}
	return c.store.GetCourse(wctx, courseID)
}

func failureReason(err error) string {
	var budget *generate.BudgetExceededError
	switch {
	case errors.As(err, &budget):
		return curriculum.ReasonBudgetExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return curriculum.ReasonCancelled
	default:
		return err.Error()
	}
}

func fillFailureReason(res *generate.FillResult) string {
	switch {
	case res.BudgetExceeded:
		return curriculum.ReasonBudgetExceeded
	case res.Cancelled:
		return curriculum.ReasonCancelled
	default:
		total := len(res.Course.Curriculum.Sections)
		return fmt.Sprintf("%d of %d sections failed", len(res.Failed), total)
	}
}

// Status is the polling view of a proposal.
type Status struct {
	Proposal *database.TrendProposal          `json:"proposal"`
	Course   *CourseSummary                   `json:"course,omitempty"`
	Failed   []generate.SectionFailure        `json:"failedSections,omitempty"`
	Sections map[curriculum.SectionStatus]int `json:"sections,omitempty"`
}

// CourseSummary is a course without its section bodies.
type CourseSummary struct {
	ID                int64                 `json:"id"`
	Title             string                `json:"title"`
	Status            database.CourseStatus `json:"status"`
	SectionCount      int                   `json:"sectionCount"`
	GenerationCostUSD float64               `json:"generationCostUsd"`
	TokensUsed        int                   `json:"tokensUsed"`
}

// Summarize strips a course down to its summary.
func Summarize(course *database.Course) *CourseSummary {
	return &CourseSummary{
		ID:                course.ID,
		Title:             course.Title,
		Status:            course.Status,
		SectionCount:      len(course.Curriculum.Sections),
		GenerationCostUSD: course.GenerationCostUSD,
		TokensUsed:        course.TokensUsed,
	}
}

// Status returns the proposal, its course summary and the failed sections with reasons.
func (c *Controller) Status(ctx context.Context, id int64) (*Status, error) {
	p, err := c.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &Status{Proposal: p}

	var course *database.Course
	if p.CourseID != nil {
		course, err = c.store.GetCourse(ctx, *p.CourseID)
	} else {
		course, err = c.store.GetCourseByProposal(ctx, id)
	}
	if errors.Is(err, database.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	st.Course = Summarize(course)
	st.Sections = course.Curriculum.CountByStatus()
	for _, s := range course.Curriculum.Sections {
		if s.Status == curriculum.SectionFailed {
			st.Failed = append(st.Failed, generate.SectionFailure{Index: s.Index, Reason: s.FailureReason})
		}
	}
	return st, nil
}

// Publish moves a PENDING course with every section GENERATED to PUBLISHED.
func (c *Controller) Publish(ctx context.Context, courseID int64) (*database.Course, error) {
	course, err := c.store.PublishCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	c.log.Info("Course published", "course_id", courseID)
	return course, nil
}

// ReapStale fails proposals whose GENERATING heartbeat is older than the stale
// threshold and whose lock is free. Their PENDING sections are marked
// interrupted. It returns how many were reaped.
func (c *Controller) ReapStale(ctx context.Context) (int, error) {
	if c.staleAfter <= 0 {
		return 0, nil
	}
	stale, err := c.store.ListStaleGenerating(ctx, c.now().Add(-c.staleAfter))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, p := range stale {
		lease, err := c.locker.Acquire(ctx, lock.ProposalKey(p.ID))
		if errors.Is(err, lock.ErrHeld) {
			continue
		}
		if err != nil {
			return reaped, err
		}

		ok, err := c.reap(ctx, p.ID)
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Warn("Releasing proposal lock failed", "proposal_id", p.ID, "error", rerr.Error())
		}
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

// reap fails one stale proposal while its lock is held. The proposal moves
// first so a run that is still alive stops at its next keepalive; its PENDING
// sections are then marked interrupted.
func (c *Controller) reap(ctx context.Context, id int64) (bool, error) {
	log := c.log.With("proposal_id", id)
	patch := database.ProposalPatch{FailureReason: curriculum.ReasonInterrupted}
	course, err := c.store.GetCourseByProposal(ctx, id)
	if err == nil {
		patch.CourseID = &course.ID
		patch.FailedSections = unfinished(course.Curriculum)
	}

	err = c.store.TransitionProposal(ctx, id, database.ProposalGenerating, database.ProposalFailed, patch)
	var conflict *database.ConflictError
	if errors.As(err, &conflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if course != nil {
		if _, err := c.interrupt(ctx, course.ID, log); err != nil {
			log.Error("Marking sections interrupted failed", "course_id", course.ID, "error", err.Error())
		}
	}
	log.Warn("Reaped stale generation")
	return true, nil
}

// unfinished lists the indices of sections that are not GENERATED.
func unfinished(doc curriculum.Document) []int {
	var out []int
	for _, s := range doc.Sections {
		if s.Status != curriculum.SectionGenerated {
			out = append(out, s.Index)
		}
	}
	return out
}
