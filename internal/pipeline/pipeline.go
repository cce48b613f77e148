// Package pipeline is the batch run: recover stale generations, ingest new
// trends, then generate every approved proposal with bounded concurrency.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/ingest"
	"github.com/TobiSchelling/CourseForge/internal/lifecycle"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

// Store lists the proposals a batch run acts on. *database.DB satisfies it.
type Store interface {
	ListProposals(ctx context.Context, status database.ProposalStatus, limit int) ([]database.TrendProposal, error)
	ListStaleGenerating(ctx context.Context, cutoff time.Time) ([]database.TrendProposal, error)
}

// Controller runs generations. *lifecycle.Controller satisfies it.
type Controller interface {
	StartGeneration(ctx context.Context, id int64) (*lifecycle.Outcome, error)
	ReapStale(ctx context.Context) (int, error)
}

// Ingester discovers new trends. *ingest.Ingester satisfies it.
type Ingester interface {
	Run(ctx context.Context) (*ingest.Result, error)
	Pending(ctx context.Context) (int, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	RunID    string
	Steps    []StepResult
	Outcomes []*lifecycle.Outcome
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline orchestrates the batch run.
type Pipeline struct {
	store       Store
	ctrl        Controller
	ingester    Ingester
	concurrency int
	staleAfter  time.Duration
	log         *logger.Logger
	now         func() time.Time
}

// New creates a pipeline. A nil ingester skips the ingest step.
func New(store Store, ctrl Controller, ingester Ingester, concurrency int, staleAfter time.Duration, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		ctrl:        ctrl,
		ingester:    ingester,
		concurrency: max(concurrency, 1),
		staleAfter:  staleAfter,
		log:         log,
		now:         time.Now,
	}
}

// Run executes reap, ingest and generate in order. A failed ingest step does
// not stop generation of proposals that are already approved.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := &Result{RunID: uuid.NewString()}
	log := p.log.With("run_id", r.RunID)

	log.Info("Step 1/3: Recovering stale generations")
	r.Steps = append(r.Steps, p.runReap(ctx))
	if ctx.Err() != nil {
		return r
	}

	if p.ingester != nil {
		log.Info("Step 2/3: Ingesting trends")
		r.Steps = append(r.Steps, p.runIngest(ctx))
		if ctx.Err() != nil {
			return r
		}
	}

	log.Info("Step 3/3: Generating approved proposals", "concurrency", p.concurrency)
	step, outcomes := p.runGenerate(ctx, log)
	r.Steps = append(r.Steps, step)
	r.Outcomes = outcomes
	return r
}

// DryRun reports what Run would act on without changing anything.
func (p *Pipeline) DryRun(ctx context.Context) *Result {
	r := &Result{RunID: uuid.NewString()}

	stale, err := p.store.ListStaleGenerating(ctx, p.now().Add(-p.staleAfter))
	r.Steps = append(r.Steps, StepResult{
		Name:    "Reap",
		Summary: fmt.Sprintf("[dry-run] %d stale generations would be failed", len(stale)),
		Err:     err,
	})

	if p.ingester != nil {
		pending, err := p.ingester.Pending(ctx)
		r.Steps = append(r.Steps, StepResult{
			Name:    "Ingest",
			Summary: fmt.Sprintf("[dry-run] %d new feed entries would be analyzed", pending),
			Err:     err,
		})
	}

	approved, err := p.store.ListProposals(ctx, database.ProposalApproved, 0)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Generate",
		Summary: fmt.Sprintf("[dry-run] %d approved proposals would be generated", len(approved)),
		Err:     err,
	})
	return r
}

func (p *Pipeline) runReap(ctx context.Context) StepResult {
	n, err := p.ctrl.ReapStale(ctx)
	if err != nil {
		return StepResult{Name: "Reap", Err: err}
	}
	return StepResult{Name: "Reap", Summary: fmt.Sprintf("Failed %d stale generations", n)}
}

func (p *Pipeline) runIngest(ctx context.Context) StepResult {
	res, err := p.ingester.Run(ctx)
	if err != nil {
		return StepResult{Name: "Ingest", Err: err}
	}
	return StepResult{
		Name: "Ingest",
		Summary: fmt.Sprintf("Created %d proposals (%d found, %d duplicates, %d below threshold, %d errors, $%.4f)",
			res.Created, res.Found, res.Duplicates, res.BelowThreshold, res.Errors, res.CostUSD),
	}
}

// runGenerate starts every APPROVED proposal. Proposals are independent, so
// one failure never cancels the others.
func (p *Pipeline) runGenerate(ctx context.Context, log *logger.Logger) (StepResult, []*lifecycle.Outcome) {
	approved, err := p.store.ListProposals(ctx, database.ProposalApproved, 0)
	if err != nil {
		return StepResult{Name: "Generate", Err: err}, nil
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		outcomes []*lifecycle.Outcome
		errs     int
	)
	g.SetLimit(p.concurrency)

	for _, proposal := range approved {
		id := proposal.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := p.ctrl.StartGeneration(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error("Generation failed", "proposal_id", id, "error", err.Error())
				errs++
				return nil
			}
			outcomes = append(outcomes, out)
			return nil
		})
	}
	_ = g.Wait()

	var completed, failed, running int
	var cost float64
	for _, out := range outcomes {
		switch {
		case out.AlreadyRunning:
			running++
		case out.Proposal.Status == database.ProposalCompleted:
			completed++
		default:
			failed++
		}
		if out.Course != nil && !out.AlreadyRunning {
			cost += out.Course.GenerationCostUSD
		}
	}

	step := StepResult{
		Name: "Generate",
		Summary: fmt.Sprintf("%d approved: %d completed, %d failed, %d already running, %d errors ($%.4f)",
			len(approved), completed, failed, running, errs, cost),
	}
	if ctx.Err() != nil {
		step.Err = ctx.Err()
	}
	return step, outcomes
}
