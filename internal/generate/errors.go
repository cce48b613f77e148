package generate

import (
	"fmt"

	"github.com/TobiSchelling/CourseForge/internal/llm"
)

// ValidationError means the generated structure decoded but is semantically
// unusable, such as an outline with too few sections.
type ValidationError struct {
	Stage string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Stage, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BudgetExceededError stops a course run once cumulative cost reaches the ceiling.
type BudgetExceededError struct {
	SpentUSD   float64
	CeilingUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent $%.4f of $%.4f", e.SpentUSD, e.CeilingUSD)
}

// CurriculumError reports that no usable outline was produced. No course is
// persisted when it is returned.
type CurriculumError struct {
	Attempts int
	Usage    llm.Usage
	Err      error
}

func (e *CurriculumError) Error() string {
	return fmt.Sprintf("curriculum generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CurriculumError) Unwrap() error { return e.Err }

// StageError reports that one stage of one section exhausted its attempts.
type StageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s generation failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// KeepaliveError stops a run whose keepalive failed: the lease was lost or the
// proposal left GENERATING, so another run may own the course now.
type KeepaliveError struct {
	Section int
	Err     error
}

func (e *KeepaliveError) Error() string {
	return fmt.Sprintf("keepalive before section %d: %v", e.Section, e.Err)
}

func (e *KeepaliveError) Unwrap() error { return e.Err }
