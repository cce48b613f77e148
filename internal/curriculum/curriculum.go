// Package curriculum holds the course curriculum document: the ordered
// sections produced by the outline stage and the content and quiz payloads
// filled in per section afterwards.
package curriculum

import (
	"encoding/json"
	"fmt"
	"strings"
)

type SectionStatus string

const (
	SectionPending   SectionStatus = "PENDING"
	SectionGenerated SectionStatus = "GENERATED"
	SectionFailed    SectionStatus = "FAILED"
)

type SectionType string

const (
	TypeLesson   SectionType = "lesson"
	TypeExercise SectionType = "exercise"
	TypeReview   SectionType = "review"
)

// Failure reasons recorded on sections that were never attempted.
const (
	ReasonBudgetExceeded = "budget exceeded"
	ReasonCancelled      = "cancelled"
	ReasonInterrupted    = "generation interrupted"
)

// Stub is one entry of a curriculum outline as returned by the outline stage.
type Stub struct {
	Title            string `json:"title"`
	Type             string `json:"type"`
	Objective        string `json:"objective"`
	EstimatedMinutes int    `json:"estimatedMinutes,omitempty"`
}

// Outline is the structured response of the outline stage.
type Outline struct {
	CourseTitle       string `json:"courseTitle,omitempty"`
	CourseDescription string `json:"courseDescription,omitempty"`
	Level             string `json:"level,omitempty"`
	Sections          []Stub `json:"sections"`
}

// Validate checks the outline shape: section count within [min, max] and a
// title on every stub.
func (o Outline) Validate(min, max int) error {
	n := len(o.Sections)
	if n == 0 {
		return fmt.Errorf("outline has no sections")
	}
	if n < min || n > max {
		return fmt.Errorf("outline has %d sections, want %d..%d", n, min, max)
	}
	for i, s := range o.Sections {
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("section %d has no title", i)
		}
	}
	return nil
}

type Content struct {
	Introduction string   `json:"introduction,omitempty"`
	Blocks       Blocks   `json:"blocks"`
	Summary      string   `json:"summary,omitempty"`
	KeyTakeaways []string `json:"keyTakeaways,omitempty"`
}

// Validate requires at least one block and every block to be well formed.
func (c Content) Validate() error {
	if len(c.Blocks) == 0 {
		return fmt.Errorf("content has no blocks")
	}
	for i, b := range c.Blocks {
		if err := b.validate(); err != nil {
			return fmt.Errorf("block %d (%s): %w", i, b.Kind(), err)
		}
	}
	return nil
}

// Markdown renders the content body.
func (c Content) Markdown() string {
	var b strings.Builder
	c.writeMarkdown(&b)
	return strings.TrimSpace(b.String())
}

func (c Content) writeMarkdown(b *strings.Builder) {
	if c.Introduction != "" {
		b.WriteString(c.Introduction)
		b.WriteString("\n\n")
	}
	for _, block := range c.Blocks {
		block.writeMarkdown(b)
	}
	if c.Summary != "" {
		b.WriteString("**Summary:** ")
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	if len(c.KeyTakeaways) > 0 {
		b.WriteString("**Key takeaways**\n\n")
		for _, t := range c.KeyTakeaways {
			b.WriteString("- ")
			b.WriteString(t)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

type Question struct {
	Prompt       string   `json:"question"`
	Choices      []string `json:"choices"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation,omitempty"`
}

type Quiz struct {
	Questions []Question `json:"questions"`
}

const (
	MinQuizQuestions = 3
	MaxQuizQuestions = 5
)

// Validate checks question count and that every correct index points at a choice.
func (q Quiz) Validate() error {
	n := len(q.Questions)
	if n < MinQuizQuestions || n > MaxQuizQuestions {
		return fmt.Errorf("quiz has %d questions, want %d..%d", n, MinQuizQuestions, MaxQuizQuestions)
	}
	for i, question := range q.Questions {
		if strings.TrimSpace(question.Prompt) == "" {
			return fmt.Errorf("question %d is empty", i)
		}
		if len(question.Choices) < 2 || len(question.Choices) > 6 {
			return fmt.Errorf("question %d has %d choices", i, len(question.Choices))
		}
		if question.CorrectIndex < 0 || question.CorrectIndex >= len(question.Choices) {
			return fmt.Errorf("question %d correct index %d out of range", i, question.CorrectIndex)
		}
	}
	return nil
}

// Section is one lesson unit. Index, Title, Type and Objective are fixed once
// the outline exists; the remaining fields change as generation proceeds.
type Section struct {
	Index            int           `json:"index"`
	Title            string        `json:"title"`
	Type             SectionType   `json:"type"`
	Objective        string        `json:"objective,omitempty"`
	EstimatedMinutes int           `json:"estimatedMinutes,omitempty"`
	Content          *Content      `json:"content"`
	Quiz             *Quiz         `json:"quiz,omitempty"`
	Status           SectionStatus `json:"status"`
	FailureReason    string        `json:"failureReason,omitempty"`
	CostUSD          float64       `json:"costUsd"`
	TokensUsed       int           `json:"tokensUsed"`
}

// Document is the curriculumJson stored on a course.
type Document struct {
	Level    string    `json:"level,omitempty"`
	Sections []Section `json:"sections"`
}

// FromOutline builds a document with one PENDING placeholder per stub.
func FromOutline(o Outline) Document {
	doc := Document{Level: o.Level, Sections: make([]Section, 0, len(o.Sections))}
	for i, stub := range o.Sections {
		doc.Sections = append(doc.Sections, Section{
			Index:            i,
			Title:            strings.TrimSpace(stub.Title),
			Type:             normalizeType(stub.Type),
			Objective:        strings.TrimSpace(stub.Objective),
			EstimatedMinutes: stub.EstimatedMinutes,
			Status:           SectionPending,
		})
	}
	return doc
}

func normalizeType(t string) SectionType {
	switch SectionType(strings.ToLower(strings.TrimSpace(t))) {
	case TypeExercise:
		return TypeExercise
	case TypeReview:
		return TypeReview
	default:
		return TypeLesson
	}
}

// Validate checks that indices are contiguous from zero.
func (d Document) Validate() error {
	for i, s := range d.Sections {
		if s.Index != i {
			return fmt.Errorf("section at position %d has index %d", i, s.Index)
		}
		switch s.Status {
		case SectionPending, SectionGenerated, SectionFailed:
		default:
			return fmt.Errorf("section %d has unknown status %q", i, s.Status)
		}
	}
	return nil
}

// AllGenerated reports whether every section reached GENERATED.
func (d Document) AllGenerated() bool {
	if len(d.Sections) == 0 {
		return false
	}
	for _, s := range d.Sections {
		if s.Status != SectionGenerated {
			return false
		}
	}
	return true
}

// FailedIndices lists the indices of FAILED sections in order.
func (d Document) FailedIndices() []int {
	var out []int
	for _, s := range d.Sections {
		if s.Status == SectionFailed {
			out = append(out, s.Index)
		}
	}
	return out
}

// CountByStatus tallies sections per status.
func (d Document) CountByStatus() map[SectionStatus]int {
	out := make(map[SectionStatus]int, 3)
	for _, s := range d.Sections {
		out[s.Status]++
	}
	return out
}

// Titles returns the section titles in index order.
func (d Document) Titles() []string {
	out := make([]string, len(d.Sections))
	for i, s := range d.Sections {
		out[i] = s.Title
	}
	return out
}

// Markdown renders the whole curriculum for preview.
func (d Document) Markdown(courseTitle string) string {
	var b strings.Builder
	if courseTitle != "" {
		fmt.Fprintf(&b, "# %s\n\n", courseTitle)
	}
	for _, s := range d.Sections {
		fmt.Fprintf(&b, "## %d. %s\n\n", s.Index+1, s.Title)
		if s.Objective != "" {
			fmt.Fprintf(&b, "*%s*\n\n", s.Objective)
		}
		switch {
		case s.Content != nil:
			s.Content.writeMarkdown(&b)
		case s.Status == SectionFailed:
			fmt.Fprintf(&b, "_Generation failed: %s_\n\n", s.FailureReason)
		default:
			b.WriteString("_Not generated yet._\n\n")
		}
		if s.Quiz != nil {
			b.WriteString("### Quiz\n\n")
			for i, q := range s.Quiz.Questions {
				fmt.Fprintf(&b, "%d. %s\n", i+1, q.Prompt)
				for j, c := range q.Choices {
					marker := " "
					if j == q.CorrectIndex {
						marker = "x"
					}
					fmt.Fprintf(&b, "   - [%s] %s\n", marker, c)
				}
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// Marshal encodes the document as stored in curriculum_json.
func (d Document) Marshal() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Parse decodes a stored curriculum_json document.
func Parse(raw string) (Document, error) {
	var d Document
	if strings.TrimSpace(raw) == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("decoding curriculum: %w", err)
	}
	return d, nil
}
