// Package prompts assembles the system and user prompts for every generation
// stage. Builders are pure: no I/O, deterministic output for equal inputs.
package prompts

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/CourseForge/internal/curriculum"
)

// MinutesPerSection is the target length of one section used to size outlines.
const MinutesPerSection = 15

// maxExcerptChars bounds the source excerpt sent with curriculum and analysis prompts.
const maxExcerptChars = 4000

// Prompt is one (system, user) pair.
type Prompt struct {
	System string
	User   string
}

// Topic is the proposal view the curriculum stage needs.
type Topic struct {
	Title           string
	Description     string
	Keywords        []string
	SourceURL       string
	SourceExcerpt   string
	DurationMinutes int
}

// CourseContext is the course view shared by the section stages.
type CourseContext struct {
	Title       string
	Description string
	Level       string
}

// Builder carries the settings that are constant across prompts.
type Builder struct {
	Language    string
	Audience    string
	MinSections int
	MaxSections int
}

// SectionCount sizes an outline from the estimated duration, clamped to the
// builder's bounds. Zero duration falls back to five sections.
func (b Builder) SectionCount(durationMinutes int) int {
	n := 5
	if durationMinutes > 0 {
		n = (durationMinutes + MinutesPerSection/2) / MinutesPerSection
	}
	if n < b.MinSections {
		n = b.MinSections
	}
	if b.MaxSections > 0 && n > b.MaxSections {
		n = b.MaxSections
	}
	return n
}

const curriculumSystem = `You are an expert course designer specializing in practical technical education for %s.

Design principles:
- Each section takes about %d minutes to complete
- Progressive difficulty, from fundamentals to applied use
- Hands-on and practical, with real-world use cases
- All course text is written in %s`

const curriculumUser = `Design a course curriculum for this trending topic.

Topic: %s
Description: %s
Keywords: %s
Source: %s

Source excerpt:
%s

Requirements:
- Exactly %d sections, in learning order
- Every section has a title, a type ("lesson", "exercise" or "review") and one learning objective
- Estimated total duration: %d minutes

JSON structure:
{
  "courseTitle": "string",
  "courseDescription": "string (2-3 sentences)",
  "level": "BEGINNER" | "INTERMEDIATE" | "ADVANCED",
  "sections": [
    {"title": "string", "type": "lesson", "objective": "string", "estimatedMinutes": number}
  ]
}`

// Curriculum builds the outline prompt for a topic.
func (b Builder) Curriculum(t Topic) Prompt {
	n := b.SectionCount(t.DurationMinutes)
	duration := t.DurationMinutes
	if duration <= 0 {
		duration = n * MinutesPerSection
	}
	return Prompt{
		System: fmt.Sprintf(curriculumSystem, b.Audience, MinutesPerSection, b.Language),
		User: fmt.Sprintf(curriculumUser,
			t.Title,
			orNone(t.Description),
			orNone(strings.Join(t.Keywords, ", ")),
			orNone(t.SourceURL),
			orNone(clip(t.SourceExcerpt, maxExcerptChars)),
			n,
			duration,
		),
	}
}

// Stricter tightens a curriculum prompt for the given retry attempt (1-based).
func (b Builder) Stricter(p Prompt, attempt int) Prompt {
	if attempt <= 0 {
		return p
	}
	extra := fmt.Sprintf(
		"\n\nYour previous answer could not be used. Return ONLY a JSON object whose \"sections\" array has between %d and %d entries, each with a non-empty \"title\".",
		b.MinSections, b.MaxSections)
	if attempt > 1 {
		extra += " Do not add any text outside the JSON object. Do not wrap it in code fences."
	}
	return Prompt{System: p.System, User: p.User + extra}
}

const contentSystem = `You are writing one section of an online course for %s.

Write clear, practical teaching material in %s. Use concrete examples and, where the topic is technical, short runnable code.

Content blocks are a closed set. Every block is one of:
{"type": "paragraph", "content": "string"}
{"type": "heading", "level": 3 | 4, "content": "string"}
{"type": "list", "content": "optional intro", "items": ["string", ...]}
{"type": "callout", "variant": "info" | "warning" | "tip" | "example", "content": "string"}
{"type": "code", "language": "string", "code": "string", "caption": "optional string"}`

const contentUser = `Course: %s
Course description: %s
Level: %s

Sections already written, in order:
%s

Write section %d: %s
Type: %s
Learning objective: %s
Target length: about %d minutes of reading and practice.

Do not repeat topics covered by the earlier sections.

JSON structure:
{
  "introduction": "string",
  "blocks": [ ...content blocks... ],
  "summary": "string",
  "keyTakeaways": ["string", ...]
}`

// SectionContent builds the content prompt for one section. Only the titles of
// the sections before it are sent, never their bodies.
func (b Builder) SectionContent(c CourseContext, s curriculum.Section, priorTitles []string) Prompt {
	prior := "(this is the first section)"
	if len(priorTitles) > 0 {
		lines := make([]string, len(priorTitles))
		for i, title := range priorTitles {
			lines[i] = fmt.Sprintf("%d. %s", i+1, title)
		}
		prior = strings.Join(lines, "\n")
	}
	minutes := s.EstimatedMinutes
	if minutes <= 0 {
		minutes = MinutesPerSection
	}
	return Prompt{
		System: fmt.Sprintf(contentSystem, b.Audience, b.Language),
		User: fmt.Sprintf(contentUser,
			c.Title,
			orNone(c.Description),
			orNone(c.Level),
			prior,
			s.Index+1,
			s.Title,
			s.Type,
			orNone(s.Objective),
			minutes,
		),
	}
}

const quizSystem = `You write multiple-choice quizzes that check understanding of one course section.

Rules:
- Between %d and %d questions
- Every question is answerable from the supplied section text alone; never use outside facts
- 3 or 4 choices per question, exactly one correct
- Questions and choices are written in %s`

const quizUser = `Course: %s
Section: %s

Section text:
%s

JSON structure:
{
  "questions": [
    {"question": "string", "choices": ["string", ...], "correctIndex": number (0-based), "explanation": "string"}
  ]
}`

// SectionQuiz builds the quiz prompt from freshly generated section content.
func (b Builder) SectionQuiz(c CourseContext, s curriculum.Section, content curriculum.Content) Prompt {
	return Prompt{
		System: fmt.Sprintf(quizSystem, curriculum.MinQuizQuestions, curriculum.MaxQuizQuestions, b.Language),
		User:   fmt.Sprintf(quizUser, c.Title, s.Title, content.Markdown()),
	}
}

// Candidate is a discovered item awaiting analysis.
type Candidate struct {
	Title   string
	Source  string
	URL     string
	Excerpt string
}

const analysisSystem = `You evaluate trending technology stories as candidate topics for short practical online courses aimed at %s.`

const analysisUser = `Story title: %s
Source: %s
URL: %s

Content:
%s

Decide how well this story would work as the basis of a 60 to 120 minute practical course.

JSON structure:
{
  "relevanceScore": number between 0.0 and 1.0,
  "suggestedCourseTitle": "string",
  "suggestedDescription": "string (2-3 sentences)",
  "keywords": ["string", ...],
  "estimatedDurationMinutes": number,
  "estimatedEngagement": "low" | "medium" | "high"
}`

// Analysis builds the ingest prompt that turns a candidate into a course proposal.
func (b Builder) Analysis(c Candidate) Prompt {
	return Prompt{
		System: fmt.Sprintf(analysisSystem, b.Audience),
		User: fmt.Sprintf(analysisUser,
			c.Title,
			orNone(c.Source),
			orNone(c.URL),
			orNone(clip(c.Excerpt, maxExcerptChars)),
		),
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
