package database

import "github.com/TobiSchelling/CourseForge/internal/curriculum"

// ProposalStatus is the lifecycle state of a trend proposal.
type ProposalStatus string

const (
	ProposalNew        ProposalStatus = "NEW"
	ProposalApproved   ProposalStatus = "APPROVED"
	ProposalRejected   ProposalStatus = "REJECTED"
	ProposalGenerating ProposalStatus = "GENERATING"
	ProposalCompleted  ProposalStatus = "COMPLETED"
	ProposalFailed     ProposalStatus = "FAILED"
)

// ParseProposalStatus accepts a status name in any case.
func ParseProposalStatus(s string) (ProposalStatus, bool) {
	switch st := ProposalStatus(upper(s)); st {
	case ProposalNew, ProposalApproved, ProposalRejected, ProposalGenerating, ProposalCompleted, ProposalFailed:
		return st, true
	}
	return "", false
}

// CourseStatus is the publication state of a course.
type CourseStatus string

const (
	CourseDraft     CourseStatus = "DRAFT"
	CoursePending   CourseStatus = "PENDING"
	CoursePublished CourseStatus = "PUBLISHED"
	CourseArchived  CourseStatus = "ARCHIVED"
)

// ParseCourseStatus accepts a status name in any case.
func ParseCourseStatus(s string) (CourseStatus, bool) {
	switch st := CourseStatus(upper(s)); st {
	case CourseDraft, CoursePending, CoursePublished, CourseArchived:
		return st, true
	}
	return "", false
}

// CourseProposal is the AI estimate attached to a trend when it is ingested.
type CourseProposal struct {
	RelevanceScore           float64  `json:"relevanceScore"`
	SuggestedTitle           string   `json:"suggestedCourseTitle"`
	SuggestedDescription     string   `json:"suggestedDescription"`
	Keywords                 []string `json:"keywords"`
	EstimatedDurationMinutes int      `json:"estimatedDurationMinutes"`
	EstimatedCostUSD         float64  `json:"estimatedGenerationCostUsd"`
	EstimatedEngagement      string   `json:"estimatedEngagement,omitempty"`
}

// TrendProposal is a candidate topic awaiting review or generation.
type TrendProposal struct {
	ID                  int64          `json:"id"`
	Source              string         `json:"source"`
	SourceID            string         `json:"sourceId"`
	SourceURL           *string        `json:"sourceUrl,omitempty"`
	Title               string         `json:"title"`
	Description         *string        `json:"description,omitempty"`
	Keywords            []string       `json:"keywords"`
	TrendScore          float64        `json:"trendScore"`
	Proposal            CourseProposal `json:"courseProposal"`
	SourceExcerpt       *string        `json:"-"`
	Status              ProposalStatus `json:"status"`
	CourseID            *int64         `json:"courseId,omitempty"`
	FailureReason       *string        `json:"failureReason,omitempty"`
	FailedSections      []int          `json:"failedSections,omitempty"`
	GenerationStartedAt *string        `json:"generationStartedAt,omitempty"`
	HeartbeatAt         *string        `json:"heartbeatAt,omitempty"`
	CreatedAt           *string        `json:"createdAt,omitempty"`
	UpdatedAt           *string        `json:"updatedAt,omitempty"`
}

// DisplayTitle prefers the AI-suggested course title.
func (p TrendProposal) DisplayTitle() string {
	if p.Proposal.SuggestedTitle != "" {
		return p.Proposal.SuggestedTitle
	}
	return p.Title
}

// ProposalPatch carries the fields written alongside a status transition.
// FailureReason and FailedSections always overwrite, so leaving them empty
// clears a previous failure.
type ProposalPatch struct {
	CourseID       *int64
	FailureReason  string
	FailedSections []int
}

// Course is the publishable artifact built from a proposal.
type Course struct {
	ID                int64               `json:"id"`
	ProposalID        *int64              `json:"proposalId,omitempty"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	CategoryID        *int64              `json:"categoryId,omitempty"`
	ProviderID        *int64              `json:"providerId,omitempty"`
	Language          string              `json:"language"`
	Level             string              `json:"level,omitempty"`
	Curriculum        curriculum.Document `json:"curriculum"`
	Status            CourseStatus        `json:"status"`
	GenerationCostUSD float64             `json:"generationCostUsd"`
	TokensUsed        int                 `json:"tokensUsed"`
	AIModel           string              `json:"aiModel,omitempty"`
	CreatedAt         *string             `json:"createdAt,omitempty"`
	UpdatedAt         *string             `json:"updatedAt,omitempty"`
	PublishedAt       *string             `json:"publishedAt,omitempty"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	Proposals    map[ProposalStatus]int
	Courses      map[CourseStatus]int
	TotalCostUSD float64
	TotalTokens  int
}
