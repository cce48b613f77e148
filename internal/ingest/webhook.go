package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/CourseForge/internal/database"
)

// WebhookSource is the source recorded for trends pushed by the automation engine.
const WebhookSource = "hackernews"

// ErrInvalidPayload is returned for trend payloads missing required fields.
var ErrInvalidPayload = errors.New("invalid trend payload")

// TrendPayload is the body the automation engine posts for each trending story.
type TrendPayload struct {
	SourceID   string                   `json:"sourceId"`
	SourceURL  string                   `json:"sourceUrl"`
	Title      string                   `json:"title"`
	Score      float64                  `json:"score"`
	Author     string                   `json:"author"`
	Time       int64                    `json:"time"`
	AIAnalysis *database.CourseProposal `json:"aiAnalysis"`
}

// Validate reports missing required fields.
func (p TrendPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.SourceID) == "" {
		missing = append(missing, "sourceId")
	}
	if strings.TrimSpace(p.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(p.SourceURL) == "" {
		missing = append(missing, "sourceUrl")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	if p.AIAnalysis == nil || p.AIAnalysis.RelevanceScore == 0 {
		return fmt.Errorf("%w: missing AI analysis data", ErrInvalidPayload)
	}
	return nil
}

// Accept stores a pushed trend as a NEW proposal. A trend already stored for
// the same source id is returned unchanged with created=false.
func (in *Ingester) Accept(ctx context.Context, payload TrendPayload) (*database.TrendProposal, bool, error) {
	if err := payload.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := in.store.GetProposalBySource(ctx, WebhookSource, payload.SourceID)
	if err == nil {
		in.log.Info("Trend already stored", "proposal_id", existing.ID, "source_id", payload.SourceID)
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	analysis := *payload.AIAnalysis
	analysis.Keywords = normalizeKeywords(analysis.Keywords)
	p := database.TrendProposal{
		Source:      WebhookSource,
		SourceID:    payload.SourceID,
		SourceURL:   optional(payload.SourceURL),
		Title:       strings.TrimSpace(payload.Title),
		Description: optional(analysis.SuggestedDescription),
		Keywords:    analysis.Keywords,
		TrendScore:  payload.Score,
		Proposal:    analysis,
	}

	id, created, err := in.store.InsertProposal(ctx, p)
	if err != nil {
		return nil, false, err
	}
	stored, err := in.store.GetProposalBySource(ctx, WebhookSource, payload.SourceID)
	if err != nil {
		return nil, false, err
	}
	if created {
		in.log.Info("Trend proposal created", "proposal_id", id, "title", p.Title, "author", payload.Author)
	}
	return stored, created, nil
}
