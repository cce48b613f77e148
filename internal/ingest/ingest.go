// Package ingest discovers trend candidates and turns them into NEW proposals,
// either from configured feeds or from the automation engine's trend webhook.
package ingest

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/logger"
	"github.com/TobiSchelling/CourseForge/internal/prompts"
)

// Store is the proposal persistence ingestion needs. *database.DB satisfies it.
type Store interface {
	GetProposalBySource(ctx context.Context, source, sourceID string) (*database.TrendProposal, error)
	InsertProposal(ctx context.Context, p database.TrendProposal) (int64, bool, error)
}

// Result holds the counts of one ingestion run.
type Result struct {
	Found          int
	Duplicates     int
	Analyzed       int
	BelowThreshold int
	Created        int
	Errors         int
	CostUSD        float64
}

// Ingester runs feed discovery, source fetching and AI analysis.
type Ingester struct {
	store        Store
	feeds        *FeedReader
	fetcher      *Fetcher
	analyzer     *Analyzer
	minRelevance float64
	daysBack     int
	log          *logger.Logger
	now          func() time.Time
}

// New creates an ingester from configuration. gen may be nil when only the
// webhook intake is used.
func New(cfg *config.Config, store Store, gen llm.Generator, log *logger.Logger) *Ingester {
	timeout := time.Duration(cfg.Ingest.FetchTimeoutSeconds) * time.Second
	builder := prompts.Builder{
		Language:    cfg.Pipeline.Language,
		Audience:    cfg.Pipeline.Audience,
		MinSections: cfg.Pipeline.MinSections,
		MaxSections: cfg.Pipeline.MaxSections,
	}
	in := &Ingester{
		store:        store,
		feeds:        NewFeedReader(cfg.Ingest.Feeds, timeout, log),
		fetcher:      NewFetcher(timeout),
		minRelevance: cfg.Ingest.MinRelevance,
		daysBack:     cfg.Ingest.DaysBack,
		log:          log,
		now:          time.Now,
	}
	if gen != nil {
		in.analyzer = NewAnalyzer(gen, builder, cfg.Generation)
	}
	return in
}

func (in *Ingester) since() time.Time {
	return in.now().AddDate(0, 0, -max(in.daysBack, 1))
}

// Pending counts feed entries that are not stored yet, without analyzing them.
func (in *Ingester) Pending(ctx context.Context) (int, error) {
	n := 0
	for _, e := range in.feeds.Read(ctx, in.since()) {
		_, err := in.store.GetProposalBySource(ctx, e.Source, e.ID)
		if errors.Is(err, database.ErrNotFound) {
			n++
			continue
		}
		if err != nil {
			return n, err
		}
	}
	return n, ctx.Err()
}

// Run reads the feeds and stores every new, sufficiently relevant entry as a
// NEW proposal. Per-entry failures are counted, not returned.
func (in *Ingester) Run(ctx context.Context) (*Result, error) {
	if in.analyzer == nil {
		return nil, errors.New("ingest: no generation backend configured")
	}

	entries := in.feeds.Read(ctx, in.since())
	r := &Result{Found: len(entries)}
	failedHosts := make(map[string]bool)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		_, err := in.store.GetProposalBySource(ctx, e.Source, e.ID)
		if err == nil {
			r.Duplicates++
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			in.log.Error("Duplicate check failed", "source_id", e.ID, "error", err.Error())
			r.Errors++
			continue
		}

		excerpt := in.excerpt(ctx, e, failedHosts)
		proposal, usage, err := in.analyzer.Analyze(ctx, prompts.Candidate{
			Title:   e.Title,
			Source:  e.Source,
			URL:     e.URL,
			Excerpt: excerpt,
		})
		r.CostUSD += usage.CostUSD
		if err != nil {
			in.log.Warn("Analysis failed", "title", e.Title, "error", err.Error())
			r.Errors++
			continue
		}
		r.Analyzed++

		if proposal.RelevanceScore < in.minRelevance {
			in.log.Debug("Below relevance threshold", "title", e.Title, "relevance", proposal.RelevanceScore)
			r.BelowThreshold++
			continue
		}

		p := database.TrendProposal{
			Source:     e.Source,
			SourceID:   e.ID,
			SourceURL:  optional(e.URL),
			Title:      e.Title,
			Keywords:   proposal.Keywords,
			TrendScore: proposal.RelevanceScore,
			Proposal:   proposal,
		}
		p.Description = optional(proposal.SuggestedDescription)
		p.SourceExcerpt = optional(excerpt)

		id, created, err := in.store.InsertProposal(ctx, p)
		if err != nil {
			in.log.Error("Storing proposal failed", "title", e.Title, "error", err.Error())
			r.Errors++
			continue
		}
		if !created {
			r.Duplicates++
			continue
		}
		r.Created++
		in.log.Info("Proposal created", "proposal_id", id, "title", proposal.SuggestedTitle, "relevance", proposal.RelevanceScore)
	}

	in.log.Info("Ingestion complete",
		"found", r.Found,
		"created", r.Created,
		"duplicates", r.Duplicates,
		"below_threshold", r.BelowThreshold,
		"errors", r.Errors,
		"cost_usd", r.CostUSD,
	)
	return r, nil
}

// excerpt prefers the fetched article text over the feed summary. After an
// HTTP error, further articles from the same host are not fetched.
func (in *Ingester) excerpt(ctx context.Context, e Entry, failedHosts map[string]bool) string {
	host := ""
	if u, err := url.Parse(e.URL); err == nil {
		host = strings.ToLower(u.Host)
	}
	if failedHosts[host] {
		return e.Summary
	}

	text, err := in.fetcher.Text(ctx, e.URL)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && host != "" {
			failedHosts[host] = true
		}
		in.log.Debug("Source fetch failed", "url", e.URL, "error", err.Error())
		return e.Summary
	}
	if text == "" {
		return e.Summary
	}
	return text
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
