package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/logger"
	"github.com/TobiSchelling/CourseForge/internal/prompts"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Components everywhere</title></head>
<body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Components everywhere</h1>
<p>The WebAssembly component model lets teams compose modules written in different languages behind typed interfaces, and the tooling has finally caught up with the proposal.</p>
<p>In this walkthrough we build a small plugin host, define a WIT world for the plugins, and compile guests from Rust and Go before wiring them together at runtime without any glue code.</p>
<p>Finally we look at how capability-based security keeps each plugin confined to the resources the host explicitly hands it, which is what makes the model attractive for multi-tenant platforms.</p>
</article>
</body></html>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		now := time.Now().UTC().Format(time.RFC1123Z)
		old := time.Now().AddDate(0, 0, -30).UTC().Format(time.RFC1123Z)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Test</title>
<item><title>WebAssembly components land</title><link>%[1]s/articles/wasm</link><guid>wasm-1</guid><pubDate>%[2]s</pubDate><description>&lt;p&gt;Components &amp;amp; plugins&lt;/p&gt;</description></item>
<item><title>Minor patch release</title><link>%[1]s/articles/minor</link><guid>minor-1</guid><pubDate>%[2]s</pubDate><description>Bug fixes</description></item>
<item><title>Old story</title><link>%[1]s/articles/old</link><guid>old-1</guid><pubDate>%[3]s</pubDate></item>
<item><title></title><link>%[1]s/articles/untitled</link></item>
</channel></rss>`, base, now, old)
	})
	mux.HandleFunc("/articles/wasm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// analysisGen scores candidates by whether the prompt mentions WebAssembly.
type analysisGen struct {
	mu    sync.Mutex
	calls int
	users []string
	text  string
}

func (g *analysisGen) GenerateText(_ context.Context, _, user string, _ int) (*llm.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.users = append(g.users, user)
	usage := llm.Usage{InputTokens: 50, OutputTokens: 50, CostUSD: 0.001}
	if g.text != "" {
		return &llm.Generation{Text: g.text, Usage: usage}, nil
	}
	score := 0.2
	if strings.Contains(user, "WebAssembly") {
		score = 0.9
	}
	return &llm.Generation{Text: fmt.Sprintf(`{
		"relevanceScore": %v,
		"suggestedCourseTitle": " Building with Wasm Components ",
		"suggestedDescription": "Compose polyglot plugins.",
		"keywords": ["WebAssembly", "wasm", "webassembly", " WIT "],
		"estimatedDurationMinutes": 90,
		"estimatedEngagement": "High"
	}`, score), Usage: usage}, nil
}

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig(feedURL string) *config.Config {
	cfg := config.Default()
	cfg.Ingest.Feeds = []config.Feed{{URL: feedURL, Name: "test feed"}}
	cfg.Ingest.FetchTimeoutSeconds = 5
	return cfg
}

func TestRunCreatesRelevantProposals(t *testing.T) {
	srv := feedServer(t)
	db := openDB(t)
	gen := &analysisGen{}
	in := New(testConfig(srv.URL+"/feed"), db, gen, logger.Nop())
	ctx := context.Background()

	res, err := in.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found, "old and untitled items are dropped")
	assert.Equal(t, 2, res.Analyzed)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.BelowThreshold)
	assert.Zero(t, res.Errors)
	assert.InDelta(t, 0.002, res.CostUSD, 1e-9)

	p, err := db.GetProposalBySource(ctx, "test feed", "wasm-1")
	require.NoError(t, err)
	assert.Equal(t, database.ProposalNew, p.Status)
	assert.Equal(t, "Building with Wasm Components", p.Proposal.SuggestedTitle)
	assert.Equal(t, []string{"webassembly", "wasm", "wit"}, p.Proposal.Keywords)
	assert.Equal(t, "high", p.Proposal.EstimatedEngagement)
	assert.Greater(t, p.Proposal.EstimatedCostUSD, 0.0)
	assert.InDelta(t, 0.9, p.TrendScore, 1e-9)
	require.NotNil(t, p.SourceExcerpt)
	assert.Contains(t, *p.SourceExcerpt, "Components")

	_, err = db.GetProposalBySource(ctx, "test feed", "minor-1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	pending, err := in.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	again, err := in.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Duplicates)
	assert.Zero(t, again.Created)
	assert.Equal(t, 3, gen.calls, "stored entries are not re-analyzed")
}

func TestRunCountsAnalysisFailures(t *testing.T) {
	srv := feedServer(t)
	db := openDB(t)
	gen := &analysisGen{text: "I think this is a great topic!"}
	in := New(testConfig(srv.URL+"/feed"), db, gen, logger.Nop())

	res, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Zero(t, res.Created)
	assert.InDelta(t, 0.002, res.CostUSD, 1e-9, "unparseable answers are still billed")
}

func TestRunWithoutGenerator(t *testing.T) {
	in := New(config.Default(), openDB(t), nil, logger.Nop())
	_, err := in.Run(context.Background())
	assert.Error(t, err)
}

func TestUnreadableFeedIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	r := NewFeedReader([]config.Feed{{URL: srv.URL + "/missing"}}, time.Second, logger.Nop())
	assert.Empty(t, r.Read(context.Background(), time.Time{}))
}

func TestFetcher(t *testing.T) {
	srv := feedServer(t)
	f := NewFetcher(5 * time.Second)
	ctx := context.Background()

	text, err := f.Text(ctx, srv.URL+"/articles/wasm")
	require.NoError(t, err)
	assert.Contains(t, text, "capability-based security")

	_, err = f.Text(ctx, srv.URL+"/articles/minor")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hello & welcome to Go", plainText("<p>Hello &amp; <b>welcome</b></p>\n\n to   Go"))
	assert.Equal(t, "", plainText(""))
}

func TestSourceName(t *testing.T) {
	assert.Equal(t, "github", sourceName("https://github.blog/feed/"))
	assert.Equal(t, "hnrss", sourceName("https://hnrss.org/frontpage"))
	assert.Equal(t, "example", sourceName("https://feeds.example.com/rss"))
}

func TestAnalyzerNormalizes(t *testing.T) {
	cfg := config.Default()
	gen := &analysisGen{text: `{"relevanceScore": 7, "keywords": [], "estimatedDurationMinutes": 0, "estimatedEngagement": "viral"}`}
	a := NewAnalyzer(gen, prompts.Builder{MinSections: 3, MaxSections: 20}, cfg.Generation)

	cp, usage, err := a.Analyze(context.Background(), prompts.Candidate{Title: "Anything"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, cp.RelevanceScore)
	assert.Equal(t, defaultDurationMinutes, cp.EstimatedDurationMinutes)
	assert.Empty(t, cp.EstimatedEngagement)
	assert.Empty(t, cp.Keywords)
	assert.Equal(t, 100, usage.Tokens())
	assert.Equal(t, a.EstimateCost(4), cp.EstimatedCostUSD)
}

func TestEstimateCostGrowsWithSections(t *testing.T) {
	a := NewAnalyzer(&analysisGen{}, prompts.Builder{}, config.Default().Generation)
	assert.Greater(t, a.EstimateCost(10), a.EstimateCost(5))
	assert.Greater(t, a.EstimateCost(0), 0.0)
}

func TestAnalyzerParseErrorCarriesUsage(t *testing.T) {
	a := NewAnalyzer(&analysisGen{text: "nope"}, prompts.Builder{}, config.Default().Generation)
	_, usage, err := a.Analyze(context.Background(), prompts.Candidate{Title: "x"})
	var perr *llm.ParseError
	require.True(t, errors.As(err, &perr))
	assert.InDelta(t, 0.001, usage.CostUSD, 1e-9)
}

func validPayload() TrendPayload {
	return TrendPayload{
		SourceID:  "41234567",
		SourceURL: "https://example.com/story",
		Title:     "Show HN: a tiny vector database",
		Score:     312,
		Author:    "someone",
		Time:      1767225600,
		AIAnalysis: &database.CourseProposal{
			RelevanceScore:           0.82,
			SuggestedTitle:           "Vector Search from Scratch",
			SuggestedDescription:     "Build a small vector index.",
			Keywords:                 []string{"Vectors", "search"},
			EstimatedDurationMinutes: 90,
			EstimatedCostUSD:         0.4,
		},
	}
}

func TestAcceptCreatesAndDeduplicates(t *testing.T) {
	db := openDB(t)
	in := New(config.Default(), db, nil, logger.Nop())
	ctx := context.Background()

	p, created, err := in.Accept(ctx, validPayload())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, database.ProposalNew, p.Status)
	assert.Equal(t, WebhookSource, p.Source)
	assert.Equal(t, 312.0, p.TrendScore)
	assert.Equal(t, []string{"vectors", "search"}, p.Keywords)
	assert.Equal(t, "Vector Search from Scratch", p.DisplayTitle())
	require.NotNil(t, p.Description)
	assert.Equal(t, "Build a small vector index.", *p.Description)

	again, created, err := in.Accept(ctx, validPayload())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, again.ID)
}

func TestPayloadValidation(t *testing.T) {
	missing := validPayload()
	missing.SourceID = ""
	missing.SourceURL = " "
	err := missing.Validate()
	require.ErrorIs(t, err, ErrInvalidPayload)
	assert.Contains(t, err.Error(), "sourceId, sourceUrl")

	noAnalysis := validPayload()
	noAnalysis.AIAnalysis = nil
	assert.ErrorIs(t, noAnalysis.Validate(), ErrInvalidPayload)

	zeroScore := validPayload()
	zeroScore.AIAnalysis.RelevanceScore = 0
	assert.ErrorIs(t, zeroScore.Validate(), ErrInvalidPayload)

	assert.NoError(t, validPayload().Validate())
}
