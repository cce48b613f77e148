package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/CourseForge/internal/config"
	"github.com/TobiSchelling/CourseForge/internal/curriculum"
	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/generate"
	"github.com/TobiSchelling/CourseForge/internal/ingest"
	"github.com/TobiSchelling/CourseForge/internal/lifecycle"
	"github.com/TobiSchelling/CourseForge/internal/llm"
	"github.com/TobiSchelling/CourseForge/internal/lock"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

const testSecret = "s3cret"

// cannedGen answers every stage with valid JSON.
type cannedGen struct{}

func (cannedGen) GenerateText(ctx context.Context, system, _ string, _ int) (*llm.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	usage := llm.Usage{InputTokens: 10, OutputTokens: 10, CostUSD: 0.001}
	switch {
	case strings.Contains(system, "course designer"):
		return &llm.Generation{Text: `{"courseTitle":"Rust for Go Developers","level":"intermediate","sections":[
			{"title":"Ownership","type":"lesson"},{"title":"Traits","type":"lesson"},{"title":"Wrap-up","type":"summary"}]}`, Usage: usage}, nil
	case strings.Contains(system, "writing one section"):
		return &llm.Generation{Text: `{"introduction":"Welcome","blocks":[{"type":"heading","level":3,"content":"Borrowing"},{"type":"paragraph","content":"References **borrow** values."}],"summary":"Done"}`, Usage: usage}, nil
	default:
		return &llm.Generation{Text: `{"questions":[
			{"question":"Q1","choices":["a","b"],"correctIndex":0},
			{"question":"Q2","choices":["a","b"],"correctIndex":1},
			{"question":"Q3","choices":["a","b"],"correctIndex":0}]}`, Usage: usage}, nil
	}
}

type testEnv struct {
	db  *database.DB
	srv *Server
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test db")
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	settings := generate.SettingsFromConfig(config.Default())
	ctrl := lifecycle.New(db,
		generate.NewCurriculumGenerator(cannedGen{}, db, settings, log),
		generate.NewSectionFiller(cannedGen{}, db, settings, log),
		lock.NewMemoryLocker(time.Minute), nil, time.Hour, log)

	srv, err := New(db, ctrl, ingest.New(config.Default(), db, nil, log), secret, log)
	require.NoError(t, err, "failed to create server")
	t.Cleanup(srv.Close)
	return &testEnv{db: db, srv: srv}
}

func (e *testEnv) seed(t *testing.T, sourceID string) int64 {
	t.Helper()
	id, _, err := e.db.InsertProposal(context.Background(), database.TrendProposal{
		Source:   "test",
		SourceID: sourceID,
		Title:    "Rust is eating infra",
		Proposal: database.CourseProposal{SuggestedTitle: "Rust for Go Developers", EstimatedDurationMinutes: 45},
	})
	require.NoError(t, err, "seeding proposal")
	return id
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "decoding %s %s", method, path)
	}
	return rec.Code, resp
}

func (e *testEnv) proposal(t *testing.T, id int64) *database.TrendProposal {
	t.Helper()
	p, err := e.db.GetProposal(context.Background(), id)
	require.NoError(t, err, "loading proposal %d", id)
	return p
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testSecret)
	code, resp := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

func TestListProposals(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.seed(t, "a")
	env.seed(t, "b")

	code, resp := env.do(t, "GET", "/api/proposals?status=new", "", nil)
	require.Equal(t, http.StatusOK, code)
	var list []database.TrendProposal
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 2)

	code, _ = env.do(t, "GET", "/api/proposals?status=BOGUS", "", nil)
	assert.Equal(t, http.StatusBadRequest, code, "unknown status")
	code, _ = env.do(t, "GET", "/api/proposals?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code, "bad limit")
}

func TestProposalNotFound(t *testing.T) {
	env := newTestEnv(t, testSecret)
	code, resp := env.do(t, "GET", "/api/proposals/999", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	code, _ = env.do(t, "GET", "/api/proposals/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code, "non-numeric id")
}

func TestApproveGeneratesInBackground(t *testing.T) {
	env := newTestEnv(t, testSecret)
	id := env.seed(t, "approve")

	code, resp := env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/approve", id), "", nil)
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	env.srv.Wait()

	p := env.proposal(t, id)
	require.Equal(t, database.ProposalCompleted, p.Status, "failure: %v", p.FailureReason)

	code, resp = env.do(t, "GET", fmt.Sprintf("/api/proposals/%d", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	var st lifecycle.Status
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	require.NotNil(t, st.Course)
	assert.Equal(t, 3, st.Course.SectionCount)
	assert.Equal(t, database.CoursePending, st.Course.Status)
	assert.Equal(t, 3, st.Sections[curriculum.SectionGenerated])

	code, _ = env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/approve", id), "", nil)
	assert.Equal(t, http.StatusConflict, code, "approving a completed proposal")
}

func TestRejectAndGenerateTransitions(t *testing.T) {
	env := newTestEnv(t, testSecret)
	id := env.seed(t, "reject")

	code, _ := env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/generate", id), "", nil)
	assert.Equal(t, http.StatusConflict, code, "generating a NEW proposal")
	code, _ = env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/retry", id), "", nil)
	assert.Equal(t, http.StatusConflict, code, "retrying a NEW proposal")

	code, _ = env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/reject", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, database.ProposalRejected, env.proposal(t, id).Status)
	code, _ = env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/reject", id), "", nil)
	assert.Equal(t, http.StatusConflict, code, "rejecting twice")
}

func TestGenerateWhileGenerating(t *testing.T) {
	env := newTestEnv(t, testSecret)
	id := env.seed(t, "busy")
	ctx := context.Background()
	require.NoError(t, env.db.TransitionProposal(ctx, id, database.ProposalNew, database.ProposalApproved, database.ProposalPatch{}))
	require.NoError(t, env.db.TransitionProposal(ctx, id, database.ProposalApproved, database.ProposalGenerating, database.ProposalPatch{}))

	code, resp := env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/generate", id), "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Generation already running", resp.Message)
}

func TestPublishAndPreview(t *testing.T) {
	env := newTestEnv(t, testSecret)
	id := env.seed(t, "publish")

	env.do(t, "POST", fmt.Sprintf("/api/proposals/%d/approve", id), "", nil)
	env.srv.Wait()
	p := env.proposal(t, id)
	require.NotNil(t, p.CourseID)
	courseID := *p.CourseID

	req := httptest.NewRequest("GET", fmt.Sprintf("/courses/%d", courseID), nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, want := range []string{"Rust for Go Developers", "<h2>1. Ownership</h2>", "<strong>borrow</strong>", `type="checkbox"`} {
		assert.Contains(t, body, want)
	}

	code, resp := env.do(t, "POST", fmt.Sprintf("/api/courses/%d/publish", courseID), "", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	code, resp = env.do(t, "GET", fmt.Sprintf("/api/courses/%d", courseID), "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(database.CoursePublished), resp.Message)
	code, _ = env.do(t, "POST", fmt.Sprintf("/api/courses/%d/publish", courseID), "", nil)
	assert.Equal(t, http.StatusConflict, code, "publishing twice")

	req = httptest.NewRequest("GET", "/", nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("/courses/%d", courseID), "index links the course")
}

func TestCourseNotFound(t *testing.T) {
	env := newTestEnv(t, testSecret)
	code, _ := env.do(t, "GET", "/api/courses/42", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	req := httptest.NewRequest("GET", "/courses/42", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const trendBody = `{
	"sourceId": "4242",
	"sourceUrl": "https://example.com/story",
	"title": "Show HN: a new build system",
	"score": 512,
	"author": "pg",
	"time": 1767225600,
	"aiAnalysis": {
		"relevanceScore": 0.8,
		"suggestedCourseTitle": "Modern Build Systems",
		"suggestedDescription": "Hermetic builds in practice.",
		"keywords": ["build"],
		"estimatedDurationMinutes": 60,
		"estimatedGenerationCostUsd": 0.3
	}
}`

func TestTrendWebhook(t *testing.T) {
	env := newTestEnv(t, testSecret)
	auth := map[string]string{"Authorization": "Bearer " + testSecret}

	code, _ := env.do(t, "POST", "/webhooks/trend", trendBody, nil)
	assert.Equal(t, http.StatusUnauthorized, code, "without auth")
	code, _ = env.do(t, "POST", "/webhooks/trend", trendBody, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, code, "wrong secret")
	code, _ = env.do(t, "POST", "/webhooks/trend", `{"title":"only"}`, auth)
	assert.Equal(t, http.StatusBadRequest, code, "missing fields")
	code, _ = env.do(t, "POST", "/webhooks/trend", `not json`, auth)
	assert.Equal(t, http.StatusBadRequest, code, "malformed body")

	code, resp := env.do(t, "POST", "/webhooks/trend", trendBody, auth)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var created struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, string(database.ProposalNew), created.Status)

	code, resp = env.do(t, "POST", "/webhooks/trend", trendBody, auth)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Trend already exists", resp.Message)
}

func TestTrendWebhookWithoutSecret(t *testing.T) {
	env := newTestEnv(t, "")
	code, _ := env.do(t, "POST", "/webhooks/trend", trendBody, map[string]string{"Authorization": "Bearer x"})
	assert.Equal(t, http.StatusInternalServerError, code, "secret unset")
}
