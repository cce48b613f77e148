package server

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/ingest"
	"github.com/TobiSchelling/CourseForge/internal/lifecycle"
	"github.com/TobiSchelling/CourseForge/internal/logger"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

const (
	defaultListLimit = 50
	shutdownTimeout  = 15 * time.Second
)

// Store is the read side the HTTP API needs. *database.DB satisfies it.
type Store interface {
	ListProposals(ctx context.Context, status database.ProposalStatus, limit int) ([]database.TrendProposal, error)
	ListCourses(ctx context.Context, status database.CourseStatus) ([]database.Course, error)
	GetCourse(ctx context.Context, id int64) (*database.Course, error)
}

// Controller is the proposal lifecycle. *lifecycle.Controller satisfies it.
type Controller interface {
	Approve(ctx context.Context, id int64) (*database.TrendProposal, error)
	Reject(ctx context.Context, id int64) (*database.TrendProposal, error)
	StartGeneration(ctx context.Context, id int64) (*lifecycle.Outcome, error)
	Retry(ctx context.Context, id int64) (*lifecycle.Outcome, error)
	Status(ctx context.Context, id int64) (*lifecycle.Status, error)
	Publish(ctx context.Context, courseID int64) (*database.Course, error)
}

// Intake stores trends pushed by the automation engine. *ingest.Ingester satisfies it.
type Intake interface {
	Accept(ctx context.Context, payload ingest.TrendPayload) (*database.TrendProposal, bool, error)
}

// Server serves the proposal API, the trend webhook and course previews.
type Server struct {
	store         Store
	ctrl          Controller
	intake        Intake
	webhookSecret string
	pages         map[string]*template.Template
	mux           *http.ServeMux
	log           *logger.Logger

	// Background generation runs are bound to base and tracked by runs.
	base   context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

// New creates a server. An empty webhookSecret disables the trend webhook.
func New(store Store, ctrl Controller, intake Intake, webhookSecret string, log *logger.Logger) (*Server, error) {
	pages, err := parsePages("index.html", "course.html")
	if err != nil {
		return nil, err
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:         store,
		ctrl:          ctrl,
		intake:        intake,
		webhookSecret: webhookSecret,
		pages:         pages,
		mux:           http.NewServeMux(),
		log:           log,
		base:          base,
		cancel:        cancel,
	}
	s.routes()
	return s, nil
}

func parsePages(names ...string) (map[string]*template.Template, error) {
	funcMap := template.FuncMap{"markdown": renderMarkdown}
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so its "title" and "content" blocks stay separate.
	pages := make(map[string]*template.Template, len(names))
	for _, name := range names {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}
	return pages, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/proposals", s.handleListProposals)
	s.mux.HandleFunc("GET /api/proposals/{id}", s.handleProposalStatus)
	s.mux.HandleFunc("POST /api/proposals/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/proposals/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /api/proposals/{id}/generate", s.handleGenerate(lifecycle.EventStart))
	s.mux.HandleFunc("POST /api/proposals/{id}/retry", s.handleGenerate(lifecycle.EventRetry))

	s.mux.HandleFunc("GET /api/courses/{id}", s.handleCourse)
	s.mux.HandleFunc("POST /api/courses/{id}/publish", s.handlePublish)

	s.mux.HandleFunc("POST /webhooks/trend", s.handleTrendWebhook)

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /courses/{id}", s.handleCoursePage)
}

// launch runs a generation in the background, detached from the request.
func (s *Server) launch(id int64, ev lifecycle.Event) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		run := s.ctrl.StartGeneration
		if ev == lifecycle.EventRetry {
			run = s.ctrl.Retry
		}
		out, err := run(s.base, id)
		if err != nil {
			s.log.Error("Background generation failed", "proposal_id", id, "error", err.Error())
			return
		}
		if out.AlreadyRunning {
			s.log.Info("Generation already running", "proposal_id", id)
		}
	}()
}

// Wait blocks until every background generation has finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// Close cancels background generations and waits for them to record their
// final state.
func (s *Server) Close() {
	s.cancel()
	s.runs.Wait()
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error("Template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.log.Error("Rendering template failed", "template", name, "error", err.Error())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// Serve listens on 127.0.0.1:port until ctx is cancelled, then shuts down
// and cancels the background generations it started.
func Serve(ctx context.Context, s *Server, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server listening", "addr", "http://"+addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	s.Close()
	s.log.Info("Server stopped")
	return err
}
