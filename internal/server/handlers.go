package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/TobiSchelling/CourseForge/internal/database"
	"github.com/TobiSchelling/CourseForge/internal/ingest"
	"github.com/TobiSchelling/CourseForge/internal/lifecycle"
)

const maxWebhookBody = 1 << 20

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Message: message, Data: data}); err != nil {
		s.log.Warn("Writing response failed", "error", err.Error())
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, code int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := envelope{Success: false, Message: message}
	if err != nil {
		body.Error = err.Error()
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("Writing response failed", "error", err.Error())
	}
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		transition *lifecycle.TransitionError
		conflict   *database.ConflictError
	)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.writeFailure(w, http.StatusNotFound, "Not found", err)
	case errors.As(err, &transition), errors.As(err, &conflict):
		s.writeFailure(w, http.StatusConflict, "Invalid state transition", err)
	case errors.Is(err, database.ErrIncomplete):
		s.writeFailure(w, http.StatusUnprocessableEntity, "Course is incomplete", err)
	case errors.Is(err, ingest.ErrInvalidPayload):
		s.writeFailure(w, http.StatusBadRequest, "Invalid payload", err)
	default:
		s.log.Error("Request failed", "error", err.Error())
		s.writeFailure(w, http.StatusInternalServerError, "Internal server error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, "ok", nil)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status database.ProposalStatus
	if raw := q.Get("status"); raw != "" {
		st, ok := database.ParseProposalStatus(raw)
		if !ok {
			s.writeFailure(w, http.StatusBadRequest, "Invalid status", fmt.Errorf("unknown proposal status %q", raw))
			return
		}
		status = st
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeFailure(w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}

	proposals, err := s.store.ListProposals(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if proposals == nil {
		proposals = []database.TrendProposal{}
	}
	s.writeJSON(w, http.StatusOK, fmt.Sprintf("%d proposals", len(proposals)), proposals)
}

func (s *Server) handleProposalStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	st, err := s.ctrl.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, string(st.Proposal.Status), st)
}

// handleApprove approves synchronously and generates in the background.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	p, err := s.ctrl.Approve(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.launch(id, lifecycle.EventStart)
	s.writeJSON(w, http.StatusAccepted, "Proposal approved; generation started", p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	p, err := s.ctrl.Reject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, "Proposal rejected", p)
}

// handleGenerate checks the event against the current status so invalid
// requests fail fast, then runs the generation in the background.
func (s *Server) handleGenerate(ev lifecycle.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeFailure(w, http.StatusBadRequest, "Invalid id", err)
			return
		}
		st, err := s.ctrl.Status(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if st.Proposal.Status == database.ProposalGenerating {
			s.writeJSON(w, http.StatusOK, "Generation already running", st)
			return
		}
		if _, err := lifecycle.Next(st.Proposal.Status, ev); err != nil {
			s.writeError(w, err)
			return
		}
		s.launch(id, ev)
		s.writeJSON(w, http.StatusAccepted, "Generation started", st)
	}
}

func (s *Server) handleCourse(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	course, err := s.store.GetCourse(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, string(course.Status), course)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid id", err)
		return
	}
	course, err := s.ctrl.Publish(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, "Course published", lifecycle.Summarize(course))
}

func (s *Server) handleTrendWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" {
		s.writeFailure(w, http.StatusInternalServerError, "Server configuration error", errors.New("webhook secret not configured"))
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		s.writeFailure(w, http.StatusUnauthorized, "Unauthorized", errors.New("missing or invalid authorization header"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookSecret)) != 1 {
		s.writeFailure(w, http.StatusUnauthorized, "Unauthorized", errors.New("invalid webhook secret"))
		return
	}

	var payload ingest.TrendPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid payload", err)
		return
	}

	p, created, err := s.intake.Accept(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data := map[string]any{"id": p.ID, "status": p.Status}
	if !created {
		s.writeJSON(w, http.StatusOK, "Trend already exists", data)
		return
	}
	s.writeJSON(w, http.StatusCreated, "Trend proposal created successfully", data)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	courses, err := s.store.ListCourses(r.Context(), "")
	if err != nil {
		s.log.Error("Listing courses failed", "error", err.Error())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "index.html", map[string]any{"Courses": courses})
}

func (s *Server) handleCoursePage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	course, err := s.store.GetCourse(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("Loading course failed", "course_id", id, "error", err.Error())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "course.html", map[string]any{
		"Course":   course,
		"Markdown": course.Curriculum.Markdown(""),
	})
}
