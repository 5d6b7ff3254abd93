package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"seed-search/internal/models"
	"seed-search/internal/ratelimit"
	"seed-search/internal/search"
	"seed-search/internal/store"
	"seed-search/internal/telemetry"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

type auditHistory interface {
	History(ctx context.Context, jobID string) ([]store.AuditEvent, error)
}

// Server exposes a read-only operator view over a job registry. Job control
// stays in-process.
type Server struct {
	registry *search.Registry
	limiter  *ratelimit.TokenBucket
	audit    auditHistory
}

// New constructs the API server. limiter and audit may be nil.
func New(registry *search.Registry, limiter *ratelimit.TokenBucket, audit auditHistory) *Server {
	return &Server{
		registry: registry,
		limiter:  limiter,
		audit:    audit,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/results", s.handleResults)
	r.Get("/jobs/{id}/history", s.handleHistory)
	return r
}

type jobView struct {
	ID        string                  `json:"id"`
	FilterID  string                  `json:"filter_id"`
	StorePath string                  `json:"store_path"`
	CreatedAt time.Time               `json:"created_at"`
	Criteria  models.SearchCriteria   `json:"criteria"`
	Tallies   []string                `json:"tallies"`
	Progress  models.ProgressSnapshot `json:"progress"`
}

func viewOf(j *search.Job) jobView {
	return jobView{
		ID:        j.ID(),
		FilterID:  j.Filter().ID,
		StorePath: j.StorePath(),
		CreatedAt: j.CreatedAt(),
		Criteria:  j.Criteria(),
		Tallies:   j.TallyColumns(),
		Progress:  j.GetProgress(),
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.registry.ListJobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.registry.GetJob(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(j))
}

type resultsResponse struct {
	JobID   string             `json:"job_id"`
	Tallies []string           `json:"tallies"`
	Offset  int                `json:"offset"`
	Limit   int                `json:"limit"`
	Total   int64              `json:"total"`
	Rows    []models.ResultRow `json:"rows"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.registry.GetJob(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
		return
	}
	order := q.Get("order")
	if order == "" {
		order = "score"
	}
	asc := false
	if v := q.Get("asc"); v != "" {
		if asc, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "asc must be a boolean", http.StatusBadRequest)
			return
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Take(r.Context(), clientFromRequest(r), ratelimit.PageCost(limit))
		if err != nil {
			log.WithError(err).Warn("rate limiter unavailable; serving request")
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	rows, err := j.GetResultsPage(r.Context(), offset, limit, order, asc)
	if err != nil {
		if errors.Is(err, store.ErrInvalidColumn) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to read results", http.StatusInternalServerError)
		return
	}
	total, err := j.GetResultCount(r.Context())
	if err != nil {
		http.Error(w, "failed to count results", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{
		JobID:   id,
		Tallies: j.TallyColumns(),
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		Rows:    rows,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log is not configured", http.StatusNotFound)
		return
	}
	events, err := s.audit.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to read audit history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
