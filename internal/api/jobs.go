package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/controller"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

type startResponse struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

type statusResponse struct {
	Message   string     `json:"message"`
	JobType   string     `json:"job_type"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.List()
	out := make([]statusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toStatus(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "job_type")
	spec, err := ParseWorkSpec(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := s.jobs.Start(jobType, spec)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.logger.Info("job started via API", zap.String("job_type", jobType), zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, startResponse{Message: "started", RunID: runID})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "job_type")
	if err := s.jobs.Stop(jobType); err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "stopping"})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(chi.URLParam(r, "job_type"))
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(job))
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown job type")
	case errors.Is(err, controller.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already running")
	case errors.Is(err, controller.ErrNotRunning):
		writeError(w, http.StatusBadRequest, "not running")
	case errors.Is(err, controller.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("controller call failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toStatus(job crawler.CrawlJob) statusResponse {
	resp := statusResponse{
		Message:   "not running",
		JobType:   job.JobType,
		State:     string(job.State),
		RunID:     job.RunID,
		LastError: job.LastError,
	}
	if job.State != crawler.JobStateIdle {
		resp.Message = "running"
	}
	if !job.StartedAt.IsZero() {
		started := job.StartedAt
		resp.StartedAt = &started
	}
	return resp
}

// ParseWorkSpec builds a WorkSpec from start query parameters. Absent
// parameters stay zero so configured defaults apply.
func ParseWorkSpec(q url.Values) (crawler.WorkSpec, error) {
	var (
		spec crawler.WorkSpec
		errs []error
	)
	intParam := func(name string, dst *int) {
		if raw := strings.TrimSpace(q.Get(name)); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				errs = append(errs, fmt.Errorf("invalid %s %q", name, raw))
				return
			}
			*dst = v
		}
	}
	int64Param := func(name string, dst *int64) {
		if raw := strings.TrimSpace(q.Get(name)); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				errs = append(errs, fmt.Errorf("invalid %s %q", name, raw))
				return
			}
			*dst = v
		}
	}
	boolParam := func(name string, dst *bool) {
		if raw := strings.TrimSpace(q.Get(name)); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s %q", name, raw))
				return
			}
			*dst = v
		}
	}

	int64Param("range_start", &spec.RangeStart)
	int64Param("range_end", &spec.RangeEnd)
	intParam("batch_size", &spec.BatchSize)
	intParam("concurrency", &spec.Concurrency)
	if spec.Concurrency > crawler.MaxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency must not exceed %d", crawler.MaxConcurrency))
	}
	intParam("page_start", &spec.PageStart)
	intParam("page_end", &spec.PageEnd)
	intParam("pages_per_batch", &spec.PagesPerBatch)
	boolParam("restart", &spec.Restart)
	boolParam("replay", &spec.Replay)
	spec.TargetID = strings.TrimSpace(q.Get("target_id"))
	spec.TargetCode = strings.TrimSpace(q.Get("target_code"))

	switch action := crawler.ActionKind(strings.ToLower(strings.TrimSpace(q.Get("action")))); action {
	case "", crawler.ActionFavorite, crawler.ActionUnfavorite:
		spec.Action = action
	default:
		errs = append(errs, fmt.Errorf("invalid action %q", action))
	}
	if q.Has("range_end") && spec.RangeEnd < spec.RangeStart {
		errs = append(errs, errors.New("range_end must not be below range_start"))
	}
	if spec.PageEnd > 0 && spec.PageStart > spec.PageEnd {
		errs = append(errs, errors.New("page_end must not be below page_start"))
	}
	if err := errors.Join(errs...); err != nil {
		return crawler.WorkSpec{}, err
	}
	return spec, nil
}
