package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

const (
	defaultRunLimit     = 50
	maxRunLimit         = 500
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
	historyTimeout      = 3 * time.Second
)

// HistoryHandler exposes read-only checkpoint, run and failure listings.
type HistoryHandler struct {
	checkpoints crawler.CheckpointStore
	runs        store.RunRepository
	ledger      crawler.FailureLedger
	timeout     time.Duration
	logger      *zap.Logger
}

// NewHistoryHandler wires the stores and logger. Any store may be nil; its
// route then answers 503.
func NewHistoryHandler(
	checkpoints crawler.CheckpointStore,
	runs store.RunRepository,
	ledger crawler.FailureLedger,
	logger *zap.Logger,
) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		checkpoints: checkpoints,
		runs:        runs,
		ledger:      ledger,
		timeout:     historyTimeout,
		logger:      logger,
	}
}

// ListCheckpoints handles GET /v1/jobs/{job_type}/checkpoints and returns
// {"checkpoints": [...]} ordered by target.
func (h *HistoryHandler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cps, err := h.checkpoints.ListCheckpoints(ctx, chi.URLParam(r, "job_type"))
	if err != nil {
		h.logger.Error("list checkpoints failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if cps == nil {
		cps = []crawler.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

// ListRuns handles GET /v1/jobs/{job_type}/runs?limit= and returns
// {"runs": [...]} newest first.
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.ListRuns(ctx, chi.URLParam(r, "job_type"), limit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ListFailures handles GET /v1/failures?job_type=&limit= and returns
// {"failures": [...]} newest first.
func (h *HistoryHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "failure ledger unavailable")
		return
	}
	limit, err := parseLimit(r, defaultFailureLimit, maxFailureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.ledger.ListAll(ctx)
	if err != nil {
		h.logger.Error("list failures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	jobType := strings.TrimSpace(r.URL.Query().Get("job_type"))
	out := make([]crawler.FailureRecord, 0, len(records))
	for _, rec := range records {
		if jobType == "" || rec.JobType == jobType {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": out})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
