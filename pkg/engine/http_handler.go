package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

const defaultListLimit = 20

// RunHandler exposes the run API: trigger a run, inspect run history, health
// and Prometheus metrics. Runs are serialised: one run at a time.
type RunHandler struct {
	runner     Runner
	store      storage.RunStore
	pipelineID string
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	runMu   sync.Mutex
	handler http.Handler
}

// RunHandlerConfig holds configuration for creating a RunHandler.
type RunHandlerConfig struct {
	Runner Runner
	Store  storage.RunStore
	// PipelineID is run by POST /runs unless the request names another one.
	PipelineID string
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// NewRunHandler constructs the traced and instrumented run API handler.
func NewRunHandler(cfg RunHandlerConfig) *RunHandler {
	if cfg.Runner == nil {
		panic("engine: runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &RunHandler{
		runner:     cfg.Runner,
		store:      cfg.Store,
		pipelineID: cfg.PipelineID,
		metrics:    cfg.Metrics,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", h.triggerRun)
	mux.HandleFunc("GET /runs", h.listRuns)
	mux.HandleFunc("GET /runs/{id}", h.getRun)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	h.handler = otelhttp.NewHandler(cfg.Metrics.MetricsMiddleware(mux), "polis-flow.api")
	return h
}

// Exclusive runs fn while holding the lock that serialises POST /runs.
func (h *RunHandler) Exclusive(fn func()) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	fn()
}

// ServeHTTP implements http.Handler.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *RunHandler) triggerRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.URL.Query().Get("pipeline_id")
	if pipelineID == "" {
		pipelineID = h.pipelineID
	}

	h.runMu.Lock()
	record, err := h.runner.Run(r.Context(), pipelineID, RunOptions{Trigger: TriggerAPI})
	h.runMu.Unlock()

	if err != nil {
		status := http.StatusInternalServerError
		if record == nil && errors.Is(err, domain.ErrPipelineNotFound) {
			status = http.StatusNotFound
		}
		resp := domain.ErrorResponse{
			Code:    domain.ErrorCode(err),
			Message: err.Error(),
			Run:     record,
		}
		if record != nil {
			resp.RunID = record.ID
		}
		h.writeJSON(r.Context(), w, status, resp)
		return
	}

	h.writeJSON(r.Context(), w, http.StatusOK, record)
}

func (h *RunHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, domain.ErrRunNotFound)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeJSON(r.Context(), w, http.StatusBadRequest, domain.ErrorResponse{
				Code:    "INVALID_REQUEST",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	runs, err := h.store.ListRuns(r.Context(), r.URL.Query().Get("pipeline_id"), limit)
	if err != nil {
		h.writeError(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*domain.RunRecord{}
	}
	h.writeJSON(r.Context(), w, http.StatusOK, runs)
}

func (h *RunHandler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, domain.ErrRunNotFound)
		return
	}

	record, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		h.writeError(r.Context(), w, http.StatusNotFound, err)
	case err != nil:
		h.writeError(r.Context(), w, http.StatusInternalServerError, err)
	default:
		h.writeJSON(r.Context(), w, http.StatusOK, record)
	}
}

func (h *RunHandler) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	h.writeJSON(ctx, w, status, domain.ErrorResponse{Code: domain.ErrorCode(err), Message: err.Error()})
}

func (h *RunHandler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		w.Header().Set("X-Trace-Id", sc.TraceID().String())
	}
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
