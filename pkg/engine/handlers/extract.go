package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

const (
	defaultMaxBodyBytes = 1 << 20
	previewBytes        = 256
)

// HTTPGetHandler performs one GET and captures the body as a domain.RawUserRecord.
//
// Node config: url, headers, max_body_bytes.
type HTTPGetHandler struct {
	logger *slog.Logger
	client *http.Client
	now    func() time.Time
}

// NewHTTPGetHandler creates an extract handler. A nil client uses NewHTTPClient.
func NewHTTPGetHandler(logger *slog.Logger, client *http.Client) *HTTPGetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPGetHandler{logger: logger, client: client, now: time.Now}
}

// Execute fetches the configured URL.
func (h *HTTPGetHandler) Execute(ctx context.Context, node *domain.PipelineNode, _ runtime.Input) (runtime.NodeResult, error) {
	target := getString(node.Config, "url")
	if target == "" {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: node %s has no url", domain.ErrExtractFailure, node.ID)
	}
	limit, err := getInt64(node.Config, "max_body_bytes", defaultMaxBodyBytes)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: %v", domain.ErrExtractFailure, err)
	}
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: %v", domain.ErrExtractFailure, err)
	}
	req.Header = getHeaders(node.Config)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: GET %s: %w", domain.ErrExtractFailure, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: reading body of %s: %w", domain.ErrExtractFailure, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure},
			fmt.Errorf("%w: GET %s returned %d: %s", domain.ErrExtractFailure, target, resp.StatusCode, preview(body, previewBytes))
	}
	if int64(len(body)) > limit {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure},
			fmt.Errorf("%w: GET %s body exceeds %d bytes", domain.ErrExtractFailure, target, limit)
	}

	h.logger.Debug("extract: payload captured",
		"node_id", node.ID,
		"status", resp.StatusCode,
		"bytes", len(body),
	)

	return runtime.Success(domain.RawUserRecord{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		FetchedAt:   h.now().UTC(),
	}), nil
}
