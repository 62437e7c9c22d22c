package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

const (
	defaultPokeInterval = 60 * time.Second
	defaultGateTimeout  = 7 * 24 * time.Hour
)

// GateSignal is the output of the availability gate. Nothing downstream reads it
// besides the trace.
type GateSignal struct {
	URL    string
	Probes int
	Status int
}

// HTTPSensorHandler polls an endpoint until it answers with a 2xx status or the
// configured budget runs out.
//
// Node config: url, headers, poke_interval, timeout.
type HTTPSensorHandler struct {
	logger *slog.Logger
	client *http.Client
}

// NewHTTPSensorHandler creates a gate handler. A nil client uses NewHTTPClient.
func NewHTTPSensorHandler(logger *slog.Logger, client *http.Client) *HTTPSensorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPSensorHandler{logger: logger, client: client}
}

// Execute probes the endpoint on a constant interval.
func (h *HTTPSensorHandler) Execute(ctx context.Context, node *domain.PipelineNode, _ runtime.Input) (runtime.NodeResult, error) {
	target := getString(node.Config, "url")
	if target == "" {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("sensor: node %s has no url", node.ID)
	}
	interval, err := getDuration(node.Config, "poke_interval", defaultPokeInterval)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("sensor: %w", err)
	}
	budget, err := getDuration(node.Config, "timeout", defaultGateTimeout)
	if err != nil {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("sensor: %w", err)
	}
	headers := getHeaders(node.Config)

	probeCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = interval
	policy.Multiplier = 1
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = budget

	signal := GateSignal{URL: target}
	var lastErr error
	operation := func() error {
		signal.Probes++
		status, err := h.probe(probeCtx, target, headers)
		signal.Status = status
		if err != nil {
			lastErr = err
			return err
		}
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("status %d", status)
			return lastErr
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		h.logger.Debug("sensor: endpoint not ready",
			"node_id", node.ID,
			"url", target,
			"probes", signal.Probes,
			"next_probe", next,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, probeCtx), notify); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("sensor: %w", ctx.Err())
		}
		if lastErr == nil {
			lastErr = err
		}
		return runtime.NodeResult{Outcome: runtime.OutcomeTimeout, Output: signal},
			fmt.Errorf("%w: %s not ready after %d probes within %s: %v", domain.ErrGateTimeout, target, signal.Probes, budget, lastErr)
	}

	h.logger.Info("sensor: endpoint available",
		"node_id", node.ID,
		"url", target,
		"probes", signal.Probes,
	)
	return runtime.Success(signal), nil
}

func (h *HTTPSensorHandler) probe(ctx context.Context, target string, headers http.Header) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header = headers.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
