package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/internal/governance"
	"github.com/polisai/polis-flow/pkg/alerting"
	"github.com/polisai/polis-flow/pkg/domain"
	handlers "github.com/polisai/polis-flow/pkg/engine/handlers"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "polis.flow"

// DAGExecutor runs registered pipelines node by node in topological order.
type DAGExecutor struct {
	registry   *PipelineRegistry
	logger     *slog.Logger
	handlers   *handlerRegistry
	store      storage.RunStore
	notifier   alerting.Notifier
	metrics    *telemetry.Metrics
	timeouts   *governance.TimeoutManager
	redactions []telemetry.Redaction
	httpClient *http.Client
	now        func() time.Time
	newID      func() string
}

// handlerRegistry stores canonical handlers and alias mappings.
type handlerRegistry struct {
	handlers map[string]runtime.NodeHandler
	aliases  map[string]string
}

type handlerMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

type timeoutCandidate struct {
	source string
	ms     int
}

type nodeExecutionMeta struct {
	deadline   time.Duration
	attempts   int
	retries    int
	maxRetries int
}

// DAGExecutorConfig holds dependencies for creating a DAGExecutor.
type DAGExecutorConfig struct {
	Registry   *PipelineRegistry
	Logger     *slog.Logger
	Store      storage.RunStore
	Notifier   alerting.Notifier
	Metrics    *telemetry.Metrics
	Timeouts   governance.TimeoutConfig
	Redactions []telemetry.Redaction
	// HTTPClient is shared by the gate and extract handlers. Defaults to a traced client.
	HTTPClient *http.Client
	Clock      func() time.Time
	NewRunID   func() string
}

// RunOptions tune a single run.
type RunOptions struct {
	// Trigger records what started the run. Defaults to TriggerManual.
	Trigger string
	// RunID overrides the generated run identifier.
	RunID string
	// Overrides replace the registered handler for the given node types.
	Overrides map[string]runtime.NodeHandler
	// DryRun skips persistence and alerting.
	DryRun bool
	// SingleAttempt disables retries for every node.
	SingleAttempt bool
}

// NewDAGExecutor creates a new DAG executor with the given configuration and wires
// its handler registry into the pipeline registry for type validation.
func NewDAGExecutor(cfg DAGExecutorConfig) *DAGExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewPipelineRegistry(logger)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = handlers.NewHTTPClient()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}

	executor := &DAGExecutor{
		registry:   registry,
		logger:     logger,
		handlers:   newHandlerRegistry(),
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		timeouts:   governance.NewTimeoutManager(cfg.Timeouts),
		redactions: cfg.Redactions,
		httpClient: client,
		now:        clock,
		newID:      newID,
	}

	executor.registerDefaultHandlers()
	registry.SetTypeResolver(executor.HasHandler)

	return executor
}

// Registry returns the pipeline registry the executor reads from.
func (e *DAGExecutor) Registry() *PipelineRegistry {
	return e.registry
}

// Run executes the pipeline and returns its record. The error wraps a
// *domain.StepError when a node failed the run.
func (e *DAGExecutor) Run(ctx context.Context, pipelineID string, opts RunOptions) (*domain.RunRecord, error) {
	entry, err := e.registry.lookup(pipelineID)
	if err != nil {
		return nil, err
	}

	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	runID := opts.RunID
	if runID == "" {
		runID = e.newID()
	}

	record := domain.NewRunRecord(runID, entry.pipeline, opts.Trigger, e.now().UTC())
	err = e.executePipeline(ctx, entry.pipeline, entry.order, record, opts)
	return record, err
}

func (e *DAGExecutor) executePipeline(ctx context.Context, pipeline *domain.Pipeline, order []string, record *domain.RunRecord, opts RunOptions) error {
	ctx, cancel := e.timeouts.WithRunTimeout(ctx)
	defer cancel()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("pipeline.id", pipeline.ID),
		attribute.Int("pipeline.version", pipeline.Version),
		attribute.String("run.id", record.ID),
		attribute.String("run.trigger", record.Trigger),
	})...)

	e.logger.Info("executing pipeline",
		"pipeline_id", pipeline.ID,
		"run_id", record.ID,
		"trigger", record.Trigger,
		"dry_run", opts.DryRun,
	)
	e.persist(ctx, record, opts)

	if err := ctx.Err(); err != nil {
		record.State = domain.RunFailed
		record.Error = err.Error()
		record.EndedAt = e.now().UTC()
		e.persist(ctx, record, opts)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("run %s not started: %w", record.ID, err)
	}

	outputs := make(map[string]any, len(order))
	branches := make(map[string]string)
	var runErr error

	for _, nodeID := range order {
		node := pipeline.Node(nodeID)
		step := record.Step(nodeID)

		if runErr != nil {
			step.State = domain.StepUpstreamFailed
			continue
		}

		upstream, ready := evaluateTrigger(pipeline, node, record, outputs, branches)
		if !ready {
			step.State = domain.StepSkipped
			e.recordSkip(ctx, tracer, pipeline, node)
			e.persist(ctx, record, opts)
			continue
		}

		in := runtime.Input{RunID: record.ID, PipelineID: pipeline.ID, Upstream: upstream}
		result, err := e.executeNode(ctx, tracer, pipeline, node, record, in, opts)
		if err != nil {
			runErr = err
		} else {
			outputs[node.ID] = result.Output
			if result.Branch != "" {
				branches[node.ID] = result.Branch
			}
		}
		e.persist(ctx, record, opts)
	}

	if runErr == nil && record.State != domain.RunDone {
		if err := record.Transition(domain.RunDone); err != nil {
			record.State = domain.RunFailed
			record.Error = err.Error()
			runErr = fmt.Errorf("run %s: %w", record.ID, err)
		}
	}
	record.EndedAt = e.now().UTC()
	e.persist(ctx, record, opts)

	telemetry.RecordRunMetrics(ctx, telemetry.RunMetrics{
		PipelineID: pipeline.ID,
		Trigger:    record.Trigger,
		State:      record.State,
		Branch:     record.Branch,
		Duration:   record.EndedAt.Sub(record.StartedAt),
	})
	if !opts.DryRun {
		e.metrics.RecordRun(record)
	}

	span.SetAttributes(
		attribute.String("run.state", string(record.State)),
		attribute.String("run.branch", record.Branch),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		e.logger.Error("pipeline run failed",
			"pipeline_id", pipeline.ID,
			"run_id", record.ID,
			"state", record.State,
			"node_id", record.FailedNode,
			"error", runErr,
		)
		return runErr
	}

	e.logger.Info("pipeline run complete",
		"pipeline_id", pipeline.ID,
		"run_id", record.ID,
		"state", record.State,
		"branch", record.Branch,
	)
	return nil
}

// evaluateTrigger applies the node's trigger rule to its predecessors. An edge is
// live when it carries no branch label or the label its source selected.
func evaluateTrigger(pipeline *domain.Pipeline, node *domain.PipelineNode, record *domain.RunRecord, outputs map[string]any, branches map[string]string) (map[string]any, bool) {
	edges := pipeline.Upstream(node.ID)
	upstream := make(map[string]any, len(edges))
	if len(edges) == 0 {
		return upstream, true
	}

	succeeded, failed := 0, 0
	for _, edge := range edges {
		pred := record.Step(edge.From)
		if pred == nil {
			continue
		}
		switch pred.State {
		case domain.StepSuccess:
			if edge.Branch != "" && edge.Branch != branches[edge.From] {
				continue
			}
			succeeded++
			upstream[edge.From] = outputs[edge.From]
		case domain.StepFailed, domain.StepUpstreamFailed:
			failed++
		}
	}

	switch node.TriggerRule {
	case domain.TriggerOneSuccess:
		return upstream, succeeded > 0 && failed == 0
	default:
		return upstream, succeeded == len(edges)
	}
}

func (e *DAGExecutor) recordSkip(ctx context.Context, tracer trace.Tracer, pipeline *domain.Pipeline, node *domain.PipelineNode) {
	kind, version := parseNodeType(node.Type)
	_, span := tracer.Start(ctx, "pipeline.node", trace.WithAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
		attribute.String("node.outcome", string(runtime.OutcomeSkipped)),
	})...))
	span.End()

	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		PipelineID:      pipeline.ID,
		PipelineVersion: pipeline.Version,
		NodeID:          node.ID,
		NodeKind:        kind,
		NodeVersion:     nodeVersionOrDefault(version),
		Outcome:         runtime.OutcomeSkipped,
	})

	e.logger.Debug("node skipped",
		"pipeline_id", pipeline.ID,
		"node_id", node.ID,
	)
}

// executeNode runs one node under governance and applies its result to the record.
func (e *DAGExecutor) executeNode(
	ctx context.Context,
	tracer trace.Tracer,
	pipeline *domain.Pipeline,
	node *domain.PipelineNode,
	record *domain.RunRecord,
	in runtime.Input,
	opts RunOptions,
) (runtime.NodeResult, error) {
	step := record.Step(node.ID)
	step.State = domain.StepRunning
	step.StartedAt = e.now().UTC()
	e.persist(ctx, record, opts)

	nodeCtx, span := tracer.Start(ctx, "pipeline.node", trace.WithAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	})...))
	defer span.End()

	handler, meta, ok := e.resolveHandler(node.Type, opts)
	if !ok {
		err := fmt.Errorf("no handler registered for type %q", node.Type)
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, e.failNode(nodeCtx, span, pipeline, node, record, 0, domain.RunFailed, err, opts)
	}

	nodeKind, nodeVersion := parseNodeType(meta.Canonical)
	if nodeKind == "" {
		nodeKind = meta.Kind
	}
	if nodeVersion == "" {
		nodeVersion = meta.Version
	}
	nodeVersion = nodeVersionOrDefault(nodeVersion)
	span.SetAttributes(
		attribute.String("node.kind", nodeKind),
		attribute.String("node.version", nodeVersion),
		attribute.String("pipeline.id", pipeline.ID),
	)

	start := time.Now()
	result, execMeta, execErr := e.executeWithGovernance(nodeCtx, pipeline, node, record, handler, in, opts)
	duration := time.Since(start)
	result = result.WithDefaults()

	if execErr == nil {
		execErr = e.checkResult(pipeline, node, result)
	}

	outcome := result.Outcome
	if execErr != nil {
		outcome = classifyError(execErr)
	}

	attrs := []attribute.KeyValue{
		attribute.String("node.outcome", string(outcome)),
		attribute.Int64("node.duration_ms", duration.Milliseconds()),
		attribute.Int("node.retry.count", execMeta.retries),
	}
	if execMeta.deadline > 0 {
		attrs = append(attrs, attribute.Int("governance.timeout_ms", int(execMeta.deadline/time.Millisecond)))
	}
	if execMeta.maxRetries > 0 {
		attrs = append(attrs, attribute.Int("governance.retry.max_attempts", execMeta.maxRetries+1))
	}
	if result.Branch != "" {
		attrs = append(attrs, attribute.String("node.branch", result.Branch))
	}
	attrs = append(attrs, outputAttributes(result.Output)...)
	span.SetAttributes(telemetry.RedactAttributes(e.redactions, attrs)...)

	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		PipelineID:      pipeline.ID,
		PipelineVersion: pipeline.Version,
		NodeID:          node.ID,
		NodeKind:        nodeKind,
		NodeVersion:     nodeVersion,
		Outcome:         outcome,
		Duration:        duration,
		Retries:         execMeta.retries,
	})

	step.Attempts = execMeta.attempts
	if execErr != nil {
		return result, e.failNode(nodeCtx, span, pipeline, node, record, execMeta.attempts, node.States.Failure, execErr, opts)
	}

	next := result.State
	if next == "" {
		next = node.States.Success
	}
	if next != "" {
		if err := record.Transition(next); err != nil {
			return result, e.failNode(nodeCtx, span, pipeline, node, record, execMeta.attempts, domain.RunFailed, err, opts)
		}
	}
	if result.Branch != "" {
		record.Branch = result.Branch
	}

	step.State = domain.StepSuccess
	step.EndedAt = e.now().UTC()

	e.logger.Info("node completed",
		"pipeline_id", pipeline.ID,
		"run_id", record.ID,
		"node_id", node.ID,
		"attempts", execMeta.attempts,
		"state", record.State,
	)
	return result, nil
}

// checkResult rejects results the graph cannot route.
func (e *DAGExecutor) checkResult(pipeline *domain.Pipeline, node *domain.PipelineNode, result runtime.NodeResult) error {
	switch result.Outcome {
	case runtime.OutcomeSuccess:
	default:
		return fmt.Errorf("node %s reported %s", node.ID, result.Outcome)
	}
	if !isBranchType(node.Type) {
		return nil
	}
	for _, edge := range pipeline.Downstream(node.ID) {
		if edge.Branch == result.Branch {
			return nil
		}
	}
	return fmt.Errorf("node %s selected branch %q which matches no edge", node.ID, result.Branch)
}

// failNode moves the run into state, or FAILED when the state machine does not
// allow it, and raises the failure alert.
func (e *DAGExecutor) failNode(
	ctx context.Context,
	span trace.Span,
	pipeline *domain.Pipeline,
	node *domain.PipelineNode,
	record *domain.RunRecord,
	attempts int,
	state domain.RunState,
	cause error,
	opts RunOptions,
) error {
	if state == "" || !record.State.CanTransition(state) {
		state = domain.RunFailed
	}
	if err := record.Transition(state); err != nil {
		record.State = domain.RunFailed
		state = domain.RunFailed
	}

	step := record.Step(node.ID)
	step.State = domain.StepFailed
	step.EndedAt = e.now().UTC()
	step.Error = cause.Error()
	record.FailedNode = node.ID
	record.Error = cause.Error()

	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	e.logger.Error("node execution failed",
		"pipeline_id", pipeline.ID,
		"run_id", record.ID,
		"node_id", node.ID,
		"attempts", attempts,
		"state", state,
		"error", cause,
	)
	e.notify(ctx, pipeline, record, node, alerting.EventFailure, attempts, cause, opts)

	return fmt.Errorf("run %s failed: %w", record.ID, &domain.StepError{NodeID: node.ID, State: state, Err: cause})
}

func (e *DAGExecutor) executeWithGovernance(
	ctx context.Context,
	pipeline *domain.Pipeline,
	node *domain.PipelineNode,
	record *domain.RunRecord,
	handler runtime.NodeHandler,
	in runtime.Input,
	opts RunOptions,
) (runtime.NodeResult, nodeExecutionMeta, error) {
	deadline, timeoutSources := resolveTimeout(pipeline, node)
	metaInfo := nodeExecutionMeta{deadline: deadline}
	if len(timeoutSources) > 1 {
		unique := make(map[int][]string)
		for _, candidate := range timeoutSources {
			unique[candidate.ms] = append(unique[candidate.ms], candidate.source)
		}
		if len(unique) > 1 && deadline > 0 {
			sources := make([]string, 0, len(timeoutSources))
			for value, list := range unique {
				sources = append(sources, fmt.Sprintf("%dms<- %s", value, strings.Join(list, ",")))
			}
			e.logger.Debug("multiple timeout values detected; using smallest",
				"node_id", node.ID,
				"selected_timeout_ms", int(deadline/time.Millisecond),
				"sources", sources,
			)
		}
	}
	retryPolicy := buildRetryPolicy(pipeline, node)
	if opts.SingleAttempt {
		retryPolicy = nil
	}
	if retryPolicy != nil {
		metaInfo.maxRetries = retryPolicy.Config().MaxRetries
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, metaInfo, err
		}

		in.Attempt = attempt + 1
		metaInfo.attempts = attempt + 1
		attemptCtx, cancel := e.timeouts.WithStepTimeout(ctx, deadline)
		result, execErr := handler.Execute(attemptCtx, node, in)
		timeoutExceeded := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if execErr != nil && timeoutExceeded {
			execErr = fmt.Errorf("%w: node %s exceeded its deadline: %w", governance.ErrStepTimeout, node.ID, execErr)
		}
		if execErr == nil {
			return result, metaInfo, nil
		}

		// A cancelled run is never retried, however the handler wrapped the cause.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(execErr, ctxErr) {
				execErr = fmt.Errorf("%w (last error: %w)", ctxErr, execErr)
			}
			return result, metaInfo, execErr
		}
		if !retryPolicy.ShouldRetry(execErr, attempt) {
			return result, metaInfo, execErr
		}

		delay := retryPolicy.CalculateBackoff(attempt)
		attempt++
		metaInfo.retries = attempt

		e.logger.Warn("node attempt failed; retrying",
			"pipeline_id", pipeline.ID,
			"run_id", record.ID,
			"node_id", node.ID,
			"attempt", attempt,
			"delay", delay,
			"error", execErr,
		)
		e.notify(ctx, pipeline, record, node, alerting.EventRetry, attempt, execErr, opts)

		select {
		case <-ctx.Done():
			return result, metaInfo, fmt.Errorf("%w (last error: %v)", ctx.Err(), execErr)
		case <-time.After(delay):
		}
	}
}

func (e *DAGExecutor) notify(ctx context.Context, pipeline *domain.Pipeline, record *domain.RunRecord, node *domain.PipelineNode, kind alerting.EventKind, attempt int, cause error, opts RunOptions) {
	if e.notifier == nil || opts.DryRun || !alerting.ShouldNotify(pipeline.Defaults.Alerting, kind) {
		return
	}
	event := alerting.Event{
		Kind:       kind,
		PipelineID: pipeline.ID,
		RunID:      record.ID,
		NodeID:     node.ID,
		Attempt:    attempt,
		State:      record.State,
		Err:        cause,
		Recipients: pipeline.Defaults.Alerting.Emails,
		At:         e.now().UTC(),
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("alert delivery failed",
			"pipeline_id", pipeline.ID,
			"run_id", record.ID,
			"node_id", node.ID,
			"error", err,
		)
	}
}

// persist stores a copy of the record. History is best effort: a store outage
// is logged and never fails the run.
func (e *DAGExecutor) persist(ctx context.Context, record *domain.RunRecord, opts RunOptions) {
	if e.store == nil || opts.DryRun {
		return
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), record.Clone()); err != nil {
		e.logger.Warn("failed to persist run record",
			"pipeline_id", record.PipelineID,
			"run_id", record.ID,
			"error", err,
		)
	}
}

func (e *DAGExecutor) resolveHandler(nodeType string, opts RunOptions) (runtime.NodeHandler, handlerMetadata, bool) {
	kind, version := parseNodeType(nodeType)
	for _, key := range []string{nodeType, kind} {
		if handler, ok := opts.Overrides[key]; ok && handler != nil {
			return handler, handlerMetadata{Kind: kind, Version: version, Canonical: canonicalKey(kind, version)}, true
		}
	}
	return e.handlers.resolve(nodeType)
}

// outputAttributes describes typed node outputs on spans. Personal fields are
// added here and removed again by the redaction policy.
func outputAttributes(output any) []attribute.KeyValue {
	switch v := output.(type) {
	case domain.RawUserRecord:
		return []attribute.KeyValue{
			attribute.Int("http.response.status_code", v.StatusCode),
			attribute.Int("http.response.body.size", len(v.Body)),
		}
	case domain.TransformedUser:
		return []attribute.KeyValue{
			attribute.String("user.first_name", v.FirstName),
			attribute.String("user.last_name", v.LastName),
			attribute.String("user.email", v.Email),
			attribute.String("user.gender", v.Gender),
			attribute.String("user.country", v.Country),
			attribute.Int("user.age", v.Age),
		}
	case domain.RoutedUser:
		return []attribute.KeyValue{attribute.String("user.group", string(v.Decision))}
	case domain.WriteReceipt:
		return []attribute.KeyValue{
			attribute.String("output.path", v.Path),
			attribute.Int("output.bytes", v.Bytes),
		}
	default:
		return nil
	}
}

func classifyError(err error) runtime.NodeOutcome {
	switch {
	case errors.Is(err, governance.ErrStepTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrGateTimeout):
		return runtime.OutcomeTimeout
	default:
		return runtime.OutcomeFailure
	}
}

func resolveTimeout(pipeline *domain.Pipeline, node *domain.PipelineNode) (time.Duration, []timeoutCandidate) {
	var candidates []timeoutCandidate
	if pipeline != nil && pipeline.Defaults.TimeoutMS > 0 {
		candidates = append(candidates, timeoutCandidate{
			source: "pipeline.defaults.timeoutMs",
			ms:     pipeline.Defaults.TimeoutMS,
		})
	}
	if node != nil {
		if node.Governance.TimeoutMS > 0 {
			candidates = append(candidates, timeoutCandidate{
				source: fmt.Sprintf("node.%s.governance.timeoutMs", node.ID),
				ms:     node.Governance.TimeoutMS,
			})
		}
		if cfgTimeout, cfgSource := timeoutFromConfig(node.Config); cfgTimeout > 0 {
			candidates = append(candidates, timeoutCandidate{source: cfgSource, ms: cfgTimeout})
		}
	}
	return pickTimeout(candidates)
}

func timeoutFromConfig(config map[string]interface{}) (int, string) {
	if config == nil {
		return 0, ""
	}
	for _, key := range []string{"timeout_ms", "timeoutMs"} {
		if value, ok := config[key]; ok {
			if ms, ok := convertToInt(value); ok && ms > 0 {
				return ms, fmt.Sprintf("node.config.%s", key)
			}
		}
	}
	return 0, ""
}

func pickTimeout(candidates []timeoutCandidate) (time.Duration, []timeoutCandidate) {
	if len(candidates) == 0 {
		return 0, nil
	}

	shortest := candidates[0].ms
	for _, candidate := range candidates[1:] {
		if candidate.ms > 0 && candidate.ms < shortest {
			shortest = candidate.ms
		}
	}

	if shortest <= 0 {
		return 0, candidates
	}

	return time.Duration(shortest) * time.Millisecond, candidates
}

func convertToInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		if bits.UintSize == 32 && (v > int64(math.MaxInt32) || v < int64(math.MinInt32)) {
			return 0, false
		}
		return int(v), true
	case uint64:
		if v > uint64(math.MaxInt) {
			return 0, false
		}
		return int(v), true
	case float64:
		if v > float64(math.MaxInt) || v < float64(math.MinInt) {
			return 0, false
		}
		return int(v), true
	case string:
		if v == "" {
			return 0, false
		}
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// buildRetryPolicy merges the pipeline default with the node override. It returns
// nil when the node gets a single attempt.
func buildRetryPolicy(pipeline *domain.Pipeline, node *domain.PipelineNode) *governance.RetryPolicy {
	cfg := governance.DefaultRetryConfig()
	configured := false

	if pipeline != nil && pipeline.Defaults.Retries.MaxAttempts > 1 {
		cfg = applyRetrySpec(cfg, pipeline.Defaults.Retries)
		configured = true
	}

	if node != nil && node.Governance.Retries != nil {
		cfg = applyRetrySpec(cfg, *node.Governance.Retries)
		configured = true
	}

	if !configured || cfg.MaxRetries <= 0 {
		return nil
	}

	return governance.NewRetryPolicy(cfg)
}

func applyRetrySpec(cfg governance.RetryConfig, spec domain.PipelineRetryConfig) governance.RetryConfig {
	if spec.MaxAttempts > 0 {
		if spec.MaxAttempts <= 1 {
			cfg.MaxRetries = 0
		} else {
			cfg.MaxRetries = spec.MaxAttempts - 1
		}
	}
	if spec.BaseMS > 0 {
		cfg.InitialBackoff = time.Duration(spec.BaseMS) * time.Millisecond
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	if spec.MaxMS > 0 {
		cfg.MaxBackoff = time.Duration(spec.MaxMS) * time.Millisecond
	}
	if spec.Backoff != "" {
		switch strings.ToLower(spec.Backoff) {
		case "fixed", "linear":
			cfg.BackoffMultiplier = 1.0
			cfg.Jitter = false
		default:
			cfg.BackoffMultiplier = 2.0
			cfg.Jitter = true
		}
	}
	return cfg
}

func nodeVersionOrDefault(version string) string {
	if version == "" {
		return "unspecified"
	}
	return version
}

func parseNodeType(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseNodeType(key)
	return version
}

func (r *handlerRegistry) register(kind, version string, handler runtime.NodeHandler, aliases ...string) {
	canonical := canonicalKey(kind, version)
	r.handlers[canonical] = handler
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

func (r *handlerRegistry) resolve(raw string) (runtime.NodeHandler, handlerMetadata, bool) {
	kind, version := parseNodeType(raw)
	canonical := canonicalKey(kind, version)
	if handler, ok := r.handlers[canonical]; ok {
		return handler, handlerMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[raw]; ok {
		if handler, ok := r.handlers[alias]; ok {
			return handler, handlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if handler, ok := r.handlers[alias]; ok {
				return handler, handlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, handlerMetadata{}, false
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]runtime.NodeHandler),
		aliases:  make(map[string]string),
	}
}

// registerDefaultHandlers registers node handlers for production use.
func (e *DAGExecutor) registerDefaultHandlers() {
	e.handlers.register("sensor.http", "v1", handlers.NewHTTPSensorHandler(e.logger, e.httpClient), "sensor.http", "http_sensor")
	e.handlers.register("http.get", "v1", handlers.NewHTTPGetHandler(e.logger, e.httpClient), "http.get", "extract.http")
	e.handlers.register("transform.user", "v1", handlers.NewTransformUserHandler(e.logger), "transform.user")
	e.handlers.register("branch.age", "v1", handlers.NewAgeBranchHandler(e.logger), "branch.age")
	e.handlers.register("store.file", "v1", handlers.NewFileStoreHandler(e.logger), "store.file", "store.csv")
	e.handlers.register("terminal.end", "v1", &TerminalEndHandler{logger: e.logger}, "terminal.end", "end")
	e.handlers.register("passthrough", "v1", &PassthroughNodeHandler{logger: e.logger}, "passthrough")
}

// RegisterHandler adds or replaces a handler for a specific node type.
func (e *DAGExecutor) RegisterHandler(nodeType string, handler runtime.NodeHandler) {
	e.handlers.register(nodeType, "", handler)
}

// HasHandler reports whether a node type resolves to a registered handler.
func (e *DAGExecutor) HasHandler(nodeType string) bool {
	_, _, ok := e.handlers.resolve(nodeType)
	return ok
}
