package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-flow/internal/governance"
	"github.com/polisai/polis-flow/pkg/alerting"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/storage"
)

const testPipelineID = "user_processing"

func userPayload(first string, age int) string {
	return fmt.Sprintf(`{"results":[{"name":{"first":%q,"last":"Lee"},"gender":"female","location":{"country":"US"},"dob":{"age":%d},"email":"%s@x.com"}]}`,
		first, age, first)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// userPipeline mirrors the production graph with test-sized gate settings.
func userPipeline(baseURL, dir string) domain.Pipeline {
	url := baseURL + "/api/"
	return domain.Pipeline{
		ID:       testPipelineID,
		Version:  1,
		Schedule: ScheduleOnce,
		Nodes: []domain.PipelineNode{
			{
				ID:     "is_api_available",
				Type:   "sensor.http",
				Config: map[string]interface{}{"url": url, "poke_interval": "5ms", "timeout": "150ms"},
				States: domain.NodeStates{Success: domain.RunReady, Failure: domain.RunFailedGate},
				Governance: domain.PipelineGovernanceConfig{
					Retries: &domain.PipelineRetryConfig{MaxAttempts: 1},
				},
			},
			{
				ID:     "extract_user",
				Type:   "http.get",
				Config: map[string]interface{}{"url": url},
				States: domain.NodeStates{Success: domain.RunExtracted, Failure: domain.RunFailedExtract},
			},
			{
				ID:     "transform_user",
				Type:   "transform.user",
				States: domain.NodeStates{Success: domain.RunTransformed, Failure: domain.RunFailedTransform},
			},
			{
				ID:     "check_user_age",
				Type:   "branch.age",
				States: domain.NodeStates{Failure: domain.RunFailed},
			},
			{
				ID:     "store_user_group_a",
				Type:   "store.file",
				Config: map[string]interface{}{"path": filepath.Join(dir, "group_a.csv"), "group": "group_a"},
				States: domain.NodeStates{Success: domain.RunWritten, Failure: domain.RunFailedWrite},
			},
			{
				ID:     "store_user_group_b",
				Type:   "store.file",
				Config: map[string]interface{}{"path": filepath.Join(dir, "group_b.csv"), "group": "group_b"},
				States: domain.NodeStates{Success: domain.RunWritten, Failure: domain.RunFailedWrite},
			},
			{
				ID:          "end",
				Type:        "terminal.end",
				TriggerRule: domain.TriggerOneSuccess,
				States:      domain.NodeStates{Success: domain.RunDone},
			},
		},
		Edges: []domain.PipelineEdge{
			{From: "is_api_available", To: "extract_user"},
			{From: "extract_user", To: "transform_user"},
			{From: "transform_user", To: "check_user_age"},
			{From: "check_user_age", To: "store_user_group_a", Branch: "group_a"},
			{From: "check_user_age", To: "store_user_group_b", Branch: "group_b"},
			{From: "store_user_group_a", To: "end"},
			{From: "store_user_group_b", To: "end"},
		},
	}
}

func payloadServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(server.Close)
	return server
}

type executorFixture struct {
	executor *DAGExecutor
	store    *storage.MemoryRunStore
	dir      string
}

func newFixture(t *testing.T, baseURL string, mutate ...func(*domain.Pipeline)) *executorFixture {
	t.Helper()
	dir := t.TempDir()
	store := storage.NewMemoryRunStore()
	executor := NewDAGExecutor(DAGExecutorConfig{
		Logger:     quietLogger(),
		Store:      store,
		HTTPClient: http.DefaultClient,
	})

	pipeline := userPipeline(baseURL, dir)
	for _, fn := range mutate {
		fn(&pipeline)
	}
	require.NoError(t, executor.Registry().Register(pipeline))
	return &executorFixture{executor: executor, store: store, dir: dir}
}

func (f *executorFixture) file(name string) string {
	return filepath.Join(f.dir, name)
}

func stepStates(record *domain.RunRecord) map[string]domain.StepState {
	states := make(map[string]domain.StepState, len(record.Steps))
	for _, step := range record.Steps {
		states[step.NodeID] = step.State
	}
	return states
}

func TestRunRoutesByAge(t *testing.T) {
	tests := []struct {
		name      string
		age       int
		branch    string
		written   string
		untouched string
		skipped   string
	}{
		{name: "older user", age: 41, branch: "group_a", written: "group_a.csv", untouched: "group_b.csv", skipped: "store_user_group_b"},
		{name: "younger user", age: 22, branch: "group_b", written: "group_b.csv", untouched: "group_a.csv", skipped: "store_user_group_a"},
		{name: "boundary", age: 30, branch: "group_a", written: "group_a.csv", untouched: "group_b.csv", skipped: "store_user_group_b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := payloadServer(t, userPayload("Ann", tt.age))
			f := newFixture(t, server.URL)

			record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{})
			require.NoError(t, err)

			assert.Equal(t, domain.RunDone, record.State)
			assert.Equal(t, tt.branch, record.Branch)
			assert.Equal(t, TriggerManual, record.Trigger)
			assert.False(t, record.EndedAt.IsZero())

			states := stepStates(record)
			assert.Equal(t, domain.StepSkipped, states[tt.skipped])
			assert.Equal(t, domain.StepSuccess, states["end"])

			content, err := os.ReadFile(f.file(tt.written))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("Ann,Lee,female,US,%d,Ann@x.com\n", tt.age), string(content))
			assert.NoFileExists(t, f.file(tt.untouched))
		})
	}
}

func TestRunGateTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	f := newFixture(t, server.URL)

	record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrGateTimeout)

	var stepErr *domain.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "is_api_available", stepErr.NodeID)
	assert.Equal(t, domain.RunFailedGate, stepErr.State)

	assert.Equal(t, domain.RunFailedGate, record.State)
	assert.Equal(t, "is_api_available", record.FailedNode)
	states := stepStates(record)
	assert.Equal(t, domain.StepFailed, states["is_api_available"])
	for _, id := range []string{"extract_user", "transform_user", "check_user_age", "store_user_group_a", "store_user_group_b", "end"} {
		assert.Equal(t, domain.StepUpstreamFailed, states[id], id)
	}
	assert.NoFileExists(t, f.file("group_a.csv"))
	assert.NoFileExists(t, f.file("group_b.csv"))
}

func TestRunStepFailures(t *testing.T) {
	gateOK := runtime.HandlerFunc(func(context.Context, *domain.PipelineNode, runtime.Input) (runtime.NodeResult, error) {
		return runtime.Success(nil), nil
	})

	t.Run("extract failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()
		f := newFixture(t, server.URL)

		record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
			Overrides: map[string]runtime.NodeHandler{"sensor.http": gateOK},
		})
		require.ErrorIs(t, err, domain.ErrExtractFailure)
		assert.Equal(t, domain.RunFailedExtract, record.State)
		assert.Equal(t, "extract_user", record.FailedNode)
		assert.Contains(t, record.Error, "502")
	})

	t.Run("malformed payload", func(t *testing.T) {
		server := payloadServer(t, `{"results":[]}`)
		f := newFixture(t, server.URL)

		record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{})
		require.ErrorIs(t, err, domain.ErrMalformedPayload)
		assert.Equal(t, domain.RunFailedTransform, record.State)
		assert.NoFileExists(t, f.file("group_a.csv"))
		assert.NoFileExists(t, f.file("group_b.csv"))
	})

	t.Run("write failure", func(t *testing.T) {
		server := payloadServer(t, userPayload("Ann", 41))
		f := newFixture(t, server.URL, func(p *domain.Pipeline) {
			blocker := filepath.Join(t.TempDir(), "blocker")
			require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
			p.Node("store_user_group_a").Config["path"] = filepath.Join(blocker, "group_a.csv")
		})

		record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{})
		require.ErrorIs(t, err, domain.ErrWriteFailure)
		assert.Equal(t, domain.RunFailedWrite, record.State)
		assert.Equal(t, domain.StepUpstreamFailed, stepStates(record)["end"])
	})
}

// flakyHandler fails the first failures calls and then returns output.
type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
	output   any
}

func (h *flakyHandler) Execute(_ context.Context, _ *domain.PipelineNode, _ runtime.Input) (runtime.NodeResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, fmt.Errorf("%w: attempt %d", domain.ErrExtractFailure, h.calls)
	}
	return runtime.Success(h.output), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event alerting.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) kinds() []alerting.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]alerting.EventKind, 0, len(n.events))
	for _, event := range n.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func withRetries(p *domain.Pipeline) {
	p.Defaults.Retries = domain.PipelineRetryConfig{MaxAttempts: 4, Backoff: "fixed", BaseMS: 1}
	p.Defaults.Alerting = domain.AlertPolicy{Emails: []string{"ops@example.com"}, OnFailure: true, OnRetry: true}
}

func TestRunRetriesStepErrors(t *testing.T) {
	raw := domain.RawUserRecord{Body: []byte(userPayload("Ann", 41)), StatusCode: 200}
	gateOK := runtime.HandlerFunc(func(context.Context, *domain.PipelineNode, runtime.Input) (runtime.NodeResult, error) {
		return runtime.Success(nil), nil
	})

	t.Run("recovers within budget", func(t *testing.T) {
		f := newFixture(t, "http://127.0.0.1:0", withRetries)
		notifier := &recordingNotifier{}
		f.executor.notifier = notifier
		extract := &flakyHandler{failures: 2, output: raw}

		record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
			Overrides: map[string]runtime.NodeHandler{"sensor.http": gateOK, "http.get": extract},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.RunDone, record.State)
		assert.Equal(t, 3, extract.calls)
		assert.Equal(t, 3, record.Step("extract_user").Attempts)
		assert.Equal(t, []alerting.EventKind{alerting.EventRetry, alerting.EventRetry}, notifier.kinds())
	})

	t.Run("exhausts budget", func(t *testing.T) {
		f := newFixture(t, "http://127.0.0.1:0", withRetries)
		notifier := &recordingNotifier{}
		f.executor.notifier = notifier
		extract := &flakyHandler{failures: 4, output: raw}

		record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
			Overrides: map[string]runtime.NodeHandler{"sensor.http": gateOK, "http.get": extract},
		})
		require.ErrorIs(t, err, domain.ErrExtractFailure)
		assert.Equal(t, domain.RunFailedExtract, record.State)
		assert.Equal(t, 4, extract.calls)
		assert.Equal(t, 4, record.Step("extract_user").Attempts)

		kinds := notifier.kinds()
		require.Len(t, kinds, 4)
		assert.Equal(t, alerting.EventFailure, kinds[3])
		assert.Equal(t, []string{"ops@example.com"}, notifier.events[3].Recipients)
	})

	t.Run("gate is not retried", func(t *testing.T) {
		f := newFixture(t, "http://127.0.0.1:0", withRetries)
		gate := &flakyHandler{failures: 1}

		record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
			Overrides: map[string]runtime.NodeHandler{"sensor.http": gate},
		})
		require.Error(t, err)
		assert.Equal(t, 1, gate.calls)
		assert.Equal(t, domain.RunFailedGate, record.State)
	})
}

func TestRunNeverInvokesSkippedWriter(t *testing.T) {
	server := payloadServer(t, userPayload("Bob", 22))
	f := newFixture(t, server.URL)

	var mu sync.Mutex
	calls := map[string]int{}
	writer := runtime.HandlerFunc(func(_ context.Context, node *domain.PipelineNode, in runtime.Input) (runtime.NodeResult, error) {
		mu.Lock()
		calls[node.ID]++
		mu.Unlock()
		routed, err := runtime.As[domain.RoutedUser](in)
		if err != nil {
			return runtime.NodeResult{}, err
		}
		return runtime.Success(domain.WriteReceipt{Group: routed.Decision}), nil
	})

	record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
		Overrides: map[string]runtime.NodeHandler{"store.file": writer},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"store_user_group_b": 1}, calls)
	assert.Equal(t, domain.StepSkipped, record.Step("store_user_group_a").State)
	assert.Equal(t, 0, record.Step("store_user_group_a").Attempts)
}

func TestRunPersistsHistory(t *testing.T) {
	server := payloadServer(t, userPayload("Ann", 41))
	f := newFixture(t, server.URL)

	record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{RunID: "run-1", Trigger: TriggerOnce})
	require.NoError(t, err)

	stored, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, record.State, stored.State)
	assert.Equal(t, TriggerOnce, stored.Trigger)
	assert.Equal(t, stepStates(record), stepStates(stored))

	last, err := f.store.LastSuccessful(context.Background(), testPipelineID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", last.ID)
}

func TestRunDryRunSkipsHistory(t *testing.T) {
	server := payloadServer(t, userPayload("Ann", 41))
	f := newFixture(t, server.URL)

	record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{DryRun: true})
	require.NoError(t, err)

	_, err = f.store.GetRun(context.Background(), record.ID)
	require.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := f.executor.Run(ctx, testPipelineID, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunFailed, record.State)
}

func TestRunCancelledDuringExtract(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	f := newFixture(t, server.URL, withRetries)
	notifier := &recordingNotifier{}
	f.executor.notifier = notifier
	gateOK := runtime.HandlerFunc(func(context.Context, *domain.PipelineNode, runtime.Input) (runtime.NodeResult, error) {
		return runtime.Success(nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	record, err := f.executor.Run(ctx, testPipelineID, RunOptions{
		Overrides: map[string]runtime.NodeHandler{"sensor.http": gateOK},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunFailedExtract, record.State)
	assert.Equal(t, 1, record.Step("extract_user").Attempts)
	assert.NotContains(t, notifier.kinds(), alerting.EventRetry)
}

func TestRunStepTimeout(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", func(p *domain.Pipeline) {
		p.Defaults.TimeoutMS = 20
	})
	blocking := runtime.HandlerFunc(func(ctx context.Context, _ *domain.PipelineNode, _ runtime.Input) (runtime.NodeResult, error) {
		<-ctx.Done()
		return runtime.NodeResult{Outcome: runtime.OutcomeFailure}, ctx.Err()
	})
	gateOK := runtime.HandlerFunc(func(context.Context, *domain.PipelineNode, runtime.Input) (runtime.NodeResult, error) {
		return runtime.Success(nil), nil
	})

	start := time.Now()
	record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
		Overrides: map[string]runtime.NodeHandler{"sensor.http": gateOK, "http.get": blocking},
	})
	require.ErrorIs(t, err, governance.ErrStepTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.RunFailedExtract, record.State)
}

func TestRunUnknownPipeline(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0")
	record, err := f.executor.Run(context.Background(), "missing", RunOptions{})
	require.ErrorIs(t, err, domain.ErrPipelineNotFound)
	assert.Nil(t, record)
}

func TestRunRejectsUnroutableBranch(t *testing.T) {
	server := payloadServer(t, userPayload("Ann", 41))
	f := newFixture(t, server.URL)
	branch := runtime.HandlerFunc(func(context.Context, *domain.PipelineNode, runtime.Input) (runtime.NodeResult, error) {
		return runtime.Branch("group_c", nil, domain.RunRoutedA), nil
	})

	record, err := f.executor.Run(context.Background(), testPipelineID, RunOptions{
		Overrides: map[string]runtime.NodeHandler{"branch.age": branch},
	})
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, record.State)
	assert.Equal(t, "check_user_age", record.FailedNode)
}

func TestEvaluateTrigger(t *testing.T) {
	p := userPipeline("http://example.invalid", t.TempDir())
	record := domain.NewRunRecord("r", &p, TriggerManual, time.Now())
	outputs := map[string]any{"check_user_age": "routed", "store_user_group_b": "receipt"}
	branches := map[string]string{"check_user_age": "group_b"}

	record.Step("check_user_age").State = domain.StepSuccess
	_, ready := evaluateTrigger(&p, p.Node("store_user_group_a"), record, outputs, branches)
	assert.False(t, ready, "edge labelled group_a is dead")

	upstream, ready := evaluateTrigger(&p, p.Node("store_user_group_b"), record, outputs, branches)
	assert.True(t, ready)
	assert.Equal(t, map[string]any{"check_user_age": "routed"}, upstream)

	record.Step("store_user_group_a").State = domain.StepSkipped
	record.Step("store_user_group_b").State = domain.StepSuccess
	upstream, ready = evaluateTrigger(&p, p.Node("end"), record, outputs, branches)
	assert.True(t, ready, "one_success joins the live branch")
	assert.Equal(t, map[string]any{"store_user_group_b": "receipt"}, upstream)

	record.Step("store_user_group_b").State = domain.StepFailed
	_, ready = evaluateTrigger(&p, p.Node("end"), record, outputs, branches)
	assert.False(t, ready)
}

func TestBuildRetryPolicy(t *testing.T) {
	p := &domain.Pipeline{Defaults: domain.PipelineDefaults{
		Retries: domain.PipelineRetryConfig{MaxAttempts: 4, Backoff: "fixed", BaseMS: 300000},
	}}

	policy := buildRetryPolicy(p, &domain.PipelineNode{ID: "extract_user"})
	require.NotNil(t, policy)
	assert.Equal(t, 3, policy.Config().MaxRetries)
	assert.Equal(t, 5*time.Minute, policy.CalculateBackoff(0))
	assert.Equal(t, 5*time.Minute, policy.CalculateBackoff(2))

	single := &domain.PipelineNode{Governance: domain.PipelineGovernanceConfig{Retries: &domain.PipelineRetryConfig{MaxAttempts: 1}}}
	assert.Nil(t, buildRetryPolicy(p, single))
	assert.Nil(t, buildRetryPolicy(&domain.Pipeline{}, &domain.PipelineNode{}))
}

func TestResolveTimeoutPicksSmallest(t *testing.T) {
	p := &domain.Pipeline{Defaults: domain.PipelineDefaults{TimeoutMS: 60000}}
	node := &domain.PipelineNode{
		ID:         "extract_user",
		Config:     map[string]interface{}{"timeout_ms": "2500"},
		Governance: domain.PipelineGovernanceConfig{TimeoutMS: 10000},
	}

	deadline, candidates := resolveTimeout(p, node)
	assert.Equal(t, 2500*time.Millisecond, deadline)
	assert.Len(t, candidates, 3)

	deadline, _ = resolveTimeout(&domain.Pipeline{}, &domain.PipelineNode{})
	assert.Zero(t, deadline)
}

func TestHandlerRegistryAliases(t *testing.T) {
	e := NewDAGExecutor(DAGExecutorConfig{Logger: quietLogger()})

	for _, nodeType := range []string{"sensor.http", "sensor.http@v1", "http_sensor", "store.csv", "terminal.end", "end"} {
		assert.True(t, e.HasHandler(nodeType), nodeType)
	}
	assert.False(t, e.HasHandler("sensor.http@v9"))
	assert.False(t, e.HasHandler("policy.opa"))

	e.RegisterHandler("custom.step", &PassthroughNodeHandler{logger: quietLogger()})
	_, meta, ok := e.handlers.resolve("custom.step")
	require.True(t, ok)
	assert.Equal(t, "custom.step", meta.Canonical)
}
