package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

const userPayload = `{"results":[{"name":{"first":"Ann","last":"Lee"},"gender":"female","location":{"country":"US"},"dob":{"age":41},"email":"a@x.com"}]}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPSensorWaitsForAvailability(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Api-Key"))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	node := &domain.PipelineNode{ID: "is_api_available", Type: "sensor.http", Config: map[string]interface{}{
		"url":           server.URL + "/api/",
		"poke_interval": "5ms",
		"timeout":       "2s",
		"headers":       map[string]string{"X-Api-Key": "token"},
	}}

	res, err := NewHTTPSensorHandler(quietLogger(), server.Client()).Execute(context.Background(), node, runtime.Input{})
	require.NoError(t, err)
	assert.Equal(t, runtime.OutcomeSuccess, res.Outcome)

	signal, ok := res.Output.(GateSignal)
	require.True(t, ok)
	assert.Equal(t, 3, signal.Probes)
	assert.Equal(t, http.StatusOK, signal.Status)
}

func TestHTTPSensorBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	node := &domain.PipelineNode{ID: "is_api_available", Config: map[string]interface{}{
		"url":           server.URL,
		"poke_interval": 5 * time.Millisecond,
		"timeout":       40 * time.Millisecond,
	}}

	res, err := NewHTTPSensorHandler(quietLogger(), server.Client()).Execute(context.Background(), node, runtime.Input{})
	require.ErrorIs(t, err, domain.ErrGateTimeout)
	assert.Equal(t, runtime.OutcomeTimeout, res.Outcome)
	assert.Contains(t, err.Error(), "status 503")
}

func TestHTTPSensorStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	node := &domain.PipelineNode{ID: "gate", Config: map[string]interface{}{
		"url":           server.URL,
		"poke_interval": "1ms",
		"timeout":       "1s",
	}}
	_, err := NewHTTPSensorHandler(quietLogger(), server.Client()).Execute(ctx, node, runtime.Input{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrGateTimeout)
}

func TestHTTPSensorRejectsBadConfig(t *testing.T) {
	h := NewHTTPSensorHandler(quietLogger(), nil)

	_, err := h.Execute(context.Background(), &domain.PipelineNode{ID: "gate"}, runtime.Input{})
	require.Error(t, err)

	_, err = h.Execute(context.Background(), &domain.PipelineNode{ID: "gate", Config: map[string]interface{}{
		"url":           "http://127.0.0.1",
		"poke_interval": "soon",
	}}, runtime.Input{})
	require.Error(t, err)
}

func TestHTTPGetCapturesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, userPayload)
	}))
	defer server.Close()

	node := &domain.PipelineNode{ID: "extract_user", Config: map[string]interface{}{"url": server.URL + "/api/"}}
	res, err := NewHTTPGetHandler(quietLogger(), server.Client()).Execute(context.Background(), node, runtime.Input{})
	require.NoError(t, err)

	raw, ok := res.Output.(domain.RawUserRecord)
	require.True(t, ok)
	assert.JSONEq(t, userPayload, string(raw.Body))
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, "application/json", raw.ContentType)
	assert.False(t, raw.FetchedAt.IsZero())
}

func TestHTTPGetFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, "upstream exploded")
		case "/large":
			_, _ = io.WriteString(w, strings.Repeat("x", 64))
		}
	}))
	defer server.Close()

	h := NewHTTPGetHandler(quietLogger(), server.Client())

	_, err := h.Execute(context.Background(), &domain.PipelineNode{ID: "extract_user", Config: map[string]interface{}{
		"url": server.URL + "/error",
	}}, runtime.Input{})
	require.ErrorIs(t, err, domain.ErrExtractFailure)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "upstream exploded")

	_, err = h.Execute(context.Background(), &domain.PipelineNode{ID: "extract_user", Config: map[string]interface{}{
		"url":            server.URL + "/large",
		"max_body_bytes": 16,
	}}, runtime.Input{})
	require.ErrorIs(t, err, domain.ErrExtractFailure)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()
	_, err = h.Execute(context.Background(), &domain.PipelineNode{ID: "extract_user", Config: map[string]interface{}{
		"url": closedURL,
	}}, runtime.Input{})
	require.ErrorIs(t, err, domain.ErrExtractFailure)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Execute(ctx, &domain.PipelineNode{ID: "extract_user", Config: map[string]interface{}{
		"url": server.URL + "/error",
	}}, runtime.Input{})
	require.ErrorIs(t, err, domain.ErrExtractFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransformAndBranch(t *testing.T) {
	in := runtime.Input{RunID: "r1", Upstream: map[string]any{
		"extract_user": domain.RawUserRecord{Body: []byte(userPayload), StatusCode: 200},
	}}

	res, err := NewTransformUserHandler(quietLogger()).Execute(context.Background(), &domain.PipelineNode{ID: "transform_user"}, in)
	require.NoError(t, err)
	user, ok := res.Output.(domain.TransformedUser)
	require.True(t, ok)
	assert.Equal(t, 41, user.Age)

	res, err = NewAgeBranchHandler(quietLogger()).Execute(context.Background(), &domain.PipelineNode{ID: "check_user_age"},
		runtime.Input{Upstream: map[string]any{"transform_user": user}})
	require.NoError(t, err)
	assert.Equal(t, "group_a", res.Branch)
	assert.Equal(t, domain.RunRoutedA, res.State)

	user.Age = 29
	res, err = NewAgeBranchHandler(quietLogger()).Execute(context.Background(), &domain.PipelineNode{ID: "check_user_age"},
		runtime.Input{Upstream: map[string]any{"transform_user": user}})
	require.NoError(t, err)
	assert.Equal(t, "group_b", res.Branch)
	assert.Equal(t, domain.RunRoutedB, res.State)
}

func TestTransformRejectsMalformedPayload(t *testing.T) {
	in := runtime.Input{Upstream: map[string]any{
		"extract_user": domain.RawUserRecord{Body: []byte(`{"results":[]}`)},
	}}
	_, err := NewTransformUserHandler(quietLogger()).Execute(context.Background(), &domain.PipelineNode{ID: "transform_user"}, in)
	require.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = NewTransformUserHandler(quietLogger()).Execute(context.Background(), &domain.PipelineNode{ID: "transform_user"}, runtime.Input{})
	require.ErrorIs(t, err, runtime.ErrMissingInput)
}

func routedInput(decision domain.RoutingDecision, first string) runtime.Input {
	return runtime.Input{Upstream: map[string]any{"check_user_age": domain.RoutedUser{
		Decision: decision,
		User:     domain.TransformedUser{FirstName: first, LastName: "Lee", Gender: "female", Country: "US", Age: 41, Email: "a@x.com"},
	}}}
}

func TestFileStoreOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "group_a.csv")
	node := &domain.PipelineNode{ID: "store_user_group_a", Config: map[string]interface{}{
		"path":  path,
		"group": "group_a",
	}}
	h := NewFileStoreHandler(quietLogger())

	_, err := h.Execute(context.Background(), node, routedInput(domain.GroupA, "Ann"))
	require.NoError(t, err)
	res, err := h.Execute(context.Background(), node, routedInput(domain.GroupA, "Bea"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Bea,Lee,female,US,41,a@x.com\n", string(content))

	receipt, ok := res.Output.(domain.WriteReceipt)
	require.True(t, ok)
	assert.Equal(t, domain.GroupA, receipt.Group)
	assert.Equal(t, len(content), receipt.Bytes)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStoreAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group_b.csv")
	node := &domain.PipelineNode{ID: "store_user_group_b", Config: map[string]interface{}{
		"path":  path,
		"group": "group_b",
		"mode":  WriteModeAppend,
	}}
	h := NewFileStoreHandler(quietLogger())

	_, err := h.Execute(context.Background(), node, routedInput(domain.GroupB, "Ann"))
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), node, routedInput(domain.GroupB, "Bea"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Ann,Lee,female,US,41,a@x.com\nBea,Lee,female,US,41,a@x.com\n", string(content))
}

func TestFileStoreFailures(t *testing.T) {
	dir := t.TempDir()
	h := NewFileStoreHandler(quietLogger())

	path := filepath.Join(dir, "group_a.csv")
	_, err := h.Execute(context.Background(), &domain.PipelineNode{ID: "store_user_group_a", Config: map[string]interface{}{
		"path":  path,
		"group": "group_a",
	}}, routedInput(domain.GroupB, "Ann"))
	require.ErrorIs(t, err, domain.ErrWriteFailure)
	assert.NoFileExists(t, path)

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	_, err = h.Execute(context.Background(), &domain.PipelineNode{ID: "store_user_group_a", Config: map[string]interface{}{
		"path": filepath.Join(blocker, "group_a.csv"),
	}}, routedInput(domain.GroupA, "Ann"))
	require.ErrorIs(t, err, domain.ErrWriteFailure)

	_, err = h.Execute(context.Background(), &domain.PipelineNode{ID: "store_user_group_a", Config: map[string]interface{}{
		"path": path,
		"mode": "truncate",
	}}, routedInput(domain.GroupA, "Ann"))
	require.ErrorIs(t, err, domain.ErrWriteFailure)
}

func TestConfigHelpers(t *testing.T) {
	cfg := map[string]interface{}{
		"ms":      250,
		"float":   1500.0,
		"text":    "2s",
		"limit":   "42",
		"headers": map[string]interface{}{"x-key": "v", "ignored": 1},
	}

	d, err := getDuration(cfg, "ms", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = getDuration(cfg, "float", 0)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = getDuration(cfg, "text", 0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = getDuration(cfg, "missing", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	n, err := getInt64(cfg, "limit", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	headers := getHeaders(cfg)
	assert.Equal(t, "v", headers.Get("X-Key"))
	assert.Len(t, headers, 1)

	assert.Equal(t, "abc...", preview([]byte("abcdef"), 3))
	assert.Equal(t, "h...", preview([]byte("héllo"), 2), "multi-byte rune is not split")
	assert.Equal(t, "hé...", preview([]byte("héllo"), 3))
}
