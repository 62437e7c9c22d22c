// Package handlers provides the node handlers of the user-processing pipeline:
// the availability gate, the extractor, the transformer, the age router and the
// group writers. Each type implements runtime.NodeHandler.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns the traced client shared by the gate and the extractor.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func getString(config map[string]interface{}, key string) string {
	if config == nil {
		return ""
	}
	if s, ok := config[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// getDuration accepts a time.Duration, a Go duration string or a number of milliseconds.
func getDuration(config map[string]interface{}, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("%s: unsupported duration value %T", key, raw)
	}
}

func getInt64(config map[string]interface{}, key string, fallback int64) (int64, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%s: unsupported integer value %T", key, raw)
	}
}

func getHeaders(config map[string]interface{}) http.Header {
	headers := make(http.Header)
	switch v := config["headers"].(type) {
	case map[string]string:
		for name, value := range v {
			headers.Set(name, value)
		}
	case map[string]interface{}:
		for name, value := range v {
			if s, ok := value.(string); ok {
				headers.Set(name, s)
			}
		}
	case http.Header:
		for name, values := range v {
			headers[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return headers
}

func preview(body []byte, limit int) string {
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + "..."
	}
	return text
}
