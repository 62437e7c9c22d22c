package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/polisai/polis-flow/pkg/domain"
)

// ConnectionEnvPrefix prefixes environment variables that define connections in URL
// form, e.g. POLIS_CONN_USER_API=https://randomuser.me/?header.Accept=application/json.
const ConnectionEnvPrefix = "POLIS_CONN_"

// Connection is a resolved HTTP endpoint.
type Connection struct {
	ID      string
	BaseURL string
	Headers map[string]string
}

// URL joins the connection base URL with an endpoint path. Query parameters kept
// on the base URL stay in the query.
func (c Connection) URL(path string) string {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return base.JoinPath(path).String()
}

// LoadDotEnv loads variables from the given .env files (default ".env") without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ResolveConnection returns the connection with the given ID. An environment
// variable POLIS_CONN_<ID> takes precedence over the config file.
func (c *Config) ResolveConnection(id string) (Connection, error) {
	envKey := ConnectionEnvPrefix + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		conn, err := ParseConnectionURL(id, raw)
		if err != nil {
			return Connection{}, fmt.Errorf("%s: %w", envKey, err)
		}
		return conn, nil
	}

	spec, ok := c.Connections[id]
	if !ok || strings.TrimSpace(spec.BaseURL) == "" {
		return Connection{}, fmt.Errorf("%w: connection %q is not defined (set %s or connections.%s.base_url)", domain.ErrConfigInvalid, id, envKey, id)
	}
	if _, err := parseBaseURL(spec.BaseURL); err != nil {
		return Connection{}, fmt.Errorf("connection %q: %w", id, err)
	}

	headers := make(map[string]string, len(spec.Headers))
	for k, v := range spec.Headers {
		headers[k] = v
	}
	return Connection{ID: id, BaseURL: spec.BaseURL, Headers: headers}, nil
}

// ParseConnectionURL converts a URL-form connection into a Connection. User info
// becomes a basic Authorization header and header.<Name> query parameters become
// request headers; other query parameters stay on the base URL.
func ParseConnectionURL(id, raw string) (Connection, error) {
	u, err := parseBaseURL(raw)
	if err != nil {
		return Connection{}, err
	}

	headers := map[string]string{}
	if u.User != nil {
		password, _ := u.User.Password()
		creds := u.User.Username() + ":" + password
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
		u.User = nil
	}

	query := u.Query()
	for key, values := range query {
		if name, ok := strings.CutPrefix(key, "header."); ok && len(values) > 0 {
			headers[name] = values[0]
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()

	return Connection{ID: id, BaseURL: u.String(), Headers: headers}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid connection url: %v", domain.ErrConfigInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: connection url must be http or https, got %q", domain.ErrConfigInvalid, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: connection url has no host", domain.ErrConfigInvalid)
	}
	return u, nil
}
