// Package api is a thin client for the TreeMapper backend: plant locations,
// per-coordinate images, and species. It also carries the 3-attempt
// exponential-backoff [Retry] helper used for connectivity checks.
//
// Every request carries the caller's [Credentials] as an OAuth bearer token
// and an x-session-id header.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	headerSession = "x-session-id"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 8 << 20

	defaultTimeout = 60 * time.Second

	defaultSpeciesTTL = 10 * time.Minute
)

// ErrUnauthorized matches any [*StatusError] with a 401 or 403 status.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials authenticate one sync run.
type Credentials struct {
	Token     string
	SessionID string
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.Code)
}

// Is lets errors.Is(err, ErrUnauthorized) match auth failures.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden)
}

// Client talks to the TreeMapper REST API. Create one with [NewClient].
type Client struct {
	baseURL string
	hc      *http.Client
	log     *slog.Logger
	species *cache.Cache
}

// Option customises a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Tests use it to install a
// mock transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithSpeciesCacheTTL changes how long species lists are cached.
func WithSpeciesCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.species = newSpeciesCache(ttl) }
}

// newSpeciesCache builds the species cache without a janitor goroutine.
// Expired entries are dropped on read and overwritten on the next Set.
func newSpeciesCache(ttl time.Duration) *cache.Cache {
	return cache.New(ttl, 0)
}

// NewClient creates a Client for the API rooted at baseURL
// (e.g. "https://app.plant-for-the-planet.org/treemapper").
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("api url %q must be a valid http or https URL", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: defaultTimeout},
		log:     logger,
		species: newSpeciesCache(defaultSpeciesTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the API is reachable and accepts the credentials, with
// retry.
func (c *Client) Ping(ctx context.Context, creds Credentials) error {
	err := Retry(ctx, defaultMaxAttempts, func() error {
		_, _, err := c.do(ctx, creds, http.MethodGet, "/species", nil, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("ping API: %w", err)
	}
	return nil
}

// do sends one JSON request. A non-2xx status is returned as a
// [*StatusError]. When out is non-nil the body is decoded into it. The raw
// body and status code are returned for callers that persist the response.
func (c *Client) do(ctx context.Context, creds Credentials, method, path string, body, out any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create %s %s request: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "OAuth "+creds.Token)
	if creds.SessionID != "" {
		req.Header.Set(headerSession, creds.SessionID)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	c.log.Debug("api request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.StatusCode, &StatusError{
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Message: errorMessage(data),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return data, resp.StatusCode, fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return data, resp.StatusCode, nil
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
