package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize bounds what the client reads from one response; export
// documents are the largest.
const maxResponseSize = 8 << 20

// Config holds the configuration for connecting to a trustscore server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret; admin routes need it when the server sets one
}

// Client is a thin HTTP client for the trustscore API. Responses are
// returned raw so each tool formats only what it needs.
type Client struct {
	base       string
	secret     string
	httpClient *http.Client
}

// NewClient creates a new client for the trustscore API.
func NewClient(cfg Config) *Client {
	return &Client{
		base:       strings.TrimRight(cfg.APIURL, "/"),
		secret:     cfg.AdminSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string // the "error" field, e.g. "session_not_found"
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// call sends one request. Statuses listed in accept are returned as
// successes even when they are not 2xx.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, accept ...int) (json.RawMessage, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "trustscore-mcp")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Admin-Secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 300 || slices.Contains(accept, resp.StatusCode) {
		return json.RawMessage(data), nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		apiErr.Code, apiErr.Message = payload.Error, payload.Message
	}
	return nil, apiErr
}

func sessionPath(id string, parts ...string) string {
	return "/v1/sessions/" + url.PathEscape(id) + strings.Join(parts, "")
}

// ListSessions returns the active sessions.
func (c *Client) ListSessions(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/v1/sessions", nil, nil)
}

// GetAssessment returns the latest stored assessment for a session.
func (c *Client) GetAssessment(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, sessionPath(sessionID, "/assessment"), nil, nil)
}

// Assess scores a session immediately.
func (c *Client) Assess(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, sessionPath(sessionID, "/assess"), nil, nil)
}

// ListAssessments returns one page of a session's assessment history,
// newest first. An empty cursor starts at the newest.
func (c *Client) ListAssessments(ctx context.Context, sessionID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.call(ctx, http.MethodGet, sessionPath(sessionID, "/assessments"), q, nil)
}

// GetSummary returns the session's telemetry summary.
func (c *Client) GetSummary(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, sessionPath(sessionID, "/summary"), nil, nil)
}

// GetIPReport returns the session's IP velocity analysis.
func (c *Client) GetIPReport(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, sessionPath(sessionID, "/ip-report"), nil, nil)
}

// GetExport builds the session's export document without writing it.
func (c *Client) GetExport(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, sessionPath(sessionID, "/export"), nil, nil)
}

// TerminateSession ends a session.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, sessionPath(sessionID, "/terminate"), nil, nil)
}

// AddToBlacklist adds values to one of the blacklists.
func (c *Client) AddToBlacklist(ctx context.Context, list string, values []string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/v1/admin/blacklist/"+url.PathEscape(list), nil, map[string]any{"values": values})
}

// GetHealth returns the service health report. An unhealthy service
// answers 503 with the same report, which is returned rather than failed.
func (c *Client) GetHealth(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/health", nil, nil, http.StatusServiceUnavailable)
}
