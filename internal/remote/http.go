package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/outbox/internal/record"
)

// IdempotencyHeader carries the mutation ID on every write.
const IdempotencyHeader = "Idempotency-Key"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client implements API and HealthChecker over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL for the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type createBody struct {
	Data record.Snapshot `json:"data"`
}

type updateBody struct {
	Version int64           `json:"version"`
	Data    record.Snapshot `json:"data"`
}

type conflictBody struct {
	CurrentData    record.Snapshot `json:"currentData"`
	CurrentVersion int64           `json:"currentVersion"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Create POSTs a new entity to its collection.
func (c *Client) Create(ctx context.Context, req Request) (record.Entity, error) {
	collection, err := Collection(req.EntityType)
	if err != nil {
		return record.Entity{}, NewValidationError("create", err.Error())
	}
	op := "create " + collection

	var out record.Entity
	err = c.do(ctx, op, http.MethodPost, "/"+collection, req.IdempotencyKey, createBody{Data: nonNil(req.Data)}, &out)
	return out, err
}

// Update PUTs a new snapshot with the version it was based on.
func (c *Client) Update(ctx context.Context, req Request) (record.Entity, error) {
	collection, err := Collection(req.EntityType)
	if err != nil {
		return record.Entity{}, NewValidationError("update", err.Error())
	}
	op := "update " + collection + "/" + req.EntityID

	var out record.Entity
	body := updateBody{Version: req.ExpectedVersion, Data: nonNil(req.Data)}
	err = c.do(ctx, op, http.MethodPut, "/"+collection+"/"+url.PathEscape(req.EntityID), req.IdempotencyKey, body, &out)
	return out, err
}

// Delete removes an entity.
func (c *Client) Delete(ctx context.Context, req Request) error {
	collection, err := Collection(req.EntityType)
	if err != nil {
		return NewValidationError("delete", err.Error())
	}
	op := "delete " + collection + "/" + req.EntityID
	return c.do(ctx, op, http.MethodDelete, "/"+collection+"/"+url.PathEscape(req.EntityID), req.IdempotencyKey, nil, nil)
}

// Health calls GET /health and returns nil on a 200.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", "", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return NewValidationError(op, fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return NewValidationError(op, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote call failed", "op", op, "error", err)
		return NewTransientError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("remote call",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			// The write may have landed; a retry is answered from the
			// idempotency cache.
			return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	kind := ClassifyStatus(resp.StatusCode)
	if kind == KindConflict {
		var cb conflictBody
		if err := json.Unmarshal(raw, &cb); err != nil {
			return &Error{Kind: KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode conflict: %w", err)}
		}
		if cb.CurrentData == nil {
			cb.CurrentData = record.Snapshot{}
		}
		return &ConflictError{Op: op, CurrentData: cb.CurrentData, CurrentVersion: cb.CurrentVersion}
	}

	return &Error{Kind: kind, Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
}

func errorMessage(raw []byte, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return fallback
}

func nonNil(s record.Snapshot) record.Snapshot {
	if s == nil {
		return record.Snapshot{}
	}
	return s
}
