package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	batchPath  = "/api/sync/batch"
	healthPath = "/api/health"

	// maxResultBody bounds how much of a response we buffer while looking
	// for a verdict. Real result bodies are a few KB.
	maxResultBody = 1 << 20
)

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client submits write batches to the sync server. It never interprets the
// verdict; it only distinguishes "the server answered with a result body"
// from "the request failed before any verdict existed".
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
}

func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("empty server url")
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{},
		logger:     slog.Default(),
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitBatch posts one batch. Any response carrying a parseable result body
// returns that Result regardless of HTTP status: a confirmed partial outcome
// is authoritative even when delivered inside an error response. Everything
// else returns a classified *Error.
func (c *Client) SubmitBatch(ctx context.Context, batch BatchRequest) (*Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", batch.RequestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyNetErr(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, StatusCode: resp.StatusCode, Err: err}
	}

	if result, ok := ParseResult(raw); ok {
		if resp.StatusCode >= 400 {
			c.logger.Debug("sync_result_in_error_response",
				slog.Int("status_code", resp.StatusCode),
				slog.String("request_id", batch.RequestID),
			)
		}
		return result, nil
	}

	return nil, &Error{Kind: classifyStatus(resp.StatusCode), StatusCode: resp.StatusCode}
}

// Ping probes the server health endpoint. A nil error means online.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: classifyNetErr(err), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &Error{Kind: KindServer, StatusCode: resp.StatusCode}
	}
	return nil
}
