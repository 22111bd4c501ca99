// Package router forwards inbound chat messages to the bot engine and
// returns its reply.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	PlatformWhatsApp = "whatsapp"
	maxResponseBytes = 1 << 20
)

// Request is one inbound chat message forwarded to the bot engine.
type Request struct {
	TenantID  string `json:"tenant_id"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Platform  string `json:"platform"`
	MessageID string `json:"message_id"`
}

type response struct {
	Response string `json:"response,omitempty"`
}

// StatusError reports a non-2xx answer from the bot engine.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bot router status %d", e.StatusCode)
	}
	return fmt.Sprintf("bot router status %d: %s", e.StatusCode, e.Body)
}

// Client posts inbound messages to the bot engine over HTTP.
type Client struct {
	url        string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithToken sends the token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = strings.TrimSpace(token) }
}

// NewClient creates a Client with the given logger, engine URL and request
// timeout.
func NewClient(log *slog.Logger, url string, timeout time.Duration, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		url:        strings.TrimSpace(url),
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     log.With(slog.String("component", "router")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Route posts the message to the bot engine. An empty reply with a nil error
// means the engine chose not to answer.
func (c *Client) Route(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Platform) == "" {
		req.Platform = PlatformWhatsApp
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode route request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build route request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("route request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read route response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("bot router error",
			slog.String("tenant_id", req.TenantID),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(truncate(string(respBody), 300))}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return "", nil
	}

	var parsed response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse route response: %w", err)
	}
	return parsed.Response, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
