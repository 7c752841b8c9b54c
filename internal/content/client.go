// Package content is a thin client for the third-party content API the tool
// server fronts. The endpoint catalogue lives upstream; this client only
// carries the handful of calls the demo tool surface needs, and reports its
// HTTP lifecycle through the telemetry logger.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/toolhorn/internal/telemetry"
)

const maxResponseBytes = 4 << 20 // 4 MiB

// Document is one content item as returned by the remote API.
type Document struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Published bool           `json:"published"`
	UpdatedAt time.Time      `json:"updatedAt,omitzero"`
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *telemetry.Logger
}

func NewClient(baseURL, token string, client *http.Client, logger *telemetry.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("document id is required")
	}
	var doc Document
	if err := c.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) SearchDocuments(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Items []Document `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/documents/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) PublishDocument(ctx context.Context, id string) (*Document, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("document id is required")
	}
	var doc Document
	if err := c.do(ctx, http.MethodPost, "/documents/"+url.PathEscape(id)+"/publish", map[string]any{}, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	fullURL := c.baseURL + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.logger != nil {
		c.logger.HTTPRequest(method, fullURL)
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.HTTPError(method, fullURL, err)
		}
		return err
	}
	defer resp.Body.Close()

	if c.logger != nil {
		c.logger.HTTPResponse(method, fullURL, resp.StatusCode, time.Since(start))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if c.logger != nil {
			c.logger.RateLimited(c.baseURL, retryAfter)
		}
		return fmt.Errorf("content api rate limited (retry after %s)", retryAfter)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if c.logger != nil {
			c.logger.AuthEvent("content_auth_rejected", false, fmt.Sprintf("%s %s -> %d", method, fullURL, resp.StatusCode))
		}
		return fmt.Errorf("content api rejected credentials: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("content api error: status %d", resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode content api response: %w", err)
	}
	return nil
}

// parseRetryAfter handles both forms of the header: delta-seconds and
// HTTP-date. Unparseable values fall back to one second.
func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}
