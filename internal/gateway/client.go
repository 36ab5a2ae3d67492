package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is returned for every non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Message)
}

// Client is a thin authenticated JSON client for an Evolution-style WhatsApp gateway.
// It never retries; redelivery belongs to the caller.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Do performs one authenticated call to path with an optional JSON body and decodes
// the response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	req.Header.Set("apikey", c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("gateway: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw, resp.StatusCode)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gateway: decode %s: %w", path, err)
	}
	return nil
}

// errorMessage digs the human readable message out of the gateway error body.
// Seen shapes: {"message": "..."}, {"error": "..."}, {"response": {"message": ["..."]}}.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Message  any    `json:"message"`
		Error    string `json:"error"`
		Response struct {
			Message any `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, m := range []any{body.Response.Message, body.Message} {
			if s := flatten(m); s != "" {
				return s
			}
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		if len(s) > 512 {
			s = s[:512]
		}
		return s
	}
	return http.StatusText(status)
}

func flatten(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := flatten(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

func esc(name string) string { return url.PathEscape(name) }
