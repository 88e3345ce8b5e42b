package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultHTTPTimeout bounds a whole backend round trip.
	DefaultHTTPTimeout = 10 * time.Second

	// maxResponseSize caps how much of a backend body is read.
	maxResponseSize = 1 << 20

	autocompletePath = "/autocomplete"
)

// HTTPClient calls a completion backend over HTTP:
// POST {BaseURL}/autocomplete {code,cursorPosition,language} -> {suggestion}.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient returns a client for baseURL. A nil hc gets a client with
// DefaultHTTPTimeout.
func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Language == "" {
		req.Language = DefaultLanguage
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrBackend, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+autocompletePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrBackend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrBackend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrBackend, resp.StatusCode)
	}
	if len(data) > maxResponseSize {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, maxResponseSize)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.Suggestion == nil {
		return "", fmt.Errorf("%w: missing suggestion", ErrInvalidResponse)
	}
	return *out.Suggestion, nil
}
