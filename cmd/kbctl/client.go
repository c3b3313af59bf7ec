package main

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

	khttp "github.com/fyrsmithlabs/knowledged/internal/http"
)

// client talks to the knowledged HTTP API on behalf of one user.
type client struct {
	server string
	user   string
	http   *http.Client
}

func newClient(server, user string, timeout time.Duration) *client {
	return &client{
		server: strings.TrimRight(server, "/"),
		user:   user,
		http:   &http.Client{Timeout: timeout},
	}
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// do sends body as JSON and decodes a JSON response into out when out is
// non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	endpoint := c.server + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(khttp.HeaderUserID, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError extracts echo's {"message": ...} body when present.
func decodeAPIError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return &apiError{Status: resp.StatusCode, Message: body.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

func (c *client) Health(ctx context.Context) (*khttp.HealthResponse, error) {
	var out khttp.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Query(ctx context.Context, req khttp.QueryRequest) (*khttp.QueryResponse, error) {
	var out khttp.QueryResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Partitions(ctx context.Context) (*khttp.PartitionsResponse, error) {
	var out khttp.PartitionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/partitions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Rescan(ctx context.Context) (*khttp.RescanResponse, error) {
	var out khttp.RescanResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/partitions/rescan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Rebuild(ctx context.Context, partition string) (*khttp.RebuildResponse, error) {
	var out khttp.RebuildResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/partitions/"+url.PathEscape(partition)+"/rebuild", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) RebuildAll(ctx context.Context) (*khttp.RebuildAllResponse, error) {
	var out khttp.RebuildAllResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/rebuild", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Delete(ctx context.Context, partition string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/partitions/"+url.PathEscape(partition), nil, nil)
}
