package admin

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

	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/stores"
)

// APIError is returned by Client for non-2xx responses.
type APIError struct {
	Code     int
	Response ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Code, e.Response.Error)
}

// Client calls the admin API of a running daemon.
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL, e.g. http://127.0.0.1:8089.
// actor is recorded in audit entries.
func NewClient(baseURL, actor string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Health returns the daemon health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Groups returns every group.
func (c *Client) Groups(ctx context.Context) ([]engine.GroupSnapshot, error) {
	var snaps []engine.GroupSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/groups", nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// Group returns one group.
func (c *Client) Group(ctx context.Context, name string) (*engine.GroupSnapshot, error) {
	var snap engine.GroupSnapshot
	if err := c.do(ctx, http.MethodGet, groupPath(name), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CreateGroup creates a group.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (*engine.GroupSnapshot, error) {
	var snap engine.GroupSnapshot
	if err := c.do(ctx, http.MethodPost, "/v1/groups", req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteGroup deletes a group. The returned snapshot is non-nil when the
// delete was deferred because observers remain.
func (c *Client) DeleteGroup(ctx context.Context, name string) (*engine.GroupSnapshot, error) {
	var snap engine.GroupSnapshot
	if err := c.do(ctx, http.MethodDelete, groupPath(name), nil, &snap); err != nil {
		return nil, err
	}
	if snap.Name == "" {
		return nil, nil
	}
	return &snap, nil
}

// SetBindPorts replaces the bind ports of a group.
func (c *Client) SetBindPorts(ctx context.Context, name, ports string) (*engine.GroupSnapshot, error) {
	var snap engine.GroupSnapshot
	if err := c.do(ctx, http.MethodPut, groupPath(name)+"/bind-ports", PortsRequest{Ports: ports}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetMembers replaces the members of a group.
func (c *Client) SetMembers(ctx context.Context, name, ports string) (*engine.GroupSnapshot, error) {
	var snap engine.GroupSnapshot
	if err := c.do(ctx, http.MethodPut, groupPath(name)+"/members", PortsRequest{Ports: ports}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Events lists journal events, newest first.
func (c *Client) Events(ctx context.Context, filter stores.EventFilter) ([]*stores.Event, error) {
	q := url.Values{}
	setQuery(q, "group", filter.Group)
	setQuery(q, "port", filter.Port)
	setQuery(q, "type", filter.Type)
	setQuery(q, "level", string(filter.Level))
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []*stores.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// do sends a request and decodes a JSON response into out. Status codes in
// accept are decoded like 2xx responses.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, accept ...int) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		apiErr := &APIError{Code: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Response); err != nil {
			apiErr.Response.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func groupPath(name string) string {
	return "/v1/groups/" + url.PathEscape(name)
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
