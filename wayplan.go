// Package wayplan provides the Go client for the Wayplan trip-planning
// backend, including the offline-first data layer.
//
// The package covers the remote document store client, a durable local
// store, an offline write queue with optimistic cache updates, and a
// reconciler that merges the owned-trips and collaborator-trips push
// streams into one list.
//
// Example:
//
//	client := wayplan.NewClient(token)
//	storage, _ := wayplan.NewFileStorage("")
//	mgr := wayplan.NewOfflineManager(client, storage, wayplan.NewProbeMonitor(client, 0), nil)
//
//	res, _ := mgr.Mutate(ctx, wayplan.OpCreate, wayplan.CollectionTrips,
//	    wayplan.NewLocalID(), map[string]any{"title": "Kyoto in May"})
package wayplan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.wayplan.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote document store: per-collection CRUD with
// server-assigned identifiers and push-subscribe-by-query. It holds no
// local state beyond the auth token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Wayplan client.
// token is optional — pass "" and call SetToken after sign-in.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token ("" when signed out).
func (c *Client) Token() string {
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

// request performs an HTTP call and decodes the standard response envelope.
// A non-nil error means the request never produced an envelope (transport
// failure); a !OK Result carries the store's own error with its HTTP status.
func (c *Client) request(ctx context.Context, method, path string, body interface{}, idempotencyKey string) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	c.logger.Debug("store request", zap.String("method", method), zap.String("path", path))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.Error != nil && result.Error.Status == 0 {
		result.Error.Status = resp.StatusCode
	}
	return &result, nil
}

// ============================================================================
// Document store operations
// ============================================================================

// Create inserts a document; the store assigns its identifier and returns
// the stored document.
func (c *Client) Create(ctx context.Context, collection string, doc interface{}) (*Result, error) {
	return c.request(ctx, http.MethodPost, "/api/db/"+collection, doc, "")
}

// Get reads a document by identifier.
func (c *Client) Get(ctx context.Context, collection, id string) (*Result, error) {
	return c.request(ctx, http.MethodGet, "/api/db/"+collection+"/"+id, nil, "")
}

// Update patches a partial field set on a document.
func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) (*Result, error) {
	return c.request(ctx, http.MethodPatch, "/api/db/"+collection+"/"+id, fields, "")
}

// Delete removes a document by identifier.
func (c *Client) Delete(ctx context.Context, collection, id string) (*Result, error) {
	return c.request(ctx, http.MethodDelete, "/api/db/"+collection+"/"+id, nil, "")
}

// Health checks store reachability. Used by ProbeMonitor.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.request(ctx, http.MethodGet, "/api/health", nil, "")
}

// ============================================================================
// Auth
// ============================================================================

type signInData struct {
	Token   string  `json:"token"`
	Session Session `json:"session"`
}

// SignIn authenticates with the store, installs the returned token on the
// client, and returns the session profile for caching.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	res, err := c.request(ctx, http.MethodPost, "/api/auth/signin", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("sign-in failed")
	}
	var data signInData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	c.token = data.Token
	return &data.Session, nil
}

// SignOut invalidates the token server-side and clears it on the client.
// Callers are responsible for clearing the cached session as well.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, "/api/auth/signout", nil, "")
	c.token = ""
	return err
}

// ============================================================================
// Push subscription URL
// ============================================================================

// SubscribeURL returns the WebSocket URL for a push subscription on the
// given standing query.
func (c *Client) SubscribeURL(query string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/api/db/subscribe?query=" + query
	if c.token != "" {
		u += "&token=" + c.token
	}
	return u
}
