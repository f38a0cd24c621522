// Package chatsync is the client-side synchronization engine of a
// peer-to-peer chat client.
//
// It keeps a local, per-conversation message cache and a roster of
// conversation partners consistent while messages are sent optimistically,
// acknowledged over a push channel, and mutated by receipts, reactions,
// edits, pins, poll votes and deletions arriving in any order.
//
// Example:
//
//	api := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	ws := chatsync.NewWSChannel("https://chat.example.com", &chatsync.RealtimeConfig{Token: token})
//
//	engine := chatsync.NewEngine(chatsync.Session{UserID: me, Channel: ws, Online: chatsync.NewPresenceSet()}, api)
//	ws.OnEvent(engine.Apply)
//	ws.Connect(ctx)
//	engine.Start(ctx)
//
//	key, _ := engine.Send(ctx, chatsync.SendOptions{To: peer, Text: "hi"})
package chatsync

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

	"github.com/sony/gobreaker"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://chat.parley.app",
	Local:      "http://localhost:5000",
}

const (
	DefaultBaseURL = "https://chat.parley.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Durable Write API
// ============================================================================

// API is the request/response surface the engine uses for durable writes and
// fetches. *Client implements it over HTTP.
type API interface {
	FetchRoster(ctx context.Context) ([]Partner, error)
	FetchHistory(ctx context.Context, peerID string, opts *HistoryOptions) ([]Message, error)
	EditMessage(ctx context.Context, messageID, text string) (*Message, error)
	ReactMessage(ctx context.Context, messageID, emoji string) ([]Reaction, error)
	PinMessage(ctx context.Context, messageID string, pinned bool) error
	VotePoll(ctx context.Context, messageID string, option int) (*Poll, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ForwardMessage(ctx context.Context, messageID string, to []string) ([]Message, error)
	FriendRequests(ctx context.Context) ([]FriendRequest, error)
	AcceptFriend(ctx context.Context, requestID string) error
	RejectFriend(ctx context.Context, requestID string) error
	BlockUser(ctx context.Context, userID string) error
	UnblockUser(ctx context.Context, userID string) error
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(st gobreaker.Settings) ClientOption {
	return func(c *Client) { c.breaker = gobreaker.NewCircuitBreaker(st) }
}

// NewClient creates a new API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chat-api",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

// BaseURL returns the server the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return fmt.Sprintf("server error: HTTP %d", e.status)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return data, &serverError{status: resp.StatusCode}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do runs a request through the circuit breaker and decodes the envelope.
// Transport failures and 5xx responses count against the breaker; API errors
// in a well-formed envelope do not.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, method, path, body, query)
	})
	if err != nil {
		if se, ok := err.(*serverError); ok {
			if data, _ := out.([]byte); len(data) > 0 {
				if res, derr := decodeJSON[Result](data); derr == nil && res.Error != nil {
					return nil, res.Error
				}
			}
			return nil, se
		}
		return nil, err
	}
	res, err := decodeJSON[Result](out.([]byte))
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func call[T any](ctx context.Context, c *Client, method, path string, body interface{}, query map[string]string) (T, error) {
	var v T
	res, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return v, err
	}
	if err := res.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return v, nil
}

// ============================================================================
// API Methods
// ============================================================================

// Health checks service health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, "GET", "/api/health", nil, nil)
	return err
}

func (c *Client) FetchRoster(ctx context.Context) ([]Partner, error) {
	return call[[]Partner](ctx, c, "GET", "/api/users/roster", nil, nil)
}

func (c *Client) FetchHistory(ctx context.Context, peerID string, opts *HistoryOptions) ([]Message, error) {
	var q map[string]string
	if opts != nil {
		q = map[string]string{}
		if opts.Limit > 0 {
			q["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if opts.Before != "" {
			q["before"] = opts.Before
		}
	}
	return call[[]Message](ctx, c, "GET", "/api/messages/"+url.PathEscape(peerID), nil, q)
}

func (c *Client) EditMessage(ctx context.Context, messageID, text string) (*Message, error) {
	return call[*Message](ctx, c, "PATCH", "/api/messages/"+url.PathEscape(messageID), map[string]string{"text": text}, nil)
}

func (c *Client) ReactMessage(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	type reactions struct {
		Reactions []Reaction `json:"reactions"`
	}
	r, err := call[reactions](ctx, c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{"emoji": emoji}, nil)
	return r.Reactions, err
}

func (c *Client) PinMessage(ctx context.Context, messageID string, pinned bool) error {
	_, err := c.do(ctx, "PUT", "/api/messages/"+url.PathEscape(messageID)+"/pin", map[string]bool{"isPinned": pinned}, nil)
	return err
}

func (c *Client) VotePoll(ctx context.Context, messageID string, option int) (*Poll, error) {
	return call[*Poll](ctx, c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/vote", map[string]int{"option": option}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

func (c *Client) ForwardMessage(ctx context.Context, messageID string, to []string) ([]Message, error) {
	return call[[]Message](ctx, c, "POST", "/api/messages/"+url.PathEscape(messageID)+"/forward", map[string][]string{"receiverIds": to}, nil)
}

func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	return call[[]FriendRequest](ctx, c, "GET", "/api/friends/requests", nil, nil)
}

func (c *Client) AcceptFriend(ctx context.Context, requestID string) error {
	_, err := c.do(ctx, "POST", "/api/friends/requests/"+url.PathEscape(requestID)+"/accept", nil, nil)
	return err
}

func (c *Client) RejectFriend(ctx context.Context, requestID string) error {
	_, err := c.do(ctx, "POST", "/api/friends/requests/"+url.PathEscape(requestID)+"/reject", nil, nil)
	return err
}

func (c *Client) BlockUser(ctx context.Context, userID string) error {
	_, err := c.do(ctx, "POST", "/api/users/"+url.PathEscape(userID)+"/block", nil, nil)
	return err
}

func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	_, err := c.do(ctx, "DELETE", "/api/users/"+url.PathEscape(userID)+"/block", nil, nil)
	return err
}
