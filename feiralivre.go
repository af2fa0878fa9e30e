// Package feiralivre provides the Go client for the FeiraLivre marketplace
// chat API: conversation directory, message history, and the realtime socket
// channel.
//
// Example:
//
//	client := feiralivre.NewClient(token)
//
//	convs, _ := client.Conversations.List(ctx)
//	conv, _ := client.Conversations.With(ctx, "user-42")
//	raw, _ := client.Messages.History(ctx, conv.ID, 50)
//
//	sockets := client.Sockets(feiralivre.RealtimeConfig{Token: token})
//	conn := sockets.Acquire(token)
//	_ = conn.Connect(ctx)
package feiralivre

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

const (
	DefaultBaseURL = "https://api.feiralivre.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the FeiraLivre chat API client. The zero token is allowed at
// construction time; requests fail with ErrNotReady until SetToken is called.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient

	sockets *SocketManager
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

// NewClient creates a new FeiraLivre client authenticated with the session's
// bearer token.
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

	c.Conversations = &ConversationsClient{client: c, cache: newConversationCache()}
	c.Messages = &MessagesClient{client: c}
	return c
}

// SetToken sets or updates the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Sockets returns the client's socket connection manager, creating it on
// first use with the given config.
func (c *Client) Sockets(cfg RealtimeConfig) *SocketManager {
	if c.sockets == nil {
		c.sockets = NewSocketManager(c.baseURL, cfg)
	}
	return c.sockets
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	if c.token == "" {
		return nil, ErrNotReady
	}

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
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportErr(method+" "+path, err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation Directory
// ============================================================================

// ConversationsClient resolves and lists conversations. Results are kept in a
// read-through cache scoped to the current session.
type ConversationsClient struct {
	client *Client
	cache  *conversationCache
}

// List fetches all conversations for the current user, in backend order.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	result, err := cv.client.do(ctx, "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, directoryErr("list conversations", err)
	}
	if !result.OK {
		return nil, directoryErr("list conversations", result.Error)
	}

	var convs []Conversation
	if err := result.Decode(&convs); err != nil {
		return nil, directoryErr("decode conversations", err)
	}
	cv.cache.PutAll(convs)
	return convs, nil
}

// With idempotently resolves the 1:1 conversation with the target user,
// creating it on first contact. Resolving the same pair twice returns the
// same conversation (backend invariant).
func (cv *ConversationsClient) With(ctx context.Context, targetUserID string) (*Conversation, error) {
	result, err := cv.client.do(ctx, "GET", "/conversations/with/"+targetUserID, nil, nil)
	if err != nil {
		return nil, directoryErr("resolve conversation with "+targetUserID, err)
	}
	if !result.OK {
		return nil, directoryErr("resolve conversation with "+targetUserID, result.Error)
	}

	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		return nil, directoryErr("decode conversation", err)
	}
	cv.cache.Put(conv)
	return &conv, nil
}

// Get returns a conversation by id, serving from the session cache when
// possible.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	if conv, ok := cv.cache.Get(conversationID); ok {
		return &conv, nil
	}

	result, err := cv.client.do(ctx, "GET", "/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, directoryErr("get conversation "+conversationID, err)
	}
	if !result.OK {
		return nil, directoryErr("get conversation "+conversationID, result.Error)
	}

	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		return nil, directoryErr("decode conversation", err)
	}
	cv.cache.Put(conv)
	return &conv, nil
}

// ============================================================================
// Message History
// ============================================================================

// MessagesClient loads message history pages.
type MessagesClient struct {
	client *Client
}

// History returns at most limit most-recent raw message payloads for the
// conversation. The backend ordering is unspecified; callers MUST normalize
// and sort ascending by timestamp before display.
func (m *MessagesClient) History(ctx context.Context, conversationID string, limit int) ([]json.RawMessage, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": fmt.Sprintf("%d", limit)}
	}

	result, err := m.client.do(ctx, "GET", "/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, historyErr("load history for "+conversationID, err)
	}
	if !result.OK {
		return nil, historyErr("load history for "+conversationID, result.Error)
	}

	var raw []json.RawMessage
	if err := result.Decode(&raw); err != nil {
		return nil, historyErr("decode history", err)
	}
	return raw, nil
}
