// Package chatapi is the request/response client for the console's chat
// service. It covers the user surface (create, send, cleanup) and the
// admin/moderator surface (list sessions, fetch history, reply), plus a
// fire-and-forget beacon used for best-effort cleanup during process exit.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/consoleops/realtime/internal/protocol"
)

// DefaultTimeout bounds every ordinary request. The beacon path has its own,
// much shorter bound.
const DefaultTimeout = 10 * time.Second

// RequestError is returned when the chat service rejects or fails a request.
// Callers surface it to the UI layer exactly once; there is no automatic
// retry.
type RequestError struct {
	Op     string // "create_session", "send_message", ...
	Status int    // HTTP status, 0 when the request never completed
	Detail string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chatapi: %s failed: status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("chatapi: %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Client talks to the chat service over HTTP. The zero value is not usable;
// construct with New.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a chat service client for the given base URL, e.g.
// "http://gateway:8080". The token, when non-empty, is sent as a bearer
// credential on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// CreateSessionRequest identifies the user opening a chat session.
type CreateSessionRequest struct {
	UserType string `json:"userType"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	FullName string `json:"fullName"`
}

// CreateSessionResponse carries the server-issued session id and any
// pre-existing message history.
type CreateSessionResponse struct {
	SessionID string                 `json:"sessionId"`
	Messages  []protocol.ChatMessage `json:"messages"`
}

// CreateSession opens a new chat session for the user.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := c.do(ctx, "create_session", http.MethodPost, "/api/chat/session", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessageRequest carries a user message into a session.
type SendMessageRequest struct {
	SessionID  string `json:"sessionId"`
	Content    string `json:"content"`
	TargetType string `json:"targetType"`
}

// SendMessageResponse carries the optional immediate auto-reply.
type SendMessageResponse struct {
	Reply     string `json:"reply,omitempty"`
	MessageID string `json:"messageId"`
}

// SendMessage delivers a user message to the session's target audience.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	if err := c.do(ctx, "send_message", http.MethodPost, "/api/chat/message", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CleanupSession asks the service to destroy a session. Callers treat
// failures as log-only: the session is being discarded either way.
func (c *Client) CleanupSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "cleanup_session", http.MethodDelete, "/api/chat/session/"+sessionID, nil, nil)
}

// ListSessions returns the open sessions addressed to the given target
// audience ("admin" or "moderator"). Admin/moderator surface.
func (c *Client) ListSessions(ctx context.Context, targetType string) ([]protocol.SessionSummary, error) {
	var resp struct {
		Sessions []protocol.SessionSummary `json:"sessions"`
	}
	path := "/api/chat/admin/sessions?target_type=" + targetType
	if err := c.do(ctx, "list_sessions", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSessionMessages returns the full message history for one session.
// Admin/moderator surface.
func (c *Client) GetSessionMessages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error) {
	var resp struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	path := "/api/chat/admin/sessions/" + sessionID + "/messages"
	if err := c.do(ctx, "get_session_messages", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendAdminMessageRequest carries a staff reply into a session.
type SendAdminMessageRequest struct {
	SessionID  string `json:"sessionId"`
	Content    string `json:"content"`
	SenderType string `json:"senderType"`
}

// SendAdminMessage delivers a staff reply to the session's user.
// Admin/moderator surface.
func (c *Client) SendAdminMessage(ctx context.Context, req SendAdminMessageRequest) error {
	return c.do(ctx, "send_admin_message", http.MethodPost, "/api/chat/admin/message", req, nil)
}

// do executes one request against the chat service. Non-2xx responses and
// transport errors are normalized into *RequestError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &RequestError{Op: op, Status: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
