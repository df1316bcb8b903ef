package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/perchworks/perch/pkg/log"
	"github.com/perchworks/perch/pkg/types"
	"github.com/rs/zerolog"
)

// Client talks to one backend server over its REST API.
// The base URL must already be normalized (pkg/discovery.NormalizeURL).
type Client struct {
	baseURL string
	http    *http.Client
	// stream has no overall timeout; the event stream stays open for
	// the life of the connection. Cancellation comes from the context.
	stream *http.Client
	logger zerolog.Logger
}

// NewClient creates a client for the given normalized base URL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		logger:  log.WithComponent("backend").With().Str("url", baseURL).Logger(),
	}
}

// BaseURL returns the normalized server base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListSessions fetches the server's current session list
func (c *Client) ListSessions(ctx context.Context) ([]types.SessionSummary, error) {
	var body struct {
		Sessions []wireSession `json:"sessions"`
	}
	if err := c.getJSON(ctx, "list_sessions", "/api/sessions", &body); err != nil {
		return nil, err
	}

	summaries := make([]types.SessionSummary, 0, len(body.Sessions))
	for _, s := range body.Sessions {
		summaries = append(summaries, s.toSummary())
	}
	return summaries, nil
}

// SessionStatuses fetches the runtime status tag of every session
func (c *Client) SessionStatuses(ctx context.Context) (map[string]types.SessionStatus, error) {
	var body struct {
		Statuses map[string]string `json:"statuses"`
	}
	if err := c.getJSON(ctx, "get_session_status", "/api/sessions/status", &body); err != nil {
		return nil, err
	}

	statuses := make(map[string]types.SessionStatus, len(body.Statuses))
	for id, tag := range body.Statuses {
		statuses[id] = types.MapStatusTag(tag)
	}
	return statuses, nil
}

// GetSession fetches one session in full, messages included
func (c *Client) GetSession(ctx context.Context, serverID, sessionID string) (*types.Session, error) {
	var body wireSession
	path := "/api/sessions/" + url.PathEscape(sessionID)
	if err := c.getJSON(ctx, "get_session", path, &body); err != nil {
		return nil, err
	}
	if body.ID == "" {
		return nil, &Error{Kind: KindInvalidResponse, Op: "get_session", Err: errors.New("empty session id")}
	}
	return body.toSession(serverID), nil
}

// SendMessage submits user input to a session
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (SendResult, error) {
	payload := map[string]string{"content": content}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/message"

	var body wireSendResult
	if err := c.postJSON(ctx, "send_message", path, payload, &body); err != nil {
		return SendResult{}, err
	}
	if body.Result == "error" {
		return SendResult{}, &Error{Kind: KindInvalidResponse, Op: "send_message", Err: errors.New(body.Error)}
	}
	return SendResult{MessageID: body.MessageID, Disposition: body.Result}, nil
}

// Abort requests that a session stop what it is doing
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/abort"
	return c.postJSON(ctx, "abort", path, struct{}{}, nil)
}

// ResolvePermission answers a pending permission request
func (c *Client) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision types.PermissionDecision) error {
	payload := map[string]string{
		"permission_id": permissionID,
		"decision":      string(decision),
	}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/permission"
	return c.postJSON(ctx, "resolve_permission", path, payload, nil)
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return c.do(op, req, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindInvalidResponse, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return classifyStatus(op, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindInvalidResponse, Op: op, Err: err}
	}
	return nil
}

// classifyTransport maps a transport-level failure to an Error
func classifyTransport(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("connect: %w", err)}
}
