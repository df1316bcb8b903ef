package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/perchworks/perch/pkg/metrics"
	"github.com/perchworks/perch/pkg/types"
)

// Event kinds on the backend event stream. Anything else is ignored.
const (
	EventSessionStatus     = "session.status"
	EventMessageUpdated    = "message.updated"
	EventPermissionUpdated = "permission.updated"
)

// maxEventLine bounds one SSE line read
const maxEventLine = 1024 * 1024

// wireStreamEvent is the superset payload of all three event kinds
type wireStreamEvent struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
	MessageID    string `json:"message_id"`
	Role         string `json:"role"`
	MessageType  string `json:"message_type"`
	Content      string `json:"content"`
	PermissionID string `json:"permission_id"`
	ToolName     string `json:"tool_name"`
	Description  string `json:"description"`
}

// DecodeEvent translates one wire event into an internal update.
// Unknown kinds decode to (nil, nil): ignored, not failed.
func DecodeEvent(kind string, data []byte) (types.Update, error) {
	switch kind {
	case EventSessionStatus, EventMessageUpdated, EventPermissionUpdated:
	default:
		return nil, nil
	}

	var w wireStreamEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	if w.SessionID == "" {
		return nil, fmt.Errorf("%s event missing session_id", kind)
	}

	switch kind {
	case EventSessionStatus:
		return types.SessionUpdate{
			SessionID:  w.SessionID,
			NewStatus:  parseSessionStatus(w.Status),
			ObservedAt: eventTime(w.Timestamp),
		}, nil
	case EventMessageUpdated:
		if w.MessageID == "" {
			return nil, fmt.Errorf("message.updated event missing message_id")
		}
		return types.MessageArrived{
			SessionID: w.SessionID,
			MessageID: w.MessageID,
			Timestamp: eventTime(w.Timestamp),
			Role:      types.MessageRole(w.Role),
			Type:      types.MessageType(w.MessageType),
			Content:   w.Content,
		}, nil
	default:
		return types.PermissionRequested{
			SessionID:    w.SessionID,
			PermissionID: w.PermissionID,
			ToolName:     w.ToolName,
			Description:  w.Description,
		}, nil
	}
}

func eventTime(millis int64) time.Time {
	if millis == 0 {
		return time.Now()
	}
	return time.UnixMilli(millis)
}

// Subscribe opens the long-lived event stream and invokes onEvent for
// every decoded event until the stream terminates or ctx is cancelled.
// onConnect fires once the server has accepted the stream. Undecodable
// events are logged and skipped; unknown kinds are skipped silently.
func (c *Client) Subscribe(ctx context.Context, onConnect func(), onEvent func(types.Update)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: "subscribe", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return classifyTransport("subscribe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus("subscribe", resp.StatusCode)
	}

	if onConnect != nil {
		onConnect()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var kind string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.dispatchFrame(kind, data.String(), onEvent)
			kind = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	// A trailing frame without a blank line still counts.
	c.dispatchFrame(kind, data.String(), onEvent)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return &Error{Kind: KindNetwork, Op: "subscribe", Err: err}
	}
	return &Error{Kind: KindNetwork, Op: "subscribe", Err: fmt.Errorf("stream closed by server")}
}

func (c *Client) dispatchFrame(kind, data string, onEvent func(types.Update)) {
	if kind == "" || data == "" {
		return
	}
	update, err := DecodeEvent(kind, []byte(data))
	if err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Msg("Skipping undecodable event")
		return
	}
	if update == nil {
		return
	}
	metrics.StreamEventsTotal.WithLabelValues(kind).Inc()
	onEvent(update)
}
