package backend

import (
	"time"

	"github.com/perchworks/perch/pkg/types"
)

// The backend speaks snake_case JSON, but long-running flags and
// timestamps show up in camelCase from older servers. Both spellings
// are accepted; snake_case wins when both are present.

// SendResult is the backend's answer to a send_message call
type SendResult struct {
	MessageID   string
	Disposition string // "accepted" or "queued"
}

type wireSession struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Status            string        `json:"status"`
	ParentID          string        `json:"parent_id"`
	Project           string        `json:"project"`
	Branch            string        `json:"branch"`
	CostUSD           float64       `json:"cost_usd"`
	Tokens            int64         `json:"tokens"`
	CreatedAt         *int64        `json:"created_at"`
	CreatedAtCamel    *int64        `json:"createdAt"`
	LastActivity      *int64        `json:"last_activity"`
	LastActivityCamel *int64        `json:"lastActivity"`
	LongRunning       *bool         `json:"long_running"`
	LongRunningCamel  *bool         `json:"longRunning"`
	Messages          []wireMessage `json:"messages"`
}

type wireMessage struct {
	ID           string            `json:"id"`
	Timestamp    int64             `json:"timestamp"`
	Role         string            `json:"role"`
	Type         string            `json:"type"`
	Content      string            `json:"content"`
	Parts        []wirePart        `json:"parts"`
	CostUSD      float64           `json:"cost_usd"`
	Tokens       int64             `json:"tokens"`
	ToolName     string            `json:"tool_name"`
	ToolArgs     map[string]string `json:"tool_args"`
	PermissionID string            `json:"permission_id"`
}

type wirePart struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Title  string `json:"title"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

type wireSendResult struct {
	MessageID string `json:"message_id"`
	Result    string `json:"result"`
	Error     string `json:"error"`
}

func pickMillis(snake, camel *int64) time.Time {
	switch {
	case snake != nil:
		return time.UnixMilli(*snake)
	case camel != nil:
		return time.UnixMilli(*camel)
	default:
		return time.Time{}
	}
}

func pickBool(snake, camel *bool) bool {
	switch {
	case snake != nil:
		return *snake
	case camel != nil:
		return *camel
	default:
		return false
	}
}

// parseSessionStatus accepts internal status names directly and maps
// backend runtime tags otherwise.
func parseSessionStatus(s string) types.SessionStatus {
	switch status := types.SessionStatus(s); status {
	case types.StatusIdle, types.StatusBusy, types.StatusWaitingForPermission,
		types.StatusCompleted, types.StatusError, types.StatusAborted:
		return status
	}
	return types.MapStatusTag(s)
}

func (w wireSession) toSummary() types.SessionSummary {
	return types.SessionSummary{
		ID:           w.ID,
		Name:         w.Name,
		Status:       parseSessionStatus(w.Status),
		CreatedAt:    pickMillis(w.CreatedAt, w.CreatedAtCamel),
		LastActivity: pickMillis(w.LastActivity, w.LastActivityCamel),
		LongRunning:  pickBool(w.LongRunning, w.LongRunningCamel),
		ParentID:     w.ParentID,
		Project:      w.Project,
		Branch:       w.Branch,
		CostUSD:      w.CostUSD,
		Tokens:       w.Tokens,
	}
}

func (w wireSession) toSession(serverID string) *types.Session {
	s := &types.Session{
		ID:           w.ID,
		ServerID:     serverID,
		Name:         w.Name,
		Status:       parseSessionStatus(w.Status),
		CreatedAt:    pickMillis(w.CreatedAt, w.CreatedAtCamel),
		LastActivity: pickMillis(w.LastActivity, w.LastActivityCamel),
		LongRunning:  pickBool(w.LongRunning, w.LongRunningCamel),
		ParentID:     w.ParentID,
		Project:      w.Project,
		Branch:       w.Branch,
		CostUSD:      w.CostUSD,
		Tokens:       w.Tokens,
	}
	for _, m := range w.Messages {
		s.Messages = append(s.Messages, m.toMessage(w.ID))
	}
	return s
}

func (w wireMessage) toMessage(sessionID string) *types.Message {
	msg := &types.Message{
		ID:        w.ID,
		SessionID: sessionID,
		Timestamp: time.UnixMilli(w.Timestamp),
		Role:      types.MessageRole(w.Role),
		Type:      types.MessageType(w.Type),
		Content:   w.Content,
	}
	for _, p := range w.Parts {
		msg.Parts = append(msg.Parts, &types.MessagePart{
			Type:       types.PartType(p.Type),
			Text:       p.Text,
			ToolName:   p.Tool,
			ToolStatus: types.ToolPartStatus(p.Status),
			ToolTitle:  p.Title,
			ToolInput:  p.Input,
			ToolOutput: p.Output,
		})
	}
	if w.CostUSD != 0 || w.Tokens != 0 || w.ToolName != "" || len(w.ToolArgs) > 0 || w.PermissionID != "" {
		msg.Meta = &types.MessageMeta{
			CostUSD:      w.CostUSD,
			Tokens:       w.Tokens,
			ToolName:     w.ToolName,
			ToolArgs:     w.ToolArgs,
			PermissionID: w.PermissionID,
		}
	}
	return msg
}
