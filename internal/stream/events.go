// Package stream decodes the agent's line-delimited JSON output into
// typed events and defines the message format sent back on stdin.
package stream

import (
	"encoding/json"
	"time"
)

// Kind identifies which payload field of an Event is populated.
type Kind string

const (
	KindInit             Kind = "init"
	KindText             Kind = "text"
	KindToolUse          Kind = "tool_use"
	KindToolResult       Kind = "tool_result"
	KindPermissionDenial Kind = "permission_denial"
	KindTurnResult       Kind = "turn_result"

	// Synthesized by the session layer, never produced by the decoder.
	KindCancelled Kind = "cancelled"
	KindError     Kind = "error"
	KindClosed    Kind = "closed"
)

// Event is a single typed event from the agent stream. Exactly one
// payload pointer is non-nil, selected by Kind (Cancelled carries none).
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Init       *Init             `json:"init,omitempty"`
	Text       *Text             `json:"text,omitempty"`
	ToolUse    *ToolUse          `json:"toolUse,omitempty"`
	ToolResult *ToolResult       `json:"toolResult,omitempty"`
	Denial     *PermissionDenial `json:"denial,omitempty"`
	TurnResult *TurnResult       `json:"turnResult,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
	Closed     *Closed           `json:"closed,omitempty"`
}

// Init announces the session id assigned by the agent process.
type Init struct {
	SessionID string `json:"sessionId"`
}

// Text is one assistant text block.
type Text struct {
	Content string `json:"content"`
}

// ToolUse is one requested tool invocation.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult carries the outcome of an earlier tool invocation. Content
// is kept opaque; the wire format allows strings or block arrays.
type ToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	IsError   bool            `json:"isError"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// PermissionDenial reports a tool invocation that was disallowed during
// the turn. Denials always precede their turn's TurnResult event.
type PermissionDenial struct {
	ToolName  string          `json:"toolName"`
	ToolUseID string          `json:"toolUseId"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// TurnResult terminates a turn.
type TurnResult struct {
	IsError    bool  `json:"isError"`
	DurationMS int64 `json:"durationMs"`
}

// ErrorInfo reports an asynchronous backing-process failure.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Closed reports that the backing process exited.
type Closed struct {
	Code int `json:"code"`
}

// UserMessage is the stream-json record written to the agent's stdin
// for each outbound turn.
type UserMessage struct {
	Type    string             `json:"type"`
	Message UserMessageContent `json:"message"`
}

type UserMessageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage wraps plain text in the user-message envelope.
func NewUserMessage(content string) UserMessage {
	return UserMessage{
		Type: "user",
		Message: UserMessageContent{
			Role:    "user",
			Content: content,
		},
	}
}

func newEvent(kind Kind) Event {
	return Event{Kind: kind, Timestamp: time.Now().UTC()}
}

// NewCancelled builds the session-layer cancellation notification.
func NewCancelled() Event {
	return newEvent(KindCancelled)
}

// NewError builds the session-layer failure notification.
func NewError(message string) Event {
	ev := newEvent(KindError)
	ev.Error = &ErrorInfo{Message: message}
	return ev
}

// NewClosed builds the session-layer process-exit notification.
func NewClosed(code int) Event {
	ev := newEvent(KindClosed)
	ev.Closed = &Closed{Code: code}
	return ev
}
