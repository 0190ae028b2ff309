// Package protocol defines the WebSocket message envelope shared by
// the server and the dashboard client.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"mindgraph/internal/stream"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types. Agent stream events map to
// "session.<kind>"; the rest are server-level notifications.
const (
	TypeSessionState = "session.state"
	TypeGraphUpdated = "graph.updated"
	TypeError        = "error"

	sessionEventPrefix = "session."
)

// Client → Server message types.
const (
	TypeSessionSend   = "session.send"
	TypeSessionCancel = "session.cancel"
	TypeSessionReset  = "session.reset"
	TypeSessionResume = "session.resume"
)

// Error codes.
const (
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrNotReady        = "SESSION_NOT_READY"
	ErrTurnInProgress  = "TURN_IN_PROGRESS"
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrInternal        = "INTERNAL"
)

// Server → Client payloads.

// SessionStatePayload mirrors the session snapshot.
type SessionStatePayload struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	GraphID      string    `json:"graphId,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// GraphUpdatedPayload lists graphs whose export files changed on disk.
type GraphUpdatedPayload struct {
	Graphs []string `json:"graphs"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionSendPayload struct {
	Content string `json:"content"`
}

type SessionResumePayload struct {
	SessionID string `json:"sessionId"`
	GraphID   string `json:"graphId,omitempty"`
}

// EventMessage wraps one agent stream event. The envelope type encodes
// the event kind ("session.text", "session.turn_result", ...) so
// clients can route without opening the payload.
func EventMessage(ev stream.Event) (*Message, error) {
	return NewMessage(sessionEventPrefix+string(ev.Kind), ev)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
