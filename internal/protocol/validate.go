package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionSend:   true,
	TypeSessionCancel: true,
	TypeSessionReset:  true,
	TypeSessionResume: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	switch msg.Type {
	case TypeSessionSend:
		var p SessionSendPayload
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field for %s", msg.Type)
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s payload", msg.Type)
		}

	case TypeSessionResume:
		var p SessionResumePayload
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field for %s", msg.Type)
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" && p.GraphID == "" {
			return nil, fmt.Errorf("%s payload needs 'sessionId' or 'graphId'", msg.Type)
		}

		// session.cancel and session.reset carry no payload.
	}

	return &msg, nil
}
