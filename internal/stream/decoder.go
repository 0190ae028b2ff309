package stream

import (
	"bytes"
	"encoding/json"
)

// Wire discriminants for the agent's stream-json output.
const (
	recordTypeSystem    = "system"
	recordTypeAssistant = "assistant"
	recordTypeUser      = "user"
	recordTypeResult    = "result"

	subtypeInit    = "init"
	subtypeSuccess = "success"

	blockTypeText       = "text"
	blockTypeToolUse    = "tool_use"
	blockTypeToolResult = "tool_result"
)

// wireRecord is the superset envelope for one output line.
type wireRecord struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype"`
	SessionID string       `json:"session_id"`
	Message   *wireMessage `json:"message"`

	// Result fields.
	IsError           bool         `json:"is_error"`
	DurationMS        int64        `json:"duration_ms"`
	PermissionDenials []wireDenial `json:"permission_denials"`
}

type wireMessage struct {
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text"`

	// tool_use blocks
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

type wireDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// Decoder turns raw chunks of the agent's output stream into events.
// Chunks may contain multiple newline-delimited records and a partial
// trailing record, which is buffered until its newline arrives.
//
// Lines that are not JSON are dropped without comment: the agent shares
// its stdout with banners and stray diagnostics. Valid JSON that matches
// no known discriminant is reported through OnUnknown (if set) so that
// protocol drift is observable without polluting the event stream.
type Decoder struct {
	rest []byte

	// OnUnknown, if non-nil, receives each well-formed JSON line whose
	// type field matched no known record.
	OnUnknown func(line []byte)
}

// Feed appends chunk to the buffered remainder and returns the events
// decoded from every complete line.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.rest = append(d.rest, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.rest, '\n')
		if i < 0 {
			return events
		}
		line := d.rest[:i]
		d.rest = d.rest[i+1:]
		events = append(events, d.DecodeLine(line)...)
	}
}

// DecodeLine classifies a single complete line. It returns zero events
// for noise, and may return several for records that carry multiple
// content blocks or denials.
func (d *Decoder) DecodeLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil // transport noise
	}

	switch rec.Type {
	case recordTypeSystem:
		if rec.Subtype != subtypeInit {
			return nil
		}
		ev := newEvent(KindInit)
		ev.Init = &Init{SessionID: rec.SessionID}
		return []Event{ev}

	case recordTypeAssistant:
		return decodeAssistant(rec.Message)

	case recordTypeUser:
		return decodeToolResults(rec.Message)

	case recordTypeResult:
		return decodeResult(rec)
	}

	if d.OnUnknown != nil {
		d.OnUnknown(line)
	}
	return nil
}

// decodeAssistant emits one event per content block, preserving array
// order; text and tool_use blocks interleave within a single record.
func decodeAssistant(msg *wireMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		switch block.Type {
		case blockTypeText:
			ev := newEvent(KindText)
			ev.Text = &Text{Content: block.Text}
			events = append(events, ev)
		case blockTypeToolUse:
			ev := newEvent(KindToolUse)
			ev.ToolUse = &ToolUse{ID: block.ID, Name: block.Name, Input: block.Input}
			events = append(events, ev)
		}
	}
	return events
}

func decodeToolResults(msg *wireMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		if block.Type != blockTypeToolResult {
			continue
		}
		ev := newEvent(KindToolResult)
		ev.ToolResult = &ToolResult{
			ToolUseID: block.ToolUseID,
			IsError:   block.IsError,
			Content:   block.Content,
		}
		events = append(events, ev)
	}
	return events
}

// decodeResult emits denials in list order before the terminating
// TurnResult: the result event is the synchronization point that
// releases the next turn, so everything describing this turn must
// precede it.
func decodeResult(rec wireRecord) []Event {
	events := make([]Event, 0, len(rec.PermissionDenials)+1)
	for _, denial := range rec.PermissionDenials {
		ev := newEvent(KindPermissionDenial)
		ev.Denial = &PermissionDenial{
			ToolName:  denial.ToolName,
			ToolUseID: denial.ToolUseID,
			Input:     denial.ToolInput,
		}
		events = append(events, ev)
	}

	ev := newEvent(KindTurnResult)
	ev.TurnResult = &TurnResult{
		IsError:    rec.IsError || rec.Subtype != subtypeSuccess,
		DurationMS: rec.DurationMS,
	}
	return append(events, ev)
}
