package realtime

import (
	"encoding/json"
	"fmt"
)

// Event types the service itself produces or reacts to.
const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventResponseDone   = "response.done"
	EventAudioAppend    = "input_audio_buffer.append"
	EventResponseCreate = "response.create"
	EventError          = "error"

	OutputFunctionCall = "function_call"
)

// Event is one realtime event.  Only the fields the service acts on are
// decoded; Raw keeps the event exactly as it was received or built.
type Event struct {
	Type     string
	EventID  string
	Response *ResponseBody
	Raw      json.RawMessage
}

type ResponseBody struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output,omitempty"`
}

// OutputItem is one entry of response.output.  For function calls Arguments
// holds the JSON-encoded argument object as a string.
type OutputItem struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type eventHeader struct {
	Type     string        `json:"type"`
	EventID  string        `json:"event_id,omitempty"`
	Response *ResponseBody `json:"response,omitempty"`
}

// DecodeEvent parses one frame.  The frame must be a JSON object with a type.
func DecodeEvent(data []byte) (Event, error) {
	var h eventHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if h.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Event{Type: h.Type, EventID: h.EventID, Response: h.Response, Raw: raw}, nil
}

// NewEvent builds an event of the given type from extra top-level fields.
func NewEvent(typ string, fields map[string]any) Event {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["type"] = typ
	raw, _ := json.Marshal(body)
	ev, _ := DecodeEvent(raw)
	return ev
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(eventHeader{Type: e.Type, EventID: e.EventID, Response: e.Response})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// FunctionCalls returns the function_call outputs of a response.done event.
func (e Event) FunctionCalls() []OutputItem {
	if e.Type != EventResponseDone || e.Response == nil {
		return nil
	}
	var calls []OutputItem
	for _, item := range e.Response.Output {
		if item.Type == OutputFunctionCall {
			calls = append(calls, item)
		}
	}
	return calls
}
