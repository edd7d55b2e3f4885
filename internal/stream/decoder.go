package stream

import (
	"encoding/json"
	"strings"
)

// DoneSentinel terminates a stream.
const DoneSentinel = "[DONE]"

// EventType identifies a decoded protocol event.
type EventType int

const (
	EventDelta EventType = iota
	EventTitle
	EventUpstreamError
	EventDone
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventTitle:
		return "title"
	case EventUpstreamError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one typed signal carried by a frame. Text holds the delta, the title or
// the upstream error message depending on Type.
type Event struct {
	Type EventType
	Text string
}

// Payload is the structured frame body.
type Payload struct {
	Text  string `json:"text,omitempty"`
	Title string `json:"title,omitempty"`
	Error string `json:"error,omitempty"`
}

// Decode interprets one frame payload. Malformed payloads yield no events: keepalive
// and partial frames are expected noise on this protocol. A payload may carry more
// than one signal; they are returned in text, title, error order.
func Decode(payload string) []Event {
	if strings.TrimSpace(payload) == DoneSentinel {
		return []Event{{Type: EventDone}}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil
	}
	var events []Event
	if text, ok := stringField(fields, "text"); ok {
		events = append(events, Event{Type: EventDelta, Text: text})
	}
	if title, ok := stringField(fields, "title"); ok && title != "" {
		events = append(events, Event{Type: EventTitle, Text: title})
	}
	if msg, ok := stringField(fields, "error"); ok && msg != "" {
		events = append(events, Event{Type: EventUpstreamError, Text: msg})
	}
	return events
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
