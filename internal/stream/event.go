package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Marker prefixes every event line.
const Marker = "data: "

// Type discriminates the events of a scrape stream.
type Type string

const (
	TypeStatus   Type = "status"
	TypeResult   Type = "result"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

var (
	// ErrNoMarker is returned for lines that do not carry an event.
	ErrNoMarker = errors.New("line has no data marker")
	// ErrMalformed is returned when the payload after the marker is not valid JSON
	// or does not match the shape of its type.
	ErrMalformed = errors.New("malformed event payload")
	// ErrUnknownType is returned for well-formed payloads with an unrecognised type.
	ErrUnknownType = errors.New("unknown event type")
)

// Event is one parsed unit of the scrape stream. The concrete type is one of
// *Status, *Result, *Complete or *Failure.
type Event interface {
	EventType() Type
}

// Status reports scan progress without producing a record.
type Status struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Message    string `json:"message"`
	TotalFound int    `json:"totalFound"`
}

// Business is the record payload of a result event.
type Business struct {
	BusinessName string `json:"businessName"`
	Website      string `json:"website,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// Result carries one scraped business.
type Result struct {
	Data       Business `json:"data"`
	Current    int      `json:"current"`
	Total      int      `json:"total"`
	TotalFound int      `json:"totalFound"`
}

// Complete terminates a successful stream.
type Complete struct {
	Count      int `json:"count"`
	TotalFound int `json:"totalFound"`
}

// Failure terminates a stream with a server-side error.
type Failure struct {
	Message string `json:"error"`
}

func (*Status) EventType() Type   { return TypeStatus }
func (*Result) EventType() Type   { return TypeResult }
func (*Complete) EventType() Type { return TypeComplete }
func (*Failure) EventType() Type  { return TypeError }

// ParseLine interprets one decoded line. Lines without Marker return
// ErrNoMarker; bad JSON returns an error wrapping ErrMalformed; an unknown
// type returns an error wrapping ErrUnknownType.
func ParseLine(line string) (Event, error) {
	payload, ok := strings.CutPrefix(line, Marker)
	if !ok {
		return nil, ErrNoMarker
	}

	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Event
	switch envelope.Type {
	case TypeStatus:
		ev = &Status{}
	case TypeResult:
		ev = &Result{}
	case TypeComplete:
		ev = &Complete{}
	case TypeError:
		ev = &Failure{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal([]byte(payload), ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, envelope.Type, err)
	}
	return ev, nil
}

// Format renders ev as a complete stream line including Marker and the
// trailing newline.
func Format(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reshape %s: %w", ev.EventType(), err)
	}
	fields["type"], _ = json.Marshal(ev.EventType())

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}

	line := make([]byte, 0, len(Marker)+len(body)+1)
	line = append(line, Marker...)
	line = append(line, body...)
	return append(line, '\n'), nil
}
