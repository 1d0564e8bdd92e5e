// Package wyoming implements the Wyoming event protocol spoken by voice satellites:
// the Event value, its wire framing, and the protocol-standard event kinds used by the
// bridge (audio streaming, satellite control, pipeline runs).
package wyoming

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Version is advertised in the header of every frame we write.
const Version = "1.5.4"

var (
	// ErrMalformedEvent is returned when a frame or an event's data cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrConnectionClosed is returned when the peer closes the stream.
	ErrConnectionClosed = errors.New("connection closed")
)

// Event is the wire unit of the protocol: a type tag, a structured data mapping and an
// optional binary payload. Events are treated as immutable once built.
type Event struct {
	Type    string
	Data    map[string]any
	Payload []byte
}

// New builds an event with the given type and data.
func New(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data}
}

// Is reports whether the event carries the given type tag.
func (e Event) Is(eventType string) bool {
	return e.Type == eventType
}

// Clone returns a copy whose data map and payload do not alias the original.
func (e Event) Clone() Event {
	out := Event{Type: e.Type}
	if e.Data != nil {
		out.Data = maps.Clone(e.Data)
	}
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	return out
}

func (e Event) String() string {
	return fmt.Sprintf("%s (data=%d keys, payload=%d bytes)", e.Type, len(e.Data), len(e.Payload))
}

// Malformed wraps a decode failure for the given event type.
func Malformed(eventType, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, eventType, fmt.Sprintf(format, args...))
}

// IntField reads an integer from event data. JSON numbers arrive as float64.
func IntField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// StringField reads a string from event data.
func StringField(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}

// BoolField reads a bool from event data.
func BoolField(data map[string]any, key string) (bool, bool) {
	v, ok := data[key].(bool)
	return v, ok
}

// MapField reads a nested mapping from event data.
func MapField(data map[string]any, key string) (map[string]any, bool) {
	v, ok := data[key].(map[string]any)
	return v, ok
}
