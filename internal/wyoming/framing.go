package wyoming

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame size limits, checked before anything is allocated for a frame.
const (
	MaxHeaderLength  = 64 << 10
	MaxDataLength    = 1 << 20
	MaxPayloadLength = 16 << 20
)

// ErrFrameTooLarge marks a frame whose header announces more than the limits
// allow. It also matches ErrMalformedEvent.
var ErrFrameTooLarge = errors.New("frame too large")

// header is the JSON line that starts every frame. Older peers put the data mapping
// inline instead of sending a separate data block; both are accepted on read.
type header struct {
	Type          string         `json:"type"`
	Version       string         `json:"version,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	DataLength    int            `json:"data_length,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
}

// Marshal encodes an event as one complete frame:
// header line, optional JSON data block, optional binary payload.
func Marshal(ev Event) ([]byte, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: empty event type", ErrMalformedEvent)
	}

	h := header{Type: ev.Type, Version: Version}

	var data []byte
	if len(ev.Data) > 0 {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", ev.Type, err)
		}
		h.DataLength = len(data)
	}
	h.PayloadLength = len(ev.Payload)

	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s header: %w", ev.Type, err)
	}

	frame := make([]byte, 0, len(line)+1+len(data)+len(ev.Payload))
	frame = append(frame, line...)
	frame = append(frame, '\n')
	frame = append(frame, data...)
	frame = append(frame, ev.Payload...)
	return frame, nil
}

// WriteEvent writes one frame with a single Write call, so frames written from
// different goroutines to the same net.Conn never interleave.
func WriteEvent(w io.Writer, ev Event) error {
	frame, err := Marshal(ev)
	if err != nil {
		return err
	}

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", ev.Type, err)
	}
	return nil
}

// ReadEvent reads exactly one frame. The whole frame is consumed before any JSON is
// parsed, so a malformed event leaves the stream aligned on the next frame.
func ReadEvent(r *bufio.Reader) (Event, error) {
	line, err := readHeaderLine(r)
	if err != nil {
		return Event{}, err
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, fmt.Errorf("%w: invalid header: %v", ErrMalformedEvent, err)
	}
	if h.DataLength < 0 || h.PayloadLength < 0 {
		return Event{}, fmt.Errorf("%w: negative length in header", ErrMalformedEvent)
	}
	if h.DataLength > MaxDataLength {
		return Event{}, fmt.Errorf("%w: %w", ErrFrameTooLarge,
			Malformed(h.Type, "data_length %d exceeds limit %d", h.DataLength, MaxDataLength))
	}
	if h.PayloadLength > MaxPayloadLength {
		return Event{}, fmt.Errorf("%w: %w", ErrFrameTooLarge,
			Malformed(h.Type, "payload_length %d exceeds limit %d", h.PayloadLength, MaxPayloadLength))
	}

	var dataBlock []byte
	if h.DataLength > 0 {
		dataBlock = make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, dataBlock); err != nil {
			return Event{}, closedOr(err)
		}
	}

	var payload []byte
	if h.PayloadLength > 0 {
		payload = make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Event{}, closedOr(err)
		}
	}

	if h.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	data := h.Data
	if len(dataBlock) > 0 {
		var block map[string]any
		if err := json.Unmarshal(dataBlock, &block); err != nil {
			return Event{}, Malformed(h.Type, "invalid data block: %v", err)
		}
		if data == nil {
			data = block
		} else {
			for k, v := range block {
				data[k] = v
			}
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	return Event{Type: h.Type, Data: data, Payload: payload}, nil
}

func readHeaderLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		part, err := r.ReadSlice('\n')
		line = append(line, part...)
		if len(line) > MaxHeaderLength {
			return nil, fmt.Errorf("%w: %w: header line exceeds %d bytes", ErrFrameTooLarge, ErrMalformedEvent, MaxHeaderLength)
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, closedOr(err)
		}
	}
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}
