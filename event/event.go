// Package event defines the change events broadcast to observers and their wire codec.
//
// On the wire each event is one JSON object followed by a newline:
//
//	{"type":"add","data":{"id":1,"name":"A","parent":null}}
//	{"type":"update","data":{"id":1,"name":"B","parent":null}}
//	{"type":"remove","id":1}
//	{"type":"error","message":"subscriber too slow"}
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jacentio/canopy/store"
)

// ErrInvalid is returned for events that are malformed for their type.
var ErrInvalid = errors.New("canopy: invalid event")

// Type tags an Event.
type Type string

const (
	TypeAdd    Type = "add"
	TypeUpdate Type = "update"
	TypeRemove Type = "remove"
	TypeError  Type = "error"
)

// Event describes one mutation, or a stream error.
// Data is set for add and update, ID for remove, Message for error.
type Event struct {
	Type    Type        `json:"type"`
	Data    *store.Item `json:"data,omitempty"`
	ID      *int64      `json:"id,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Added returns the event for a created item.
func Added(item store.Item) Event {
	item = item.Clone()
	return Event{Type: TypeAdd, Data: &item}
}

// Updated returns the event for a renamed or moved item.
func Updated(item store.Item) Event {
	item = item.Clone()
	return Event{Type: TypeUpdate, Data: &item}
}

// Removed returns the event for a deleted item.
func Removed(id int64) Event {
	return Event{Type: TypeRemove, ID: &id}
}

// Error returns a stream error event.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

// ItemID returns the id the event refers to, if any.
func (e Event) ItemID() (int64, bool) {
	switch {
	case e.Data != nil:
		return e.Data.ID, true
	case e.ID != nil:
		return *e.ID, true
	}
	return 0, false
}

// Validate reports whether e carries the payload its type requires.
func (e Event) Validate() error {
	switch e.Type {
	case TypeAdd, TypeUpdate:
		if e.Data == nil {
			return fmt.Errorf("%w: %s without data", ErrInvalid, e.Type)
		}
	case TypeRemove:
		if e.ID == nil {
			return fmt.Errorf("%w: remove without id", ErrInvalid)
		}
	case TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, e.Type)
	}
	return nil
}

// Marshal encodes e as one newline-terminated JSON object.
func Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes and validates a single event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Decoder reads a stream of events. Chunk and frame boundaries do not matter.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Event, error) {
	var e Event
	if err := d.dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
