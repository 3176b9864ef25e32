package core

import (
	"encoding/json"
	"fmt"
)

// Event is the envelope of every frame exchanged with a client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data}
}

func (e Event) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return b, nil
}

// Inbound is a decoded client frame whose data is parsed by the handler for its type.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
