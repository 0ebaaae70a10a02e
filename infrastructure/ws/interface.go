package ws

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrMissingUserId = errors.New("user id is required to connect")
)

// IChannel is one persistent connection for one user. Outbound commands are
// fire-and-forget: delivery is only ever observed through a later inbound
// event. Emit on a disconnected channel is logged and dropped.
type IChannel interface {
	Connect(ctx context.Context, userId string) error
	Disconnect()
	Emit(command string, payload any)
	Events() <-chan Envelope
	Status() <-chan bool
	IsConnected() bool
}

// Envelope is the wire frame for both directions: a named event and its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
