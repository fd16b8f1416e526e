// Package protocol defines the tagged JSON envelopes multiplexed over the
// shared socket, and the payload of every tag.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event tags. Call signaling and chat share one connection.
const (
	EventOutgoingCall   = "outgoing_call"
	EventIncomingCall   = "incoming_call"
	EventAcceptCall     = "accept_call"
	EventCallAccepted   = "call_accepted"
	EventDeclineCall    = "decline_call"
	EventCallDeclined   = "call_declined"
	EventCancelCall     = "cancel_call"
	EventEndCall        = "end_call"
	EventTherapyMessage = "therapy_message"
	EventChatDelivery   = "messageTherapis"
)

// CallEvents are the tags a call state machine consumes.
var CallEvents = []string{
	EventIncomingCall,
	EventCallAccepted,
	EventCallDeclined,
	EventCancelCall,
	EventEndCall,
}

var (
	ErrMalformed  = errors.New("malformed envelope")
	ErrEmptyEvent = errors.New("envelope without event tag")
	ErrNoData     = errors.New("envelope without data")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is one unit on the wire: {"event": tag, "data": payload}.
// Data stays raw until the component owning the tag binds it.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Quoted marshals V as a JSON string holding V's JSON encoding.
// The chat backend expects therapy_message data in that form.
type Quoted struct {
	V any
}

func (q Quoted) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(q.V)
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

// Encode serializes an event tag and its payload.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: payload}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

// Decode parses a raw frame into an envelope without touching the payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}

// Bind decodes the payload into v and validates its struct tags.
// A payload sent as a JSON string is unwrapped first.
func (e Envelope) Bind(v any) error {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%s: %w", e.Event, ErrNoData)
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
		}
		data = []byte(inner)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	return nil
}
