package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EnvelopeKind discriminates the three message shapes on the wire.
type EnvelopeKind string

const (
	KindCall  EnvelopeKind = "call"
	KindReply EnvelopeKind = "reply"
	KindEvent EnvelopeKind = "event"
)

// Envelope is the single wire message type.
//
// Calls flow local -> remote and carry (op, map, layer, payload, token?,
// handle?). Replies flow back correlated by ReplyTo and may carry a handle.
// Events flow remote -> local and carry (token, name, payload).
type Envelope struct {
	Kind    EnvelopeKind    `json:"kind"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Op      string          `json:"op,omitempty"`
	Map     string          `json:"map,omitempty"`
	Layer   string          `json:"layer,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`
	Handle  string          `json:"handle,omitempty"`
	Name    string          `json:"name,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewCall builds a call envelope with a fresh message ID.
func NewCall(op, mapID string) Envelope {
	return Envelope{
		Kind: KindCall,
		ID:   uuid.NewString(),
		Op:   op,
		Map:  mapID,
	}
}

// NewEvent builds an event envelope addressed to a callback token.
func NewEvent(token, name string, payload json.RawMessage) Envelope {
	return Envelope{
		Kind:    KindEvent,
		Token:   token,
		Name:    name,
		Payload: payload,
	}
}

// ReplyFor answers call with an optional handle and result.
func ReplyFor(call Envelope, handle string, result json.RawMessage) Envelope {
	return Envelope{
		Kind:    KindReply,
		ReplyTo: call.ID,
		Op:      call.Op,
		Handle:  handle,
		Payload: result,
	}
}

// FailureFor answers call with an error.
func FailureFor(call Envelope, err error) Envelope {
	return Envelope{
		Kind:    KindReply,
		ReplyTo: call.ID,
		Op:      call.Op,
		Error:   err.Error(),
	}
}

// WithPayload marshals v into the payload.
func (e Envelope) WithPayload(v any) (Envelope, error) {
	if v == nil {
		return e, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		e.Payload = raw
		return e, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return e, fmt.Errorf("marshal %s payload: %w", e.Op, err)
	}
	e.Payload = raw
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidEnvelope, e.Op)
	}
	return json.Unmarshal(e.Payload, v)
}

// Validate checks the fields each kind requires.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindCall:
		if e.ID == "" || e.Op == "" {
			return fmt.Errorf("%w: call needs id and op", ErrInvalidEnvelope)
		}
	case KindReply:
		if e.ReplyTo == "" {
			return fmt.Errorf("%w: reply needs reply_to", ErrInvalidEnvelope)
		}
	case KindEvent:
		if e.Token == "" || e.Name == "" {
			return fmt.Errorf("%w: event needs token and name", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Failed reports whether a reply carries an error, returning it as a
// RemoteError.
func (e Envelope) Failed() error {
	if e.Kind != KindReply || e.Error == "" {
		return nil
	}
	return &RemoteError{Op: e.Op, Message: e.Error}
}
