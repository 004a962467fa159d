package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec converts envelopes to and from wire frames.
type Codec interface {
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// JSONCodec implements Codec with encoding/json. It is human readable, which
// matters because the usual remote context is a browser script.
type JSONCodec struct {
	// MaxSize rejects frames larger than this many bytes; zero disables the check.
	MaxSize int
}

func (c JSONCodec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if c.MaxSize > 0 && len(data) > c.MaxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), c.MaxSize)
	}
	return data, nil
}

func (c JSONCodec) Decode(data []byte) (Envelope, error) {
	if c.MaxSize > 0 && len(data) > c.MaxSize {
		return Envelope{}, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), c.MaxSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
