package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrPeerClosed       = errors.New("peer is closed")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrUnexpectedReply  = errors.New("reply for unknown call")
	ErrNoCallHandler    = errors.New("no call handler installed")
	ErrCompletionFailed = errors.New("completion failed")
)

// RemoteError is a failure reported by the remote context in a reply.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Op == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote %s: %s", e.Op, e.Message)
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
