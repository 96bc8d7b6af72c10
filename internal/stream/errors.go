package stream

import (
	"errors"
	"fmt"
)

// ErrReconnectExhausted is reported once the retry budget is spent. Only an
// explicit Connect leaves this state.
var ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")

// TransportError wraps a failure of the underlying WebSocket.
type TransportError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
