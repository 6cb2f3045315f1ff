package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors. Request- and run-level failures are returned to the
// specific caller; transport-level failures drive reconnection instead and
// never surface per-call.
var (
	// ErrNotConnected is returned when a send is attempted while the
	// connection is down.
	ErrNotConnected = errors.New("not connected to gateway")

	// ErrRequestTimeout is returned when no response arrives within the
	// request deadline. A response arriving afterwards is ignored.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRunTimeout is returned when a run reaches no terminal lifecycle
	// phase within the run deadline.
	ErrRunTimeout = errors.New("agent run timed out")

	// ErrClientClosed is returned for operations on an explicitly
	// disconnected client.
	ErrClientClosed = errors.New("gateway client closed")
)

// TransportError wraps a socket-level failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError reports a protocol or auth rejection during connect.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("handshake rejected [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("handshake rejected: %s", e.Message)
}

// RequestError reports a non-ok response, carrying the server-supplied
// error code and message.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request failed [%s]: %s", e.Method, e.Code, e.Message)
}

// RunError reports a run that settled with a lifecycle error phase.
type RunError struct {
	RunID   string
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent run %s failed: %s", e.RunID, e.Message)
}
