package courier

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Request when no complete response arrives
	// before the deadline.
	ErrTimeout = errors.New("courier: request timed out")

	// ErrUnauthenticated indicates a missing or invalid service token. With the
	// default DropOnAuthFailure policy callers never see it; the request times
	// out instead.
	ErrUnauthenticated = errors.New("courier: unauthenticated")

	// ErrSigningUnavailable is returned when the token service cannot sign an
	// outbound subject. Nothing is sent in that case.
	ErrSigningUnavailable = errors.New("courier: signing unavailable")

	// ErrIncompleteMessage is returned by Join when chunks are missing.
	ErrIncompleteMessage = errors.New("courier: incomplete message")

	// ErrDuplicateCorrelation is returned when a correlation id is registered
	// twice.
	ErrDuplicateCorrelation = errors.New("courier: duplicate correlation id")

	ErrMalformedEnvelope  = errors.New("courier: malformed envelope")
	ErrChunkCountMismatch = errors.New("courier: chunk count mismatch")

	// ErrChannelClosed is returned by operations on a stopped channel, and is
	// used to reject requests still pending when Stop gives up waiting.
	ErrChannelClosed = errors.New("courier: channel closed")

	// ErrNoResponders is returned by transports when a request has no
	// subscriber. Channel.Request turns it into a Reply with NoResponders set.
	ErrNoResponders = errors.New("courier: no responders")
)

// TransportError wraps a failure reported by the underlying transport while
// sending a message.
type TransportError struct {
	Subject string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("courier: transport error on %s: %v", e.Subject, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Remote error codes carried in response frames.
const (
	CodeHandlerError    = "handler_error"
	CodeHandlerPanic    = "handler_panic"
	CodeUnauthenticated = "unauthenticated"
	CodeBadPayload      = "bad_payload"
)

// RemoteError is a failure reported by the responder's handler. It is carried
// back as data inside the response rather than as a protocol fault.
type RemoteError struct {
	Subject string `msgpack:"subject"`
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("courier: remote error from %s (%s): %s", e.Subject, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrUnauthenticated) match a remote rejection issued
// under the RejectOnAuthFailure policy.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnauthenticated && e.Code == CodeUnauthenticated
}

// NewRemoteError can be returned from a handler to control the code sent back
// to the caller. Any other error is reported with CodeHandlerError.
func NewRemoteError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}
