package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrCanceled is returned when an exchange is aborted by its deadline, the shutdown signal or its parent context.
	ErrCanceled = errors.New("exchange: canceled")
	// ErrTimeout is the cancellation cause when an exchange deadline elapses.
	ErrTimeout = fmt.Errorf("%w: deadline exceeded", ErrCanceled)
	// ErrShutdown is the cancellation cause when the process is shutting down.
	ErrShutdown = fmt.Errorf("%w: shutting down", ErrCanceled)

	// ErrProtocol is returned when the peer violates the message framing.
	ErrProtocol = errors.New("exchange: protocol violation")
	// ErrConnClosed is returned when the connection closes before the final fragment of a message.
	ErrConnClosed = fmt.Errorf("%w: connection closed mid-message", ErrProtocol)
	// ErrMessageTooLarge is returned when a message exceeds the read limit.
	ErrMessageTooLarge = fmt.Errorf("%w: message exceeds size limit", ErrProtocol)

	// ErrParse is matched by every *ParseError.
	ErrParse = errors.New("exchange: invalid JSON")

	// ErrInvariant indicates a programming error, such as a nil Value inside a tree.
	ErrInvariant = errors.New("exchange: internal invariant violated")
	// ErrUnsupportedValue is returned when encoding a value JSON cannot represent, like NaN.
	ErrUnsupportedValue = errors.New("exchange: unsupported value")

	// ErrAlreadyResponded is returned when Respond is called more than once on an exchange.
	ErrAlreadyResponded = errors.New("exchange: already responded")
)

var newlineFlattener = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// ParseError is returned when text cannot be parsed as JSON.
type ParseError struct {
	// Text is the offending text with newlines flattened so it fits on one log line.
	Text string
	Err  error
}

func newParseError(text string, err error) *ParseError {
	return &ParseError{Text: newlineFlattener.Replace(text), Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("exchange: parsing JSON %q: %s", e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// canceledError builds the error returned when ctx fired mid-operation.
// The cause is preserved so callers can tell a timeout from a shutdown.
func canceledError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	if errors.Is(cause, ErrCanceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// Error ids used in error envelopes.
const (
	IDCanceled     = "canceled"
	IDShutdown     = "shutting_down"
	IDTooLarge     = "message_too_large"
	IDConnClosed   = "connection_closed"
	IDInvalidJSON  = "invalid_json"
	IDInternal     = "internal_error"
	IDBadRequest   = "bad_request"
	IDNotFound     = "not_found"
	IDEmptyRequest = "empty_request"
)

// ErrorID classifies err into a stable error id for an error envelope.
func ErrorID(err error) string {
	switch {
	case errors.Is(err, ErrShutdown):
		return IDShutdown
	case errors.Is(err, ErrCanceled):
		return IDCanceled
	case errors.Is(err, ErrMessageTooLarge):
		return IDTooLarge
	case errors.Is(err, ErrConnClosed):
		return IDConnClosed
	case errors.Is(err, ErrParse):
		return IDInvalidJSON
	default:
		return IDInternal
	}
}

// HTTPStatus picks the HTTP status code used when err is reported over plain HTTP.
func HTTPStatus(err error) int {
	switch ErrorID(err) {
	case IDShutdown:
		return http.StatusServiceUnavailable
	case IDCanceled:
		return http.StatusRequestTimeout
	case IDTooLarge:
		return http.StatusRequestEntityTooLarge
	case IDConnClosed, IDInvalidJSON:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
