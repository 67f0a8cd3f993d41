// Package transport carries tool invocations to the server under test over
// either subprocess stdio or HTTP and normalizes every outcome into an
// envelope. Failures never escape as errors from Call; they become envelope
// statuses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/petal-labs/mcpcheck/envelope"
	"github.com/petal-labs/mcpcheck/mcp"
)

// Transport opens sessions against one server endpoint.
type Transport interface {
	// Name is the transport kind, "http" or "stdio".
	Name() string
	// Endpoint describes where the server lives (base URL or command line).
	Endpoint() string
	// Open starts a session. For stdio this spawns a fresh process.
	Open(ctx context.Context) (Session, error)
	// Health probes the server once without retry.
	Health(ctx context.Context, timeout time.Duration) ProbeResult
}

// Session exchanges invocations with one server instance.
type Session interface {
	Call(ctx context.Context, inv envelope.Invocation, timeout time.Duration) envelope.Envelope
	ListTools(ctx context.Context, timeout time.Duration) ToolListing
	Close(ctx context.Context) error
}

// Breakable is implemented by sessions that stop accepting calls after a
// failure, such as a stdio session whose process was killed on timeout.
type Breakable interface {
	Broken() bool
}

// IsBroken reports whether session can no longer carry calls.
func IsBroken(session Session) bool {
	b, ok := session.(Breakable)
	return ok && b.Broken()
}

// ProbeResult is the outcome of a health probe.
type ProbeResult struct {
	OK         bool
	HTTPStatus *int
	Latency    time.Duration
	Err        error
	Body       string
}

// ToolListing is the outcome of a tool registry probe.
type ToolListing struct {
	HTTPStatus *int
	Latency    time.Duration
	Err        error
	// Names lists the registered tools; nil when the reply was unparseable.
	Names []string
}

// Count returns the number of registered tools, or nil when unknown.
func (l ToolListing) Count() *int {
	if l.Names == nil {
		return nil
	}
	return envelope.Int(len(l.Names))
}

// Error classes. Use errors.Is against these to classify an *Error.
var (
	ErrTransport     = errors.New("transport failure")
	ErrTimeout       = errors.New("timeout")
	ErrProtocol      = errors.New("protocol error")
	ErrSessionClosed = errors.New("session is closed")
)

// Error is a classified transport failure.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the class and the cause to errors.Is/errors.As.
func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify maps a failure to its error class.
func classify(err error) error {
	var netErr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	case errors.Is(err, ErrProtocol), errors.Is(err, mcp.ErrNoMatch):
		return ErrProtocol
	default:
		return ErrTransport
	}
}

// StatusFor maps a failure to the envelope status it produces.
func StatusFor(err error) envelope.Status {
	switch classify(err) {
	case nil:
		return envelope.StatusOK
	case ErrTimeout:
		return envelope.StatusTimeout
	case ErrProtocol:
		return envelope.StatusUnparseable
	default:
		return envelope.StatusTransportError
	}
}
