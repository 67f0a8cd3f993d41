// Package envelope defines the normalized shapes shared by every transport:
// the tool invocation sent to the server and the result envelope built from
// its reply. The pass/fail rule and the preview rule live here so stdio and
// HTTP results are judged identically.
package envelope

import (
	"encoding/json"
	"time"
)

// Status is the transport-level outcome of one invocation.
type Status string

const (
	StatusOK             Status = "ok"
	StatusHTTPError      Status = "http_error"
	StatusTransportError Status = "transport_error"
	StatusTimeout        Status = "timeout"
	StatusUnparseable    Status = "unparseable"
)

// Preview bounds used by the report and the console.
const (
	ContentPreviewLen = 1200
	RawPreviewLen     = 1000
	ConsolePreviewLen = 120
)

// Invocation is one named tool call with literal arguments.
type Invocation struct {
	Name      string         `json:"name" yaml:"name"`
	Arguments map[string]any `json:"arguments" yaml:"arguments"`
}

// Clone returns a deep copy so callers can never mutate the case table.
func (i Invocation) Clone() Invocation {
	return Invocation{
		Name:      i.Name,
		Arguments: cloneMap(i.Arguments),
	}
}

// MarshalJSON always emits an object for arguments, never null.
func (i Invocation) MarshalJSON() ([]byte, error) {
	args := i.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal(struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{Name: i.Name, Arguments: args})
}

// Envelope is the normalized result of one invocation, regardless of transport.
type Envelope struct {
	Status  Status
	IsError *bool
	Preview string
	Latency time.Duration

	// HTTPStatus is set only when an HTTP response was received.
	HTTPStatus *int
	// Err describes a transport-level failure.
	Err error
	// Raw is the parsed body retained for diagnostics.
	Raw any
}

// IsSuccess reports whether the envelope counts as a pass: the transport
// returned ok and the server did not flag its own reply as an error.
func IsSuccess(env Envelope) bool {
	if env.Status != StatusOK {
		return false
	}
	return env.IsError == nil || !*env.IsError
}

// ErrorText returns the transport error message or nil.
func (e Envelope) ErrorText() *string {
	if e.Err == nil {
		return nil
	}
	msg := e.Err.Error()
	return &msg
}

// FromBody builds an ok envelope from a decoded body, reading the body's own
// error flag and computing the preview.
func FromBody(body Body, latency time.Duration) Envelope {
	return Envelope{
		Status:  StatusOK,
		IsError: body.ErrorFlag(),
		Preview: previewFor(body),
		Latency: latency,
		Raw:     body.Value(),
	}
}

// Failed builds an envelope for a failure that produced no usable body.
func Failed(status Status, err error, latency time.Duration) Envelope {
	return Envelope{
		Status:  status,
		Err:     err,
		Latency: latency,
	}
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
