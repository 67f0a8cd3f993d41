package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIsSuccess(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want bool
	}{
		{name: "ok without flag", env: Envelope{Status: StatusOK}, want: true},
		{name: "ok with false flag", env: Envelope{Status: StatusOK, IsError: Bool(false)}, want: true},
		{name: "ok with true flag", env: Envelope{Status: StatusOK, IsError: Bool(true)}, want: false},
		{name: "http error", env: Envelope{Status: StatusHTTPError}, want: false},
		{name: "transport error", env: Envelope{Status: StatusTransportError}, want: false},
		{name: "timeout", env: Envelope{Status: StatusTimeout, IsError: Bool(false)}, want: false},
		{name: "unparseable", env: Envelope{Status: StatusUnparseable}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSuccess(tt.env); got != tt.want {
				t.Fatalf("IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyJSON(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "empty", data: "  \n", want: "envelope.EmptyBody"},
		{name: "not json", data: "<html>502</html>", want: "envelope.RawBody"},
		{name: "trailing garbage", data: `{"a":1} x`, want: "envelope.RawBody"},
		{name: "content", data: `{"content":[{"type":"text","text":"hi"}]}`, want: "envelope.ContentBody"},
		{name: "content without text", data: `{"content":[{"type":"image"}]}`, want: "envelope.OpaqueBody"},
		{name: "content not a list", data: `{"content":"hi"}`, want: "envelope.OpaqueBody"},
		{name: "empty content", data: `{"content":[]}`, want: "envelope.OpaqueBody"},
		{name: "array", data: `[1,2]`, want: "envelope.OpaqueBody"},
		{name: "null", data: `null`, want: "envelope.EmptyBody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := typeName(ClassifyJSON([]byte(tt.data)))
			if got != tt.want {
				t.Fatalf("ClassifyJSON(%q) = %s, want %s", tt.data, got, tt.want)
			}
		})
	}
}

func TestPreviewUsesFirstContentText(t *testing.T) {
	body := ClassifyJSON([]byte(`{"is_error":false,"content":[{"text":"first"},{"text":"second"}]}`))
	if got := Preview(body, 100); got != "first" {
		t.Fatalf("Preview() = %q, want first", got)
	}
	if got := Preview(body, 3); got != "fir" {
		t.Fatalf("Preview(3) = %q, want fir", got)
	}
}

func TestPreviewFallsBackToJSONDump(t *testing.T) {
	body := ClassifyJSON([]byte(`{"error": "Unknown tool: nope", "url": "a&b"}`))
	got := Preview(body, 1000)
	if got != `{"error":"Unknown tool: nope","url":"a&b"}` {
		t.Fatalf("Preview() = %q", got)
	}
	if got := Preview(body, 5); got != `{"err` {
		t.Fatalf("Preview(5) = %q", got)
	}
}

func TestPreviewCountsRunes(t *testing.T) {
	body := ContentBody{Text: "héllo wörld"}
	if got := Preview(body, 4); got != "héll" {
		t.Fatalf("Preview() = %q, want héll", got)
	}
}

func TestFromBodyReadsErrorFlagBothSpellings(t *testing.T) {
	snake := FromBody(ClassifyJSON([]byte(`{"is_error":true,"content":[{"text":"boom"}]}`)), time.Second)
	if snake.IsError == nil || !*snake.IsError {
		t.Fatalf("snake IsError = %v, want true", snake.IsError)
	}
	camel := FromBody(ClassifyJSON([]byte(`{"isError":true,"content":[{"text":"boom"}]}`)), time.Second)
	if camel.IsError == nil || !*camel.IsError {
		t.Fatalf("camel IsError = %v, want true", camel.IsError)
	}
	none := FromBody(ClassifyJSON([]byte(`{"content":[{"text":"fine"}]}`)), time.Second)
	if none.IsError != nil {
		t.Fatalf("IsError = %v, want nil", *none.IsError)
	}
	if !IsSuccess(none) {
		t.Fatal("envelope without flag should be a success")
	}
}

func TestFromBodyRawFallback(t *testing.T) {
	long := strings.Repeat("x", RawPreviewLen+50)
	env := FromBody(ClassifyJSON([]byte(long)), 0)
	if len(env.Preview) != RawPreviewLen {
		t.Fatalf("preview length = %d, want %d", len(env.Preview), RawPreviewLen)
	}
	raw, ok := env.Raw.(map[string]any)
	if !ok || raw["raw"] != long {
		t.Fatalf("Raw = %#v, want raw wrapper", env.Raw)
	}
}

func TestConsolePreviewFlattensWhitespace(t *testing.T) {
	got := ConsolePreview("line one\n\n  line\ttwo")
	if got != "line one line two" {
		t.Fatalf("ConsolePreview() = %q", got)
	}
}

func TestInvocationCloneIsDeep(t *testing.T) {
	original := Invocation{
		Name: "scrape_batch",
		Arguments: map[string]any{
			"urls":    []any{"https://example.com"},
			"options": map[string]any{"depth": 1},
		},
	}
	clone := original.Clone()
	clone.Arguments["urls"].([]any)[0] = "changed"
	clone.Arguments["options"].(map[string]any)["depth"] = 2

	if original.Arguments["urls"].([]any)[0] != "https://example.com" {
		t.Fatal("clone shares the urls slice")
	}
	if original.Arguments["options"].(map[string]any)["depth"] != 1 {
		t.Fatal("clone shares the options map")
	}
}

func TestErrorText(t *testing.T) {
	if got := (Envelope{}).ErrorText(); got != nil {
		t.Fatalf("ErrorText() = %q, want nil", *got)
	}
	env := Failed(StatusTransportError, errors.New("connection refused"), time.Millisecond)
	if got := env.ErrorText(); got == nil || *got != "connection refused" {
		t.Fatalf("ErrorText() = %v", got)
	}
}

func typeName(b Body) string {
	switch b.(type) {
	case EmptyBody:
		return "envelope.EmptyBody"
	case RawBody:
		return "envelope.RawBody"
	case ContentBody:
		return "envelope.ContentBody"
	case OpaqueBody:
		return "envelope.OpaqueBody"
	default:
		return "unknown"
	}
}
