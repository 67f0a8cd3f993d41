package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Body is the decoded reply of a tool call. It is a closed union:
// EmptyBody, RawBody, ContentBody or OpaqueBody.
type Body interface {
	// Value returns the body in a JSON-encodable form for diagnostics.
	Value() any
	// ErrorFlag returns the body's self-reported error flag, nil when absent.
	ErrorFlag() *bool

	isBody()
}

// EmptyBody is a reply with no bytes.
type EmptyBody struct{}

// RawBody is a reply that did not parse as JSON.
type RawBody struct {
	Text string
}

// ContentBody is an object whose content list starts with a text item.
type ContentBody struct {
	Object map[string]any
	Text   string
}

// OpaqueBody is any other JSON value.
type OpaqueBody struct {
	Data any
}

func (EmptyBody) Value() any { return nil }

func (EmptyBody) ErrorFlag() *bool { return nil }

func (EmptyBody) isBody() {}

func (b RawBody) Value() any { return map[string]any{"raw": b.Text} }

func (RawBody) ErrorFlag() *bool { return nil }

func (RawBody) isBody() {}

func (b ContentBody) Value() any { return b.Object }

func (b ContentBody) ErrorFlag() *bool { return errorFlag(b.Object) }

func (ContentBody) isBody() {}

func (b OpaqueBody) Value() any { return b.Data }

func (b OpaqueBody) ErrorFlag() *bool {
	obj, ok := b.Data.(map[string]any)
	if !ok {
		return nil
	}
	return errorFlag(obj)
}

func (OpaqueBody) isBody() {}

// ClassifyJSON decodes raw reply bytes into a Body.
func ClassifyJSON(data []byte) Body {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return EmptyBody{}
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil || decoder.More() {
		return RawBody{Text: string(data)}
	}
	return ClassifyValue(value)
}

// ClassifyValue dispatches an already decoded JSON value.
func ClassifyValue(value any) Body {
	if value == nil {
		return EmptyBody{}
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return OpaqueBody{Data: value}
	}
	content, ok := obj["content"].([]any)
	if !ok || len(content) == 0 {
		return OpaqueBody{Data: value}
	}
	first, ok := content[0].(map[string]any)
	if !ok {
		return OpaqueBody{Data: value}
	}
	text, ok := first["text"].(string)
	if !ok {
		return OpaqueBody{Data: value}
	}
	return ContentBody{Object: obj, Text: text}
}

// Preview returns at most maxLen runes describing the body: the first
// content item's text when there is one, otherwise a compact JSON dump
// (or the raw text for non-JSON replies).
func Preview(body Body, maxLen int) string {
	switch b := body.(type) {
	case ContentBody:
		return truncate(b.Text, maxLen)
	case RawBody:
		return truncate(b.Text, maxLen)
	case OpaqueBody:
		return truncate(dump(b.Data), maxLen)
	default:
		return ""
	}
}

// ConsolePreview flattens newlines and bounds the text for one-line output.
func ConsolePreview(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	return truncate(flat, ConsolePreviewLen)
}

func previewFor(body Body) string {
	if _, ok := body.(ContentBody); ok {
		return Preview(body, ContentPreviewLen)
	}
	return Preview(body, RawPreviewLen)
}

func errorFlag(obj map[string]any) *bool {
	for _, key := range []string{"is_error", "isError"} {
		if flag, ok := obj[key].(bool); ok {
			return Bool(flag)
		}
	}
	return nil
}

func dump(v any) string {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == maxLen {
			return s[:i]
		}
		count++
	}
	return s
}
