package mcp

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestMessageKind(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{line: `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, want: KindRequest},
		{line: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, want: KindNotification},
		{line: `{"jsonrpc":"2.0","id":1,"result":{}}`, want: KindResponse},
		{line: `{"jsonrpc":"2.0","id":1,"result":null}`, want: KindResponse},
		{line: `{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"x"}}`, want: KindResponse},
		{line: `{"jsonrpc":"2.0","id":1}`, want: KindInvalid},
		{line: `{"level":"info","msg":"listening"}`, want: KindInvalid},
	}
	for _, tt := range tests {
		message, err := DecodeLine([]byte(tt.line))
		if err != nil {
			t.Fatalf("DecodeLine(%s) error = %v", tt.line, err)
		}
		if got := message.Kind(); got != tt.want {
			t.Fatalf("Kind(%s) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestDecodeLineRejectsNonObjects(t *testing.T) {
	for _, line := range []string{"", "   ", "[1]", "42", "hello", `{"id":`} {
		if _, err := DecodeLine([]byte(line)); err == nil {
			t.Fatalf("DecodeLine(%q) error = nil, want error", line)
		}
	}
}

func TestEncodeLineWireShapes(t *testing.T) {
	init, err := NewRequest(1, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "mcpcheck", Version: "dev"},
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	line, err := EncodeLine(init)
	if err != nil {
		t.Fatalf("EncodeLine() error = %v", err)
	}
	want := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"mcpcheck","version":"dev"}}}` + "\n"
	if string(line) != want {
		t.Fatalf("initialize line = %s\nwant %s", line, want)
	}

	notify, err := NewNotification(MethodInitialized, nil)
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	line, err = EncodeLine(notify)
	if err != nil {
		t.Fatalf("EncodeLine() error = %v", err)
	}
	if string(line) != `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n" {
		t.Fatalf("initialized line = %s", line)
	}
}

func TestLineReaderSplitsAndEnds(t *testing.T) {
	lr := NewLineReader(strings.NewReader("one\r\ntwo\n\nthree"), 0)
	defer lr.Stop()

	var got []string
	for {
		line, err := lr.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, line)
	}
	want := []string{"one", "two", "", "three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", got, want)
	}
}

func TestLineReaderTruncatesOversizedLines(t *testing.T) {
	input := strings.Repeat("x", 100) + "\n" + `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"
	lr := NewLineReader(strings.NewReader(input), 64)
	defer lr.Stop()

	first, err := lr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("first line length = %d, want 64", len(first))
	}
	second, err := lr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if _, err := DecodeLine([]byte(second)); err != nil {
		t.Fatalf("second line should still decode: %v", err)
	}
}

func TestLineReaderHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	lr := NewLineReader(pr, 0)
	defer lr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := lr.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next() error = %v, want deadline exceeded", err)
	}
}
