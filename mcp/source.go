package mcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// DefaultMaxLineBytes caps one buffered output line; the excess is dropped
// and the truncated line fails to parse, so it is skipped like any corrupt line.
const DefaultMaxLineBytes = 32 << 20

// SliceSource replays a fixed list of lines.
type SliceSource struct {
	lines []string
	pos   int
}

// NewSliceSource returns a source over lines.
func NewSliceSource(lines []string) *SliceSource {
	return &SliceSource{lines: lines}
}

// Next returns the next line or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.lines) {
		return "", io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	return line, nil
}

// LineReader splits a stream into lines on a background goroutine so that
// reads can be abandoned when a context ends. It has exactly one consumer.
type LineReader struct {
	lines chan string
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// NewLineReader starts reading r. The goroutine exits when r returns an
// error or EOF, which happens when the owning process pipe is closed.
func NewLineReader(r io.Reader, maxLineBytes int) *LineReader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	lr := &LineReader{
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go lr.readLoop(bufio.NewReader(r), maxLineBytes)
	return lr
}

func (lr *LineReader) readLoop(reader *bufio.Reader, maxLineBytes int) {
	defer close(lr.lines)
	for {
		line, err := readLine(reader, maxLineBytes)
		if line != "" || err == nil {
			select {
			case lr.lines <- line:
			case <-lr.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lr.mu.Lock()
				lr.err = err
				lr.mu.Unlock()
			}
			return
		}
	}
}

// Next returns the next line, io.EOF at the end of the stream, the read
// error if the stream failed, or the context error.
func (lr *LineReader) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if ok {
			return line, nil
		}
		lr.mu.Lock()
		err := lr.err
		lr.mu.Unlock()
		if err != nil {
			return "", err
		}
		return "", io.EOF
	}
}

// Stop releases the reader goroutine if it is blocked handing over a line.
func (lr *LineReader) Stop() {
	select {
	case <-lr.done:
	default:
		close(lr.done)
	}
}

func readLine(reader *bufio.Reader, maxLineBytes int) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if len(chunk) > 0 && sb.Len() < maxLineBytes {
			room := maxLineBytes - sb.Len()
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if err != nil {
			return sb.String(), err
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
