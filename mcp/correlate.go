package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const defaultRetainLines = 200

// ErrNoMatch is returned when the line stream ends before a reply to the
// pending request appears.
var ErrNoMatch = errors.New("mcp: stream ended without a matching response")

// NoMatchError carries the lines that were scanned before EOF.
type NoMatchError struct {
	ID    int64
	Lines []string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("mcp: no response for id %d in %d line(s)", e.ID, len(e.Lines))
}

func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoMatch
}

// LineSource yields raw output lines one at a time. Next returns io.EOF once
// the stream is exhausted and the context error when ctx ends first.
type LineSource interface {
	Next(ctx context.Context) (string, error)
}

// Correlator scans a line stream for the reply to one pending request.
type Correlator struct {
	// Logger receives orphan and malformed-line diagnostics at debug level.
	Logger *slog.Logger
	// RetainLines bounds how many scanned lines are kept for NoMatchError.
	RetainLines int
}

// Await consumes lines until the first response carrying id. Malformed
// lines, notifications and responses to other ids are skipped; the first
// match wins and nothing after it is read.
func (c *Correlator) Await(ctx context.Context, src LineSource, id int64) (Message, error) {
	logger := slog.Default()
	retain := defaultRetainLines
	if c != nil {
		if c.Logger != nil {
			logger = c.Logger
		}
		if c.RetainLines > 0 {
			retain = c.RetainLines
		}
	}

	var scanned []string
	for {
		line, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Message{}, &NoMatchError{ID: id, Lines: scanned}
			}
			return Message{}, err
		}
		if len(scanned) < retain {
			scanned = append(scanned, line)
		}

		message, err := DecodeLine([]byte(line))
		if err != nil {
			if len(line) > 0 {
				logger.Debug("skipping malformed line", "pending_id", id, "error", err)
			}
			continue
		}

		if message.Kind() != KindResponse {
			logger.Debug("skipping non-response message", "pending_id", id, "kind", message.Kind(), "method", message.Method)
			continue
		}
		if !message.HasID(id) {
			logger.Debug("skipping orphan response", "pending_id", id, "id", *message.ID)
			continue
		}
		return message, nil
	}
}

// Match scans a finite list of lines and returns the first reply to id.
func Match(lines []string, id int64) (Message, bool) {
	var c Correlator
	message, err := c.Await(context.Background(), NewSliceSource(lines), id)
	if err != nil {
		return Message{}, false
	}
	return message, true
}
