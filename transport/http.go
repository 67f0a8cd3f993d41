package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/mcpcheck/envelope"
)

const (
	PathCall   = "/mcp/call"
	PathTools  = "/mcp/tools"
	PathHealth = "/health"

	healthBodyLen = 500
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	BaseURL string
	Headers map[string]string
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPTransport talks JSON over HTTP to the server's REST facade. It holds
// no connection state; every session shares one http.Client.
type HTTPTransport struct {
	cfg  HTTPConfig
	base string
}

// NewHTTPTransport validates the base URL and returns a transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("transport: http base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url %q: %w", base, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url %q must be http or https", base)
	}
	if cfg.Client == nil {
		cfg.Client = newHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPTransport{cfg: cfg, base: base}, nil
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Endpoint() string { return t.base }

// Open returns a session; no connection is made until the first request.
func (t *HTTPTransport) Open(ctx context.Context) (Session, error) {
	return &httpSession{transport: t}, nil
}

// Health issues GET /health once.
func (t *HTTPTransport) Health(ctx context.Context, timeout time.Duration) ProbeResult {
	result := t.get(ctx, PathHealth, timeout)
	probe := ProbeResult{
		HTTPStatus: result.status,
		Latency:    result.latency,
		Err:        result.err,
		Body:       truncateRunes(string(result.body), healthBodyLen),
	}
	probe.OK = probe.Err == nil
	return probe
}

type httpSession struct {
	transport *HTTPTransport
}

// Call posts {name, arguments} to /mcp/call. For a non-2xx reply an explicit
// error flag in a parseable body wins; otherwise the HTTP status decides. A
// 2xx reply must carry JSON or it is unparseable.
func (s *httpSession) Call(ctx context.Context, inv envelope.Invocation, timeout time.Duration) envelope.Envelope {
	t := s.transport
	start := time.Now()

	payload, err := json.Marshal(inv)
	if err != nil {
		return envelope.Failed(envelope.StatusTransportError, newError(ErrTransport, "encode request", err), time.Since(start))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.base+PathCall, bytes.NewReader(payload))
	if err != nil {
		return envelope.Failed(envelope.StatusTransportError, newError(ErrTransport, "build request", err), time.Since(start))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		failure := newError(classify(err), "POST "+PathCall, err)
		return envelope.Failed(StatusFor(failure), failure, time.Since(start))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		failure := newError(classify(err), "read response", err)
		env := envelope.Failed(StatusFor(failure), failure, time.Since(start))
		env.HTTPStatus = envelope.Int(resp.StatusCode)
		return env
	}

	body := envelope.ClassifyJSON(data)
	env := envelope.FromBody(body, time.Since(start))
	env.HTTPStatus = envelope.Int(resp.StatusCode)
	switch {
	case !isSuccessStatus(resp.StatusCode):
		if body.ErrorFlag() == nil {
			env.Status = envelope.StatusHTTPError
			env.Err = fmt.Errorf("transport: %s returned status %d", PathCall, resp.StatusCode)
		}
	case isUndecodable(body):
		env.Status = envelope.StatusUnparseable
		env.Err = newError(ErrProtocol, "decode "+PathCall, fmt.Errorf("status %d with no JSON body", resp.StatusCode))
	}

	t.cfg.Logger.Debug("http call finished",
		"tool", inv.Name,
		"http_status", resp.StatusCode,
		"status", env.Status,
		"latency", env.Latency,
	)
	return env
}

// ListTools issues GET /mcp/tools and reads the tools array.
func (s *httpSession) ListTools(ctx context.Context, timeout time.Duration) ToolListing {
	result := s.transport.get(ctx, PathTools, timeout)
	listing := ToolListing{
		HTTPStatus: result.status,
		Latency:    result.latency,
		Err:        result.err,
	}
	if result.err != nil || len(result.body) == 0 {
		return listing
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(result.body, &object); err != nil || object == nil {
		return listing
	}
	// An object with no tools key is an empty registry.
	var tools []struct {
		Name string `json:"name"`
	}
	if raw, ok := object["tools"]; ok {
		if err := json.Unmarshal(raw, &tools); err != nil {
			return listing
		}
	}
	listing.Names = make([]string, 0, len(tools))
	for _, tool := range tools {
		listing.Names = append(listing.Names, tool.Name)
	}
	return listing
}

func (s *httpSession) Close(ctx context.Context) error {
	return nil
}

type getResult struct {
	status  *int
	latency time.Duration
	body    []byte
	err     error
}

func (t *HTTPTransport) get(ctx context.Context, path string, timeout time.Duration) getResult {
	start := time.Now()
	getCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(getCtx, http.MethodGet, t.base+path, nil)
	if err != nil {
		return getResult{latency: time.Since(start), err: newError(ErrTransport, "build request", err)}
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return getResult{latency: time.Since(start), err: newError(classify(err), "GET "+path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	result := getResult{
		status:  envelope.Int(resp.StatusCode),
		latency: time.Since(start),
		body:    data,
	}
	switch {
	case err != nil:
		result.err = newError(classify(err), "read "+path, err)
	case !isSuccessStatus(resp.StatusCode):
		result.err = fmt.Errorf("transport: %s returned status %d", path, resp.StatusCode)
	}
	return result
}

// isUndecodable reports whether body holds no JSON value at all.
func isUndecodable(body envelope.Body) bool {
	switch body.(type) {
	case envelope.EmptyBody, envelope.RawBody:
		return true
	}
	return false
}

func isSuccessStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func truncateRunes(s string, maxLen int) string {
	count := 0
	for i := range s {
		if count == maxLen {
			return s[:i]
		}
		count++
	}
	return s
}
