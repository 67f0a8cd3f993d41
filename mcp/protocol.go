// Package mcp holds the JSON-RPC 2.0 wire types spoken to an MCP server over
// newline-delimited stdio, and the correlation engine that picks the reply
// to a pending request out of intermixed server output.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	jsonRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision announced during initialize.
	ProtocolVersion = "2024-11-05"

	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// Kind classifies a Message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
	KindInvalid      Kind = "invalid"
)

// Message is a JSON-RPC 2.0 envelope. A nil ID means the message carries no
// usable identifier (notifications, log lines, non-numeric ids).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports which variant of the JSON-RPC union the message is.
func (m Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// HasID reports whether the message carries exactly the given id.
func (m Message) HasID(id int64) bool {
	return m.ID != nil && *m.ID == id
}

// NewRequest builds a request message.
func NewRequest(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: jsonRPCVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message (no id, no reply).
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: jsonRPCVersion, Method: method, Params: raw}, nil
}

// EncodeLine serializes a message as one newline-terminated line.
func EncodeLine(message Message) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one output line. Lines that are not JSON objects are an
// error; callers scanning a stream skip them.
func DecodeLine(line []byte) (Message, error) {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errors.New("mcp: line is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Message{}, fmt.Errorf("mcp: decode line: %w", err)
	}
	return Message{
		JSONRPC: wire.JSONRPC,
		ID:      parseID(wire.ID),
		Method:  wire.Method,
		Params:  wire.Params,
		Result:  wire.Result,
		Error:   wire.Error,
	}, nil
}

func parseID(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// ClientInfo identifies the harness when opening an MCP session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent in the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is returned by the initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	} `json:"serverInfo"`
}

// Tool describes one entry of a tools/list result.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolsListResult is returned by tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams is sent in a tools/call request.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode params: %w", err)
	}
	return data, nil
}
