// Package jsonrpc defines the JSON-RPC 2.0 envelope types exchanged with
// MCP clients and downstream servers, plus the error codes the proxy emits.
package jsonrpc

import "encoding/json"

// Version is the protocol version carried in every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes, plus the proxy's consent extension.
const (
	// CodeInvalidRequest indicates a malformed request envelope.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates an unsupported method name.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates missing or malformed parameters.
	CodeInvalidParams = -32602

	// CodeInternalError indicates a server-side failure, including
	// downstream transport failures.
	CodeInternalError = -32603

	// CodeConsentRequired is the non-standard code returned when a tool
	// call is denied pending user consent. The error data carries the
	// denial reason and, when available, an authorization URL.
	CodeConsentRequired = -32001
)

// Request is an inbound or forwarded JSON-RPC request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewResult builds a success response with the given result payload.
// Marshal failures are reported as an internal error response so callers
// always receive a well-formed envelope.
func NewResult(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternalError, "failed to encode result", nil)
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  raw,
	}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string, data map[string]any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// IsConsentRequired reports whether the response is a consent-required
// denial.
func (r *Response) IsConsentRequired() bool {
	return r.Error != nil && r.Error.Code == CodeConsentRequired
}
