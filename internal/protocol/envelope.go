package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// JSON-RPC error codes. Business failures never use these: they travel
// inside a successful tool result with isError set.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternal       = mcp.INTERNAL_ERROR
	CodeUnauthorized   = -32001
	CodeNotFound       = mcp.RESOURCE_NOT_FOUND
)

// Request is one protocol request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *mcp.RequestId  `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return strings.HasPrefix(r.Method, "notifications/")
}

func (r *Request) requestID() mcp.RequestId {
	if r.ID == nil {
		return nullID()
	}
	return *r.ID
}

func nullID() mcp.RequestId { return mcp.NewRequestId(nil) }

// rpcError is a protocol-level failure carried to the envelope writer.
type rpcError struct {
	code    int
	message string
	data    any
}

func (e *rpcError) Error() string { return e.message }

func newRPCError(code int, message string) *rpcError {
	return &rpcError{code: code, message: message}
}

var errBatchUnsupported = newRPCError(CodeInvalidRequest, "batch requests are not supported")

// decodeRequest parses and validates an envelope. It never touches state.
func decodeRequest(body []byte) (*Request, *rpcError) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, newRPCError(CodeInvalidRequest, "empty request body")
	}
	if trimmed[0] == '[' {
		return nil, errBatchUnsupported
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) || !json.Valid(trimmed) {
			return nil, newRPCError(CodeParseError, "parse error: "+err.Error())
		}
		return nil, newRPCError(CodeInvalidRequest, "invalid request: "+err.Error())
	}
	if req.JSONRPC != mcp.JSONRPC_VERSION {
		return &req, newRPCError(CodeInvalidRequest, `invalid request: jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return &req, newRPCError(CodeInvalidRequest, "invalid request: method is required")
	}
	if req.ID == nil && !req.IsNotification() {
		return &req, newRPCError(CodeInvalidRequest, "invalid request: id is required")
	}
	return &req, nil
}

// decodeParams unmarshals params keeping numbers exact.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func resultResponse(id mcp.RequestId, result any) mcp.JSONRPCResponse {
	return mcp.NewJSONRPCResultResponse(id, result)
}

func errorResponse(id mcp.RequestId, e *rpcError) mcp.JSONRPCError {
	return mcp.NewJSONRPCError(id, e.code, e.message, e.data)
}
