package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentgate/internal/apperr"
)

// successResult wraps a handler value as {"success": true, ...fields}.
// Non-object values land under "result".
func successResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}

	payload := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		payload = map[string]any{"result": json.RawMessage(raw)}
	}
	payload["success"] = true
	return toolResult(payload, false)
}

// failureResult renders a business error as
// {"success": false, "error": {"code", "message"}, ...details}.
func failureResult(code apperr.Code, message string, details map[string]any) *mcp.CallToolResult {
	payload := make(map[string]any, len(details)+2)
	for k, v := range details {
		payload[k] = v
	}
	payload["success"] = false
	payload["error"] = map[string]any{"code": code, "message": message}

	res, err := toolResult(payload, true)
	if err != nil {
		// details were not encodable; keep the code and message.
		res, _ = toolResult(map[string]any{
			"success": false,
			"error":   map[string]any{"code": code, "message": message},
		}, true)
	}
	return res
}

func toolResult(payload map[string]any, isError bool) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(text))},
		StructuredContent: payload,
		IsError:           isError,
	}, nil
}
