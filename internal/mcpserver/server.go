// Package mcpserver is a stdio relay: it presents the gateway's tools and
// resources to a local MCP client and forwards every call to a running
// gateway with the configured agent or seller key.
package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentgate/internal/protocol"
)

// NewMCPServer creates a relay server with every gateway tool and resource
// registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("agentgate-relay", version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)
	r := &relay{client: NewClient(cfg)}

	for _, tool := range protocol.Definitions() {
		s.AddTool(tool, r.callTool)
	}
	for _, res := range protocol.Resources() {
		s.AddResource(res, r.readResource)
	}
	for _, tpl := range protocol.ResourceTemplates() {
		s.AddResourceTemplate(tpl, r.readResource)
	}
	return s
}

type relay struct {
	client *Client
}

func (r *relay) callTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := r.client.Call(ctx, string(mcp.MethodToolsCall), map[string]any{
		"name":      req.Params.Name,
		"arguments": req.GetArguments(),
	})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return mcp.NewToolResultError(rpcErr.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("gateway unreachable: %v", err)), nil
	}
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return result, nil
}

func (r *relay) readResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	raw, err := r.client.Call(ctx, string(mcp.MethodResourcesRead), map[string]any{"uri": req.Params.URI})
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseReadResourceResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	return result.Contents, nil
}
