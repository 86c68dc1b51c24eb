// Package protocol is the JSON-RPC tool and resource dispatcher agents talk
// to. It authenticates the caller, validates the envelope and mandatory
// arguments, and routes to the engines; it never mutates state itself.
package protocol

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/traces"
)

const serverName = "agentgate"

var errForbiddenResource = apperr.New(apperr.Forbidden, "resource not available to this caller")

// Authenticator resolves a raw credential to an active identity.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*auth.Identity, error)
}

// Dispatcher routes protocol requests.
type Dispatcher struct {
	authn    Authenticator
	handlers *Handlers
	tools    map[ToolID]tool
	version  string
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the tool handlers.
func NewDispatcher(authn Authenticator, h *Handlers, version string) *Dispatcher {
	if version == "" {
		version = "dev"
	}
	return &Dispatcher{
		authn:    authn,
		handlers: h,
		tools:    h.registry(),
		version:  version,
		now:      time.Now,
	}
}

// Handle processes one request body. It returns the response envelope, or
// nil for notifications, which get no response.
func (d *Dispatcher) Handle(ctx context.Context, body []byte, credential string) any {
	req, perr := decodeRequest(body)
	if perr != nil {
		metrics.RPCRequestsTotal.WithLabelValues("invalid", "protocol_error").Inc()
		logging.L(ctx).Info("rejected protocol request", "code", perr.code, "error", perr.message)
		id := nullID()
		if req != nil {
			id = req.requestID()
		}
		return errorResponse(id, perr)
	}
	if req.IsNotification() {
		metrics.RPCRequestsTotal.WithLabelValues("notification", "ok").Inc()
		return nil
	}

	result, rerr := d.route(ctx, req, credential)
	label := methodLabel(req.Method)
	if rerr != nil {
		outcome := "protocol_error"
		if rerr.code == CodeUnauthorized {
			outcome = "unauthorized"
		}
		metrics.RPCRequestsTotal.WithLabelValues(label, outcome).Inc()
		return errorResponse(req.requestID(), rerr)
	}
	metrics.RPCRequestsTotal.WithLabelValues(label, "ok").Inc()
	return resultResponse(req.requestID(), result)
}

func (d *Dispatcher) route(ctx context.Context, req *Request, credential string) (any, *rpcError) {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodInitialize:
		return d.initialize(req)
	case mcp.MethodPing:
		return struct{}{}, nil
	case mcp.MethodToolsList:
		return mcp.NewListToolsResult(Definitions(), ""), nil
	case mcp.MethodToolsCall:
		return d.callTool(ctx, req, credential)
	case mcp.MethodResourcesList:
		return mcp.NewListResourcesResult(staticResources, ""), nil
	case mcp.MethodResourcesTemplatesList:
		return mcp.NewListResourceTemplatesResult(resourceTemplates, ""), nil
	case mcp.MethodResourcesRead:
		return d.readResource(ctx, req, credential)
	default:
		return nil, newRPCError(CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (d *Dispatcher) initialize(req *Request) (any, *rpcError) {
	var params mcp.InitializeParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, newRPCError(CodeInvalidParams, "invalid initialize params: "+err.Error())
	}
	version := mcp.LATEST_PROTOCOL_VERSION
	if slices.Contains(mcp.ValidProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	var caps mcp.ServerCapabilities
	caps.Tools = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}
	caps.Resources = &struct {
		Subscribe   bool `json:"subscribe,omitempty"`
		ListChanged bool `json:"listChanged,omitempty"`
	}{}

	return mcp.NewInitializeResult(version, caps,
		mcp.Implementation{Name: serverName, Version: d.version},
		"Marketplace for autonomous buyers and sellers. Prices are whole KRW. "+
			"Authenticate every tools/call with your agent or seller key. "+
			"Tool failures come back as results with isError and a stable error code."), nil
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) callTool(ctx context.Context, req *Request, credential string) (any, *rpcError) {
	var params callParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, newRPCError(CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	if params.Name == "" {
		return nil, newRPCError(CodeInvalidParams, "tool name is required")
	}
	t, ok := d.tools[ToolID(params.Name)]
	if !ok {
		return nil, newRPCError(CodeInvalidParams, "unknown tool: "+params.Name)
	}
	args := Args(params.Arguments)
	if args == nil {
		args = Args{}
	}
	if missing := args.missing(t.def.InputSchema.Required); len(missing) > 0 {
		sort.Strings(missing)
		return nil, newRPCError(CodeInvalidParams,
			"missing required arguments: "+strings.Join(missing, ", "))
	}

	ident, rerr := d.authenticate(ctx, credential)
	if rerr != nil {
		return nil, rerr
	}
	caller := callerOf(ident)
	ctx = auth.WithIdentity(logging.WithCaller(ctx, caller.ID), ident)

	if !slices.Contains(t.roles, caller.Role) {
		metrics.ToolCallsTotal.WithLabelValues(params.Name, string(apperr.Forbidden)).Inc()
		return failureResult(apperr.Forbidden,
			"tool "+params.Name+" is not available to "+string(caller.Role)+" credentials", nil), nil
	}

	return d.invoke(ctx, params.Name, t, caller, args), nil
}

func (d *Dispatcher) invoke(ctx context.Context, name string, t tool, caller Caller, args Args) *mcp.CallToolResult {
	ctx, span := traces.StartSpan(ctx, "protocol.tools_call", traces.Tool(name))
	start := d.now()

	v, err := t.handle(ctx, caller, args)
	metrics.ToolCallDuration.WithLabelValues(name).Observe(d.now().Sub(start).Seconds())

	if err != nil {
		traces.End(span, err)
		return d.failure(ctx, name, err)
	}
	res, encErr := successResult(v)
	traces.End(span, encErr)
	if encErr != nil {
		return d.failure(ctx, name, encErr)
	}
	metrics.ToolCallsTotal.WithLabelValues(name, "ok").Inc()
	return res
}

func (d *Dispatcher) failure(ctx context.Context, name string, err error) *mcp.CallToolResult {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		metrics.ToolCallsTotal.WithLabelValues(name, string(apperr.Internal)).Inc()
		logging.L(ctx).Error("tool call failed", "tool", name, "error", err)
		return failureResult(apperr.Internal, "internal error", nil)
	}
	metrics.ToolCallsTotal.WithLabelValues(name, string(appErr.Code)).Inc()
	logging.L(ctx).Info("tool call rejected", "tool", name, "code", appErr.Code, "error", err)
	return failureResult(appErr.Code, err.Error(), apperr.DetailsOf(err))
}

func (d *Dispatcher) readResource(ctx context.Context, req *Request, credential string) (any, *rpcError) {
	var params mcp.ReadResourceParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, newRPCError(CodeInvalidParams, "invalid resources/read params: "+err.Error())
	}
	if params.URI == "" {
		return nil, newRPCError(CodeInvalidParams, "uri is required")
	}
	ident, rerr := d.authenticate(ctx, credential)
	if rerr != nil {
		return nil, rerr
	}
	caller := callerOf(ident)
	ctx = logging.WithCaller(ctx, caller.ID)

	v, ok, err := d.handlers.readResource(ctx, caller, params.URI)
	if !ok {
		return nil, newRPCError(CodeNotFound, "resource not found: "+params.URI)
	}
	if err != nil {
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			logging.L(ctx).Error("resource read failed", "uri", params.URI, "error", err)
			return nil, newRPCError(CodeInternal, "internal error")
		}
		e := newRPCError(CodeNotFound, err.Error())
		e.data = map[string]any{"code": appErr.Code, "uri": params.URI}
		return nil, e
	}
	res, err := resourceContents(params.URI, v)
	if err != nil {
		return nil, newRPCError(CodeInternal, "internal error")
	}
	return res, nil
}

// authenticate resolves the credential. Failures are protocol errors and
// happen before any state is read on the caller's behalf.
func (d *Dispatcher) authenticate(ctx context.Context, credential string) (*auth.Identity, *rpcError) {
	ident, err := d.authn.Authenticate(ctx, credential)
	if err == nil {
		return ident, nil
	}

	reason := "invalid"
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		reason = "missing"
	case errors.Is(err, auth.ErrPendingApproval):
		reason = "pending_approval"
	case errors.Is(err, auth.ErrRevoked):
		reason = "revoked"
	case errors.Is(err, auth.ErrInvalidCredential):
	default:
		logging.L(ctx).Error("credential lookup failed", "error", err)
		return nil, newRPCError(CodeInternal, "internal error")
	}
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	logging.L(ctx).Warn("authentication failed", "reason", reason)
	return nil, newRPCError(CodeUnauthorized, "unauthorized: "+err.Error())
}

func methodLabel(method string) string {
	switch mcp.MCPMethod(method) {
	case mcp.MethodInitialize, mcp.MethodPing, mcp.MethodToolsList, mcp.MethodToolsCall,
		mcp.MethodResourcesList, mcp.MethodResourcesTemplatesList, mcp.MethodResourcesRead:
		return method
	}
	return "unknown"
}
