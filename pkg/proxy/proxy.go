// Package proxy implements the consent-gated request dispatcher: the
// single entry point for inbound MCP JSON-RPC traffic. Each request is
// classified by method, authorization-checked where required, and either
// forwarded to the downstream tool server or answered locally with a
// structured denial.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-consent-proxy/pkg/audit"
	"github.com/txn2/mcp-consent-proxy/pkg/authz"
	"github.com/txn2/mcp-consent-proxy/pkg/consent"
	"github.com/txn2/mcp-consent-proxy/pkg/jsonrpc"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

const defaultTimeout = 10 * time.Second

// Dispatch methods.
const (
	methodInitialize    = "initialize"
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodResourcesRead = "resources/read"
	methodPromptsList   = "prompts/list"
	methodPromptsGet    = "prompts/get"
)

// passthroughMethods forward unmodified with no authorization check.
// Capability negotiation and resource/prompt retrieval are not
// tool-scoped.
var passthroughMethods = map[string]bool{
	methodInitialize:    true,
	methodResourcesList: true,
	methodResourcesRead: true,
	methodPromptsList:   true,
	methodPromptsGet:    true,
}

// Authorizer decides tool access for a session.
type Authorizer interface {
	CheckTool(ctx context.Context, sess *session.Session, toolName string) authz.Decision
	AuthorizedTools(ctx context.Context, sess *session.Session) []string
}

// ConsentTrigger initiates the consent flow for a denied tool call.
type ConsentTrigger interface {
	Trigger(ctx context.Context, sess *session.Session, toolName string) consent.Outcome
}

// Proxy dispatches inbound JSON-RPC requests. It holds no per-request
// state; the session store and authorizer are its only state
// dependencies.
type Proxy struct {
	downstreamURL string
	sessions      session.Store
	authorizer    Authorizer
	consent       ConsentTrigger
	auditor       audit.Logger
	http          *http.Client
}

// New creates a Proxy forwarding to downstreamURL.
func New(downstreamURL string, sessions session.Store, authorizer Authorizer, trigger ConsentTrigger, auditor audit.Logger) *Proxy {
	return &Proxy{
		downstreamURL: downstreamURL,
		sessions:      sessions,
		authorizer:    authorizer,
		consent:       trigger,
		auditor:       auditor,
		http:          &http.Client{Timeout: defaultTimeout},
	}
}

// ServeHTTP handles POST /mcp. The response always carries the resolved
// or generated session identifier in the session header, and is always a
// well-formed JSON-RPC envelope: an outer recover converts any internal
// fault into an internal-error response rather than a transport failure.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident := extractIdentity(r)
	if ident.SessionID == "" {
		ident.SessionID = session.NewID()
	}

	sess, err := p.sessions.GetOrCreate(r.Context(), ident.SessionID, ident.AgentID, ident.UserID)
	if err != nil {
		slog.Error("proxy: session lookup failed", "session_id", ident.SessionID, "error", err)
		writeResponse(w, ident.SessionID,
			jsonrpc.NewError(nil, jsonrpc.CodeInternalError, "session store unavailable", nil))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeResponse(w, sess.ID,
			jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "failed to read request body", nil))
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		writeResponse(w, sess.ID,
			jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "invalid JSON-RPC request", nil))
		return
	}

	writeResponse(w, sess.ID, p.handleSafe(r.Context(), &req, sess))
}

// handleSafe wraps Handle so an unexpected panic still yields a
// well-formed envelope.
func (p *Proxy) handleSafe(ctx context.Context, req *jsonrpc.Request, sess *session.Session) (resp *jsonrpc.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("proxy: recovered from panic", "method", req.Method, "panic", rec)
			resp = jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError,
				fmt.Sprintf("internal error: %v", rec), nil)
		}
	}()
	return p.Handle(ctx, req, sess)
}

// Handle dispatches a single request by method name.
func (p *Proxy) Handle(ctx context.Context, req *jsonrpc.Request, sess *session.Session) *jsonrpc.Response {
	slog.Debug("proxy: dispatching", "session_id", sess.ID, "method", req.Method)

	switch {
	case passthroughMethods[req.Method]:
		return p.forward(ctx, req)
	case req.Method == methodToolsList:
		return p.handleToolsList(ctx, req, sess)
	case req.Method == methodToolsCall:
		return p.handleToolsCall(ctx, req, sess)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// callParams is the slice of tools/call parameters the proxy inspects.
type callParams struct {
	Name string `json:"name"`
}

func (p *Proxy) handleToolsCall(ctx context.Context, req *jsonrpc.Request, sess *session.Session) *jsonrpc.Response {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid tool call parameters", nil)
		}
	}
	if params.Name == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "missing tool name", nil)
	}

	decision := p.authorizer.CheckTool(ctx, sess, params.Name)
	if decision.Allowed {
		p.recordDecision(ctx, sess, req.Method, params.Name, decision, false)
		return p.forward(ctx, req)
	}

	outcome := p.consent.Trigger(ctx, sess, params.Name)
	p.recordDecision(ctx, sess, req.Method, params.Name, decision, outcome.HasURL())

	data := map[string]any{
		"sessionId":    sess.ID,
		"toolName":     params.Name,
		"reason":       string(decision.Reason),
		"missingTools": decision.MissingTools,
	}
	if decision.GrantID != "" {
		data["grant_id"] = decision.GrantID
	}
	if outcome.HasURL() {
		data["authorizationUrl"] = outcome.URL()
		data["instructions"] = outcome.Instructions()
	}

	return jsonrpc.NewError(req.ID, jsonrpc.CodeConsentRequired,
		fmt.Sprintf("consent required for tool '%s'", params.Name), data)
}

func (p *Proxy) handleToolsList(ctx context.Context, req *jsonrpc.Request, sess *session.Session) *jsonrpc.Response {
	authorized := p.authorizer.AuthorizedTools(ctx, sess)
	if len(authorized) == 0 {
		// Tool discovery is gated like data: an unauthorized session
		// never sees the downstream catalogue.
		slog.Debug("proxy: no authorized tools, returning empty list", "session_id", sess.ID)
		return jsonrpc.NewResult(req.ID, &mcp.ListToolsResult{Tools: []*mcp.Tool{}})
	}

	resp := p.forward(ctx, req)
	if resp.Error != nil {
		return resp
	}

	var list mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		slog.Error("proxy: failed to decode downstream tool list", "error", err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "invalid downstream tool list", nil)
	}

	permitted := make(map[string]bool, len(authorized))
	for _, name := range authorized {
		permitted[name] = true
	}

	filtered := make([]*mcp.Tool, 0, len(list.Tools))
	for _, tool := range list.Tools {
		if tool != nil && permitted[tool.Name] {
			filtered = append(filtered, tool)
		}
	}
	list.Tools = filtered

	slog.Debug("proxy: filtered tool list",
		"session_id", sess.ID, "authorized", len(authorized), "returned", len(filtered))
	return jsonrpc.NewResult(req.ID, &list)
}

// forward serializes the request, POSTs it to the downstream tool
// server, and propagates the response verbatim. Transport or non-2xx
// failures become internal-error responses.
func (p *Proxy) forward(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	payload, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "failed to encode request", nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.downstreamURL, bytes.NewReader(payload))
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error(), nil)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.http.Do(httpReq)
	if err != nil {
		slog.Error("proxy: downstream request failed", "method", req.Method, "error", err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError,
			fmt.Sprintf("downstream request failed: %v", err), nil)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		slog.Error("proxy: downstream returned error status",
			"method", req.Method, "status", httpResp.StatusCode)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError,
			fmt.Sprintf("downstream returned status %d", httpResp.StatusCode), nil)
	}

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError,
			fmt.Sprintf("invalid downstream response: %v", err), nil)
	}
	return &resp
}

func (p *Proxy) recordDecision(ctx context.Context, sess *session.Session, method, toolName string, decision authz.Decision, consentURL bool) {
	if p.auditor == nil {
		return
	}
	err := p.auditor.Log(ctx, audit.Event{
		SessionID:    sess.ID,
		AgentID:      sess.AgentID,
		UserID:       sess.UserID,
		Method:       method,
		ToolName:     toolName,
		Allowed:      decision.Allowed,
		Reason:       string(decision.Reason),
		GrantID:      decision.GrantID,
		ConsentURL:   consentURL,
		MissingTools: decision.MissingTools,
	})
	if err != nil {
		slog.Error("proxy: audit log failed", "session_id", sess.ID, "error", err)
	}
}

func writeResponse(w http.ResponseWriter, sessionID string, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
