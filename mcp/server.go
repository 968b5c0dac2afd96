package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

const (
	protocolVersion = "2025-03-26"
	serverName      = "archon"

	// sessionHeader carries the session id across streamable HTTP calls.
	sessionHeader = "Mcp-Session-Id"

	// maxConcurrentCalls caps tool calls in flight across all sessions.
	maxConcurrentCalls = 32
)

// Server is the streamable HTTP binding of the MCP surface.
type Server struct {
	manager  *Manager
	registry *Registry
	version  string
	calls    *semaphore.Weighted
}

// NewServer creates the transport over a registry.
func NewServer(manager *Manager, registry *Registry, version string) *Server {
	return &Server{
		manager:  manager,
		registry: registry,
		version:  version,
		calls:    semaphore.NewWeighted(maxConcurrentCalls),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Handle serves one streamable HTTP exchange. Clients must accept both JSON
// and the event stream; the response is a single SSE message event.
func (s *Server) Handle(c echo.Context) error {
	accept := c.Request().Header.Get("Accept")
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		return c.JSON(http.StatusNotAcceptable, map[string]string{
			"error": "Accept must include application/json and text/event-stream",
		})
	}

	var req rpcRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return s.respond(c, "", &rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
	}

	// Notifications carry no id and expect no body.
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		return c.NoContent(http.StatusAccepted)
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	sessionID := c.Request().Header.Get(sessionHeader)

	switch req.Method {
	case "initialize":
		sessionID = s.initialize(c, req, resp, sessionID)
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.registry.Tools()}
	case "tools/call":
		sessionID = s.toolCall(c, req, resp, sessionID)
	case "ping":
		resp.Result = map[string]interface{}{}
	default:
		resp.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("method %q not found", req.Method)}
	}

	return s.respond(c, sessionID, resp)
}

func (s *Server) initialize(c echo.Context, req rpcRequest, resp *rpcResponse, sessionID string) string {
	var params struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ClientInfo      ClientInfo `json:"clientInfo"`
	}
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: -32602, Message: "invalid initialize params"}
			return sessionID
		}
	}

	sess, err := s.manager.Ensure(c.Request().Context(), sessionID, params.ClientInfo, subjectFrom(c))
	if err != nil {
		resp.Error = kindError(err)
		return sessionID
	}

	resp.Result = map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"serverInfo":      map[string]string{"name": serverName, "version": s.version},
	}
	return sess.ID
}

func (s *Server) toolCall(c echo.Context, req rpcRequest, resp *rpcResponse, sessionID string) string {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp.Error = &rpcError{Code: -32602, Message: "invalid tools/call params"}
		return sessionID
	}

	ctx := c.Request().Context()
	if err := s.calls.Acquire(ctx, 1); err != nil {
		resp.Error = kindError(common.E(common.KindRateLimited, "tool call capacity exhausted"))
		return sessionID
	}
	defer s.calls.Release(1)

	// A stale or missing session id resolves to a fresh session here; the
	// new id travels back in the response header.
	sess, err := s.manager.Ensure(ctx, sessionID, ClientInfo{}, subjectFrom(c))
	if err != nil {
		resp.Error = kindError(err)
		return sessionID
	}

	result, err := s.registry.Dispatch(ctx, sess, params.Name, params.Arguments)
	if err != nil {
		resp.Error = kindError(err)
		return sess.ID
	}

	text, err := json.Marshal(result)
	if err != nil {
		resp.Error = kindError(common.Wrap(common.KindInternal, err, "encode tool result"))
		return sess.ID
	}
	resp.Result = map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(text)}},
	}
	return sess.ID
}

// respond writes the response as a single SSE message event.
func (s *Server) respond(c echo.Context, sessionID string, resp *rpcResponse) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	if sessionID != "" {
		h.Set(sessionHeader, sessionID)
	}
	c.Response().WriteHeader(http.StatusOK)

	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: message\ndata: %s\n\n", payload); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// kindError renders a service error on the JSON-RPC error channel, keeping
// the kind taxonomy visible to clients.
func kindError(err error) *rpcError {
	kind := common.KindOf(err)
	code := -32000
	if kind == common.KindValidation {
		code = -32602
	}
	return &rpcError{
		Code:    code,
		Message: err.Error(),
		Data:    map[string]string{"kind": string(kind)},
	}
}

// subjectFrom pulls the authenticated subject the HTTP middleware stored on
// the request, when bearer auth was presented.
func subjectFrom(c echo.Context) *store.Subject {
	if sub, ok := c.Get("subject").(*store.Subject); ok {
		return sub
	}
	return nil
}
