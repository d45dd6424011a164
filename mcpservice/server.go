// Package mcpservice implements the MCP server core: method dispatch,
// capability advertisement, and the tool registry. It consumes a Transport and
// never touches the HTTP layer directly.
package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/azdo-tools/workitems-mcp/internal/logctx"
	"github.com/azdo-tools/workitems-mcp/jsonrpc"
	"github.com/azdo-tools/workitems-mcp/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the human-readable instructions returned during
// initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithToolsContainer wires the tool registry the server dispatches to.
func WithToolsContainer(tc *ToolsContainer) ServerOption {
	return func(s *Server) { s.tools = tc }
}

// WithLogger sets the slog logger. If not provided, slog.Default is used.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// Server dispatches MCP methods arriving over a Transport and replies through
// the same transport. One Server instance serves one Transport.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	log          *slog.Logger

	mu        sync.Mutex
	transport Transport
	inflight  map[string]context.CancelFunc // request key -> cancel
}

// NewServer builds a Server from functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:     mcp.ImplementationInfo{Name: "mcp-server", Version: "0.0.0"},
		tools:    NewToolsContainer(),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	// Enrich every record with the rpc/tool groups attached to the dispatch
	// context.
	s.log = slog.New(logctx.Handler{Handler: s.log.Handler()})
	return s
}

// Connect binds the server to a transport and starts it. Every inbound request
// is guaranteed a reply: handler panics and dispatch failures produce a
// -32603 error response so the transport's pending-channel bookkeeping always
// drains.
func (s *Server) Connect(ctx context.Context, t Transport) error {
	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return fmt.Errorf("server is already connected to a transport")
	}
	s.transport = t
	s.mu.Unlock()

	t.OnMessage(s.handleMessage)
	t.OnError(func(err error) {
		s.log.Error("transport.err", slog.String("err", err.Error()))
	})
	t.OnClose(func() {
		s.log.Info("transport.close")
		s.cancelAll()
	})
	return t.Start(ctx)
}

func (s *Server) handleMessage(ctx context.Context, msg *jsonrpc.AnyMessage, extra *MessageExtra) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	switch msg.Type() {
	case jsonrpc.MessageTypeRequest:
		go s.handleRequest(ctx, msg.AsRequest(), extra)
	case jsonrpc.MessageTypeNotification:
		s.handleNotification(ctx, msg.AsRequest())
	case jsonrpc.MessageTypeResponse:
		// This server issues no client-bound requests, so client responses
		// have nothing to correlate with.
		s.log.Debug("rpc.response.unsolicited", slog.String("id", msg.ID.String()))
	}
}

func (s *Server) handleRequest(ctx context.Context, req *jsonrpc.Request, extra *MessageExtra) {
	ctx, cancel := context.WithCancel(ctx)
	key := req.ID.Key()

	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rpc.handler.panic", slog.Any("panic", r))
			s.reply(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil), req.ID)
		}
	}()

	ctx = WithCaller(ctx, extra)

	res, err := s.dispatch(ctx, req, extra)
	if err != nil {
		s.log.Error("rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	s.reply(ctx, res, req.ID)
}

func (s *Server) reply(ctx context.Context, res *jsonrpc.Response, id *jsonrpc.RequestID) {
	t := s.currentTransport()
	if t == nil {
		return
	}
	if err := t.Send(ctx, jsonrpc.ResponseMessage(res), &SendOptions{RelatedRequestID: id}); err != nil {
		s.log.Warn("rpc.reply.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) currentTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Server) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cancel := range s.inflight {
		cancel()
		delete(s.inflight, key)
	}
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request, extra *MessageExtra) (*jsonrpc.Response, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return s.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		return s.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return s.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil), nil
		}
	}

	res := mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(initReq.ProtocolVersion),
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	s.log.Info("session.initialize",
		slog.String("client", initReq.ClientInfo.Name),
		slog.String("client_version", initReq.ClientInfo.Version),
		slog.String("protocol_version", res.ProtocolVersion),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Server) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var listReq mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &listReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/list params", nil), nil
		}
	}

	tools, next, err := s.tools.ListTools(listReq.Cursor)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	}

	res := mcp.ListToolsResult{Tools: tools}
	res.NextCursor = next
	return jsonrpc.NewResultResponse(req.ID, res)
}

// callToolParams is the raw tools/call parameter shape, including the _meta
// progress token the typed request representation omits.
type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      struct {
		ProgressToken any `json:"progressToken"`
	} `json:"_meta,omitzero"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil), nil
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tool name is required", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	if params.Meta.ProgressToken != nil {
		ctx = WithProgressReporter(ctx, &transportProgressReporter{
			server:    s,
			token:     params.Meta.ProgressToken,
			relatedID: req.ID,
		})
	}

	s.log.Info("tool.call.start")
	res, err := s.tools.CallTool(ctx, &mcp.CallToolRequestReceived{Name: params.Name, Arguments: params.Arguments})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	}
	s.log.Info("tool.call.ok", slog.Bool("is_error", res.IsError))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (s *Server) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		s.log.Info("session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotificationParams
		if err := json.Unmarshal(note.Params, &params); err != nil {
			s.log.Warn("notification.cancelled.invalid", slog.String("err", err.Error()))
			return
		}
		key := jsonrpc.NewRequestID(params.RequestID).Key()
		s.mu.Lock()
		cancel, ok := s.inflight[key]
		s.mu.Unlock()
		if ok {
			s.log.Info("rpc.cancelled", slog.String("reason", params.Reason))
			cancel()
		}
	default:
		s.log.Debug("notification.ignored", slog.String("method", note.Method))
	}
}

// transportProgressReporter emits notifications/progress on the channel of the
// request being handled.
type transportProgressReporter struct {
	server    *Server
	token     any
	relatedID *jsonrpc.RequestID

	mu       sync.Mutex
	progress float64
}

func (p *transportProgressReporter) Report(ctx context.Context, progress, total float64) error {
	p.mu.Lock()
	// Progress must be monotonic per the protocol; clamp regressions.
	if progress < p.progress {
		progress = p.progress
	}
	p.progress = progress
	p.mu.Unlock()

	params := mcp.ProgressNotificationParams{ProgressToken: p.token, Progress: progress}
	if total > 0 {
		params.Total = total
	}
	note, err := jsonrpc.NewRequest(nil, string(mcp.ProgressNotificationMethod), params)
	if err != nil {
		return err
	}
	t := p.server.currentTransport()
	if t == nil {
		return fmt.Errorf("transport is not connected")
	}
	return t.Send(ctx, jsonrpc.RequestMessage(note), &SendOptions{RelatedRequestID: p.relatedID})
}
