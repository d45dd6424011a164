package mcpservice

import (
	"context"
	"net/http"

	"github.com/azdo-tools/workitems-mcp/jsonrpc"
)

// Transport is the bidirectional message contract the server core consumes.
// An implementation multiplexes a logical session over whatever carrier it
// owns (streamable HTTP in this repository) and guarantees that a message
// passed to Send with a correlatable id reaches the channel still waiting on
// that id.
type Transport interface {
	// Start marks the transport ready to accept traffic. It must be called
	// exactly once, before any message is dispatched.
	Start(ctx context.Context) error

	// Send routes an outbound message. Responses and errors carry their own
	// correlation id; other messages may be steered with
	// SendOptions.RelatedRequestID, and otherwise go to the standalone
	// server-push channel when one is open.
	Send(ctx context.Context, msg *jsonrpc.AnyMessage, opts *SendOptions) error

	// Close tears down every open channel and fires the registered close
	// listener exactly once.
	Close() error

	// SessionID returns the active session identifier, or "" when no session
	// has been established (or the transport is stateless).
	SessionID() string

	// OnMessage registers the inbound message listener. The transport invokes
	// it once per decoded JSON-RPC message, after routing state for the
	// message's channel is in place.
	OnMessage(MessageHandler)

	// OnError registers a listener for asynchronous transport faults.
	OnError(func(error))

	// OnClose registers a listener fired when the transport shuts down.
	OnClose(func())
}

// SendOptions steers outbound messages that do not carry their own
// correlation id.
type SendOptions struct {
	// RelatedRequestID associates a notification or server-initiated request
	// with an inbound request whose channel is still open.
	RelatedRequestID *jsonrpc.RequestID
}

// MessageExtra carries per-message transport context into the server core.
// Credentials are forwarded verbatim; the core never validates them.
type MessageExtra struct {
	// SessionID is the session the message arrived on ("" in stateless mode).
	SessionID string

	// Authorization is the raw Authorization header of the carrying HTTP
	// request, forwarded for downstream API calls.
	Authorization string

	// Header is the full inbound header set.
	Header http.Header

	// RemoteAddr is the peer address of the carrying request.
	RemoteAddr string
}

// MessageHandler receives inbound messages from a Transport.
type MessageHandler func(ctx context.Context, msg *jsonrpc.AnyMessage, extra *MessageExtra)

type callerKey struct{}

// WithCaller attaches the message context to ctx for tool handlers.
func WithCaller(ctx context.Context, extra *MessageExtra) context.Context {
	return context.WithValue(ctx, callerKey{}, extra)
}

// CallerFromContext returns the message context of the inbound request that
// triggered the current handler, if any.
func CallerFromContext(ctx context.Context) (*MessageExtra, bool) {
	extra, ok := ctx.Value(callerKey{}).(*MessageExtra)
	return extra, ok
}
