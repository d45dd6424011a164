package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/azdo-tools/workitems-mcp/internal/logctx"
	"github.com/azdo-tools/workitems-mcp/jsonrpc"
	"github.com/azdo-tools/workitems-mcp/mcp"
	"github.com/azdo-tools/workitems-mcp/mcpservice"
)

var (
	_ http.Handler         = (*Transport)(nil)
	_ mcpservice.Transport = (*Transport)(nil)
)

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrAlreadyStarted  = errors.New("transport already started")
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"

	// Large enough for any realistic tool-call batch, small enough to bound a
	// hostile body.
	maxBodyBytes = 4 << 20
)

// Option configures a Transport.
type Option func(*Transport)

// WithSessionIDGenerator enables session management. Each initialize request
// obtains a fresh id from gen, and every subsequent request must present it in
// the Mcp-Session-Id header. Without this option the transport is stateless
// and neither requires nor checks the header.
func WithSessionIDGenerator(gen func() string) Option {
	return func(t *Transport) { t.sessionIDGen = gen }
}

// WithJSONResponse switches request-bearing POSTs from per-request SSE streams
// to a single collected application/json response body.
func WithJSONResponse() Option {
	return func(t *Transport) { t.jsonResponse = true }
}

// WithDNSRebindingProtection enables Host/Origin allow-list checks. A request
// whose Host header is absent or unlisted is rejected; an Origin header is
// rejected only when present and unlisted. Matching is case-insensitive.
func WithDNSRebindingProtection(allowedHosts, allowedOrigins []string) Option {
	return func(t *Transport) {
		t.rebindingGuard = true
		t.allowedHosts = allowedHosts
		t.allowedOrigins = allowedOrigins
	}
}

// WithLogger sets the slog logger. If not provided, logs go to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// Transport is a single-session streamable HTTP transport. It implements
// http.Handler for the MCP endpoint and mcpservice.Transport for the server
// core. All session, stream, and correlation state lives in this one instance
// and dies with it.
type Transport struct {
	log          *slog.Logger
	sessionIDGen func() string
	jsonResponse bool

	rebindingGuard bool
	allowedHosts   []string
	allowedOrigins []string

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}

	initialized bool
	sessionID   string

	handler mcpservice.MessageHandler
	onError func(error)
	onClose func()

	// standalone is the at-most-one server-push stream opened by GET.
	standalone *stream
	// streams holds every open request-bound stream by stream id.
	streams map[string]*stream
	// requestOwner is the reverse index: request-id key -> owning stream id.
	// Entries are removed the moment their stream closes so a late reply gets
	// a routing error instead of a dead sink.
	requestOwner map[string]string
	// futures holds the pending JSON-mode response slot per request-id key.
	futures map[string]chan *jsonrpc.AnyMessage
}

// stream is one open SSE channel: either the standalone GET stream or a
// request-bound POST stream. A request-bound stream stays open exactly as long
// as its pending set is non-empty.
type stream struct {
	id      string
	wf      *writeFlusher
	done    chan struct{}
	pending map[string]struct{}
}

func (s *stream) writeEvent(data []byte) error {
	if _, err := fmt.Fprintf(s.wf, "event: message\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	s.wf.Flush()
	return nil
}

// New constructs a Transport. The zero configuration is stateless SSE mode on
// whatever path the caller mounts the handler at.
func New(opts ...Option) *Transport {
	t := &Transport{
		done:         make(chan struct{}),
		streams:      make(map[string]*stream),
		requestOwner: make(map[string]string),
		futures:      make(map[string]chan *jsonrpc.AnyMessage),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	// Enrich every record with the req/sess groups attached to the request
	// context.
	t.log = slog.New(logctx.Handler{Handler: t.log.Handler()})
	return t
}

// Start implements mcpservice.Transport.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true
	return nil
}

// OnMessage implements mcpservice.Transport.
func (t *Transport) OnMessage(h mcpservice.MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// OnError implements mcpservice.Transport.
func (t *Transport) OnError(h func(error)) {
	t.mu.Lock()
	t.onError = h
	t.mu.Unlock()
}

// OnClose implements mcpservice.Transport.
func (t *Transport) OnClose(h func()) {
	t.mu.Lock()
	t.onClose = h
	t.mu.Unlock()
}

// SessionID implements mcpservice.Transport.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Send implements mcpservice.Transport. Responses and errors route by their
// own id; other messages route by SendOptions.RelatedRequestID when given, and
// otherwise go to the standalone stream or are silently dropped (there is no
// guaranteed channel for unsolicited notifications).
func (t *Transport) Send(ctx context.Context, msg *jsonrpc.AnyMessage, opts *mcpservice.SendOptions) error {
	if msg == nil {
		return errors.New("cannot send a nil message")
	}

	isResponse := msg.IsResponse()
	var corr *jsonrpc.RequestID
	if isResponse {
		// A response always correlates by its own id, overriding any related
		// id the caller supplied.
		if msg.ID.IsNil() {
			return errors.New("cannot send a response with an indeterminate request ID")
		}
		corr = msg.ID
	} else if opts != nil && !opts.RelatedRequestID.IsNil() {
		corr = opts.RelatedRequestID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}

	if corr == nil {
		st := t.standalone
		t.mu.Unlock()
		if st == nil {
			return nil
		}
		if err := st.writeEvent(data); err != nil {
			t.clearStandalone(st)
			t.reportError(err)
			return err
		}
		return nil
	}

	key := corr.Key()

	if isResponse {
		if fut, ok := t.futures[key]; ok {
			delete(t.futures, key)
			t.mu.Unlock()
			fut <- msg
			return nil
		}
		if t.jsonResponse {
			// Already resolved or unknown; JSON mode ignores rather than
			// erroring.
			t.mu.Unlock()
			return nil
		}
	}

	sid, ok := t.requestOwner[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("no connection established for request ID %s", corr)
	}
	st := t.streams[sid]
	if st == nil {
		delete(t.requestOwner, key)
		t.mu.Unlock()
		return fmt.Errorf("no connection established for request ID %s", corr)
	}

	finished := false
	if isResponse {
		delete(st.pending, key)
		delete(t.requestOwner, key)
		if len(st.pending) == 0 {
			delete(t.streams, st.id)
			finished = true
		}
	}
	t.mu.Unlock()

	werr := st.writeEvent(data)
	if finished {
		close(st.done)
	}
	return werr
}

// Close implements mcpservice.Transport. Every open stream is released, all
// routing state is dropped, and the close listener fires exactly once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)

	open := make([]*stream, 0, len(t.streams)+1)
	for _, st := range t.streams {
		open = append(open, st)
	}
	if t.standalone != nil {
		open = append(open, t.standalone)
		t.standalone = nil
	}
	t.streams = make(map[string]*stream)
	t.requestOwner = make(map[string]string)
	t.futures = make(map[string]chan *jsonrpc.AnyMessage)
	onClose := t.onClose
	t.mu.Unlock()

	for _, st := range open {
		close(st.done)
	}
	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *Transport) reportError(err error) {
	t.mu.Lock()
	onError := t.onError
	t.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (t *Transport) messageHandler() mcpservice.MessageHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// ServeHTTP implements http.Handler for the MCP endpoint path.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	t.mu.Lock()
	ready := t.started && !t.closed
	t.mu.Unlock()
	if !ready {
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "transport is not ready")
		return
	}

	if t.rebindingGuard {
		if msg, ok := t.checkRebinding(r); !ok {
			t.log.WarnContext(ctx, "http.rebinding.reject", slog.String("reason", msg))
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msg)
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, "Method not allowed")
	}
}

// checkRebinding enforces the Host/Origin allow-lists. A missing Host is
// rejected; a missing Origin is permitted (non-browser clients send none).
func (t *Transport) checkRebinding(r *http.Request) (string, bool) {
	if len(t.allowedHosts) > 0 {
		if r.Host == "" || !containsFold(t.allowedHosts, r.Host) {
			return fmt.Sprintf("Invalid Host header: %q", r.Host), false
		}
	}
	if len(t.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" && !containsFold(t.allowedOrigins, origin) {
			return fmt.Sprintf("Invalid Origin header: %q", origin), false
		}
	}
	return "", true
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// accepts reports whether the request's Accept header admits the given media
// type.
func accepts(r *http.Request, mt contenttype.MediaType) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.post.start")

	if !accepts(r, jsonMediaType) || !accepts(r, eventStreamMediaType) {
		t.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError,
			"Not Acceptable: Client must accept both application/json and text/event-stream")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		t.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError,
			"Unsupported Media Type: Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		t.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error")
		return
	}

	msgs, _, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		t.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error")
		return
	}

	handler := t.messageHandler()
	if handler == nil {
		t.log.ErrorContext(ctx, "handler.missing")
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "no message handler registered")
		return
	}

	var requests []*jsonrpc.Request
	hasInitialize := false
	for _, m := range msgs {
		if m.Type() == jsonrpc.MessageTypeRequest {
			req := m.AsRequest()
			requests = append(requests, req)
			if mcp.Method(req.Method) == mcp.InitializeMethod {
				hasInitialize = true
			}
		}
	}

	if hasInitialize {
		if len(msgs) > 1 {
			t.log.WarnContext(ctx, "session.initialize.batched")
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest,
				"Invalid Request: Only one initialization request is allowed")
			return
		}
		t.mu.Lock()
		if t.initialized && t.sessionID != "" {
			t.mu.Unlock()
			t.log.WarnContext(ctx, "session.initialize.redundant")
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest,
				"Invalid Request: Server already initialized")
			return
		}
		if t.sessionIDGen != nil {
			t.sessionID = t.sessionIDGen()
		}
		t.initialized = true
		sid := t.sessionID
		t.mu.Unlock()
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid})
		t.log.InfoContext(ctx, "session.initialize.ok")
	} else {
		if !t.validateSessionHeader(ctx, w, r) {
			return
		}
		pv := r.Header.Get(mcpProtocolVersionHeader)
		if pv == "" {
			pv = mcp.NegotiatedProtocolVersion
		}
		if !mcp.IsSupportedProtocolVersion(pv) {
			t.log.WarnContext(ctx, "protocol.version.unsupported", slog.String("client_version", pv))
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError,
				fmt.Sprintf("Bad Request: Unsupported protocol version (supported versions: %s)",
					strings.Join(mcp.SupportedProtocolVersions, ", ")))
			return
		}
	}

	extra := &mcpservice.MessageExtra{
		SessionID:     t.SessionID(),
		Authorization: r.Header.Get(authorizationHeader),
		Header:        r.Header,
		RemoteAddr:    r.RemoteAddr,
	}

	// The dispatch context must outlive this HTTP exchange: a notification is
	// acknowledged with 202 before its processing finishes, and an abandoned
	// stream's requests keep running until their replies are routed (and then
	// fail routing, not processing).
	dispatchCtx := context.WithoutCancel(ctx)

	if len(requests) == 0 {
		w.WriteHeader(http.StatusAccepted)
		for _, m := range msgs {
			handler(dispatchCtx, m, extra)
		}
		t.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	if t.jsonResponse {
		t.respondCollectedJSON(ctx, w, handler, dispatchCtx, msgs, requests, extra)
		t.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	t.respondSSE(ctx, w, r, handler, dispatchCtx, msgs, requests, extra)
	t.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// respondCollectedJSON registers one response future per request id, then
// dispatches, then awaits every future. Registration strictly precedes
// dispatch so a synchronous reply finds its future already in place. Results
// are emitted in original request order regardless of reply order.
func (t *Transport) respondCollectedJSON(ctx context.Context, w http.ResponseWriter, handler mcpservice.MessageHandler, dispatchCtx context.Context, msgs []*jsonrpc.AnyMessage, requests []*jsonrpc.Request, extra *mcpservice.MessageExtra) {
	keys := make([]string, len(requests))
	futs := make([]chan *jsonrpc.AnyMessage, len(requests))

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "transport is not ready")
		return
	}
	for i, req := range requests {
		ch := make(chan *jsonrpc.AnyMessage, 1)
		keys[i] = req.ID.Key()
		futs[i] = ch
		t.futures[keys[i]] = ch
	}
	t.mu.Unlock()

	for _, m := range msgs {
		handler(dispatchCtx, m, extra)
	}

	results := make([]*jsonrpc.AnyMessage, len(futs))
	for i, ch := range futs {
		select {
		case m := <-ch:
			results[i] = m
		case <-ctx.Done():
			t.purgeFutures(keys)
			return
		case <-t.done:
			t.purgeFutures(keys)
			return
		}
	}

	if sid := t.SessionID(); sid != "" {
		w.Header().Set(mcpSessionIDHeader, sid)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	var encErr error
	if len(results) == 1 {
		encErr = enc.Encode(results[0])
	} else {
		encErr = enc.Encode(results)
	}
	if encErr != nil {
		t.log.ErrorContext(ctx, "json.response.write.fail", slog.String("err", encErr.Error()))
	}
}

func (t *Transport) purgeFutures(keys []string) {
	t.mu.Lock()
	for _, key := range keys {
		delete(t.futures, key)
	}
	t.mu.Unlock()
}

// respondSSE opens a request-bound stream, registers every request id from the
// batch into the pending set and reverse index, and only then dispatches. The
// stream stays open exactly until the last pending id is resolved by Send.
func (t *Transport) respondSSE(ctx context.Context, w http.ResponseWriter, r *http.Request, handler mcpservice.MessageHandler, dispatchCtx context.Context, msgs []*jsonrpc.AnyMessage, requests []*jsonrpc.Request, extra *mcpservice.MessageExtra) {
	f, ok := w.(http.Flusher)
	if !ok {
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "streaming is not supported")
		return
	}

	st := &stream{
		id:      uuid.NewString(),
		wf:      &writeFlusher{w: w, f: f, ctx: ctx},
		done:    make(chan struct{}),
		pending: make(map[string]struct{}, len(requests)),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "transport is not ready")
		return
	}
	for _, req := range requests {
		key := req.ID.Key()
		st.pending[key] = struct{}{}
		t.requestOwner[key] = st.id
	}
	t.streams[st.id] = st
	t.mu.Unlock()

	if sid := t.SessionID(); sid != "" {
		w.Header().Set(mcpSessionIDHeader, sid)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	st.wf.Flush()

	for _, m := range msgs {
		handler(dispatchCtx, m, extra)
	}

	select {
	case <-st.done:
		t.log.InfoContext(ctx, "sse.stream.complete")
	case <-ctx.Done():
		t.purgeStream(st)
		t.log.InfoContext(ctx, "sse.stream.cancelled")
	}
}

// purgeStream removes a cancelled stream and all of its routing entries so a
// later reply yields a routing error instead of a write into a dead sink.
func (t *Transport) purgeStream(st *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range st.pending {
		if t.requestOwner[key] == st.id {
			delete(t.requestOwner, key)
		}
	}
	delete(t.streams, st.id)
}

func (t *Transport) clearStandalone(st *stream) {
	t.mu.Lock()
	if t.standalone == st {
		t.standalone = nil
	}
	t.mu.Unlock()
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.get.start")

	if !accepts(r, eventStreamMediaType) {
		writeRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError,
			"Not Acceptable: Client must accept text/event-stream")
		return
	}
	if !t.validateSessionHeader(ctx, w, r) {
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "streaming is not supported")
		return
	}

	st := &stream{
		id:      "standalone",
		wf:      &writeFlusher{w: w, f: f, ctx: ctx},
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeServerError, "transport is not ready")
		return
	}
	if t.standalone != nil {
		t.mu.Unlock()
		t.log.WarnContext(ctx, "sse.standalone.conflict")
		writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeServerError,
			"Conflict: Only one SSE stream is allowed per session")
		return
	}
	t.standalone = st
	t.mu.Unlock()

	if sid := t.SessionID(); sid != "" {
		w.Header().Set(mcpSessionIDHeader, sid)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	st.wf.Flush()

	t.log.InfoContext(ctx, "sse.standalone.start")

	select {
	case <-st.done:
	case <-ctx.Done():
		t.clearStandalone(st)
	}
	t.log.InfoContext(ctx, "sse.standalone.end")
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t.log.InfoContext(ctx, "http.delete.start")

	if t.sessionIDGen == nil {
		w.Header().Set("Allow", "GET, POST")
		writeRPCError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError,
			"Method Not Allowed: Session termination is not supported")
		return
	}
	if !t.validateSessionHeader(ctx, w, r) {
		return
	}

	t.mu.Lock()
	t.sessionID = ""
	t.initialized = false
	t.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
	t.log.InfoContext(ctx, "session.delete.ok")
}

// validateSessionHeader enforces the session contract for non-initialize
// requests: required once a generator is configured, exact match against the
// live session, distinct statuses for missing (400) and mismatched (404).
func (t *Transport) validateSessionHeader(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if t.sessionIDGen == nil {
		return true
	}

	got := r.Header.Get(mcpSessionIDHeader)
	if got == "" {
		t.log.WarnContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError,
			"Bad Request: Mcp-Session-Id header is required")
		return false
	}

	t.mu.Lock()
	want := t.sessionID
	initialized := t.initialized
	t.mu.Unlock()

	if !initialized || got != want {
		t.log.WarnContext(ctx, "session.id.mismatch")
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		return false
	}
	return true
}

// writeRPCError emits the transport's JSON-RPC error envelope for HTTP-layer
// rejections: {"jsonrpc":"2.0","error":{code,message},"id":null}.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": jsonrpc.ProtocolVersion,
		"error":   map[string]any{"code": code, "message": msg},
		"id":      nil,
	})
}

// writeFlusher serializes writes and flushes to an SSE response and refuses
// writes once the request context is cancelled.
type writeFlusher struct {
	w   io.Writer
	f   http.Flusher
	ctx context.Context
	mu  sync.Mutex
}

func (l *writeFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation.
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.w.Write(p)
}

func (l *writeFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.f.Flush()
}
