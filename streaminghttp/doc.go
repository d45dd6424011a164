// Package streaminghttp implements the server side of the MCP streamable HTTP
// transport: one logical, long-lived session multiplexed over short-lived
// HTTP requests.
//
// A POST carrying JSON-RPC requests opens a per-request SSE stream (or, in
// JSON response mode, a collected JSON body) that stays open until every
// request in that body has received its reply. A GET opens the single
// standalone stream used for server-initiated notifications. Replies handed to
// Send are routed back to the channel that is still holding the connection
// open for their request id.
//
// The correctness-critical invariant throughout is: routing state for a
// message's channel is registered under the transport lock before the message
// is dispatched to the server core, so a synchronous reply can never race
// ahead of the channel that must receive it.
package streaminghttp
