// Package mcp defines the Model Context Protocol wire types and method names
// used by this server: the initialization handshake, the tools capability, and
// the utility notifications (ping, progress, cancellation).
//
// The server advertises the tools capability only. Resources, prompts,
// sampling, and elicitation shapes are intentionally absent.
package mcp
