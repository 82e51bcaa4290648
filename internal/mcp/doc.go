// Package mcp implements the tool-provider client subsystem, allowing
// Loomos to connect to external MCP servers and expose their tools to
// the agent loop.
//
// MCP uses JSON-RPC 2.0 over three transports: stdio (subprocess with
// newline-delimited messages), HTTP (plain request/response or a
// streaming server-push variant), and WebSocket. Each server connection
// is a Client that owns a Session; the Session correlates concurrent
// requests with responses by id over a raw Transport. A Registry tracks
// active clients, and the Manager is the surface the agent consumes:
// it routes namespaced tool calls to the owning client and aggregates
// connection state.
//
// This implementation covers the client/host side only — Loomos does
// not act as an MCP server.
package mcp
