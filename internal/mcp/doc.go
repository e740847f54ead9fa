// Package mcp implements the client side of the tool-provider protocol:
// JSON-RPC 2.0 requests carried as line-delimited JSON over a duplex
// message channel to a provider subprocess.
//
// A Session performs strictly sequential exchanges (write one request,
// read exactly one response) and verifies that every response echoes
// the identifier of the request it answers. The reserved list_tools
// method enumerates the provider's tools; any other method name invokes
// the tool of that name with params passed through as its arguments.
// Discover bridges the enumerated tools into a tools.Registry so the
// agent loop can call them like native tools.
package mcp
