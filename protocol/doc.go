// Package protocol holds the MCP JSON-RPC 2.0 wire types shared by the
// inspector clients in transport and the servers in mcpserver.
//
// Only the subset the inspector speaks is modelled: the initialize handshake,
// ping, tools/list with cursor pagination, tools/call with progress tokens,
// and the progress and tools/list_changed notifications.
package protocol
