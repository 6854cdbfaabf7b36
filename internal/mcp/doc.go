// Package mcp exposes validation runs as MCP tools over stdio.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) and calls
// the orchestrator directly. Tools:
//
//	validation_initiate      submit an idea and start a run
//	validation_status        read one snapshot of a run
//	validation_decide        answer the run's open checkpoint
//	validation_alternatives  list pivot alternatives at a pivot checkpoint
//	tool_search              find tools by name, description or keyword
//
// Free text returned to clients is scrubbed for secrets.
package mcp
