package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-sse-server",
	Short: "Legacy SSE transport for the task management MCP server",
	Long: `mcp-sse-server accepts MCP clients over the deprecated Server-Sent Events
transport: GET /sse opens an event stream bound to a new session, POST /sse
submits JSON-RPC messages to that session.

Configuration is read from the environment. At least one token validator
must be configured:
  TASKS_API_URL   validate tokens against the task API's /user endpoint
  JWT_ISSUER      accept JWT access tokens (with JWT_AUDIENCE)
  TOKEN_FILE      accept tokens listed in a YAML file

Set REDIS_ADDR to share rate-limit counters between instances. Sessions stay
in the instance holding the stream, so a load balancer must route a client's
requests to one instance.`,
	SilenceUsage: true,
}
