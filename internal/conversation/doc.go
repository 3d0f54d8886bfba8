// Package conversation holds the value types shared by the agent loop, the
// provider adapters and the session store: messages, tool calls, tool
// definitions and the append-only conversation a run produces.
package conversation
