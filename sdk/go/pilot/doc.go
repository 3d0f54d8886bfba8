// Package pilot is a small Go client for the Pilot REST API: it starts and
// cancels runs, polls the current conversation, and browses stored sessions
// and available tools.
package pilot
