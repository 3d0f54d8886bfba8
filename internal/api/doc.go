// Package api exposes the REST surface used to start, observe and cancel
// agent runs, browse stored sessions, list tools and trigger a discovery
// round for external tool providers.
package api
