// Package discovery implements the external tool provider protocol: a bounded
// broadcast round that collects tool declarations from every responding
// provider, a process-lifetime alias table that namespaces their tools as
// mcp_<alias>_<tool>, and point-to-point invocation with a longer timeout.
//
// The protocol runs over a Transport. MemoryTransport serves in-process
// providers and tests, RedisTransport uses pub/sub channels and
// RabbitMQTransport uses a fanout exchange with exclusive reply queues.
// Providers answer with Serve and NewHandler.
package discovery
