// Package agent contains the orchestrator that turns a natural-language
// instruction into a sequence of device actions. It drives the
// model/tool loop as an explicit state machine, retries transient model
// failures with exponential backoff, honours cooperative cancellation and
// finalizes every run into an immutable conversation dump.
package agent
