// Package llm defines the provider-neutral model client contract used by the
// agent loop, the history sanitizer applied before every request, and the
// error classification shared by the provider adapters in the openai and
// gemini sub-packages.
package llm
