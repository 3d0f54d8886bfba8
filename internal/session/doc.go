// Package session persists finalized conversation dumps and the checkpoints
// written while a run is in flight. Backends are an append-only JSON Lines
// file and a SQL store for MySQL or SQLite sharing the embedded migrations.
package session
