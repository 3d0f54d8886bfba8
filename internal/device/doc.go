// Package device declares the contracts the agent consumes from the host:
// UI automation (gestures, node actions, the active window tree) and the
// device context (apps, viewport, URLs, usage statistics).
package device
