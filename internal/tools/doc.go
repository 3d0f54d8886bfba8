// Package tools holds the static catalogue of device tools the model may call
// and the dispatcher that routes a tool call to a local handler or to an
// externally discovered provider. Dispatch never returns an error; every
// failure becomes a textual result the model can read and react to.
package tools
