// Package dispatch adapts the engine's outbound notifications to concrete
// push providers.
//
// Provider-side rejections (bad recipient, rejected payload) come back as
// Result{OK: false} with detail, not as an error; errors are reserved for
// network-level failures. Either way the engine treats the outcome as a
// binary send/no-send for ledger purposes.
package dispatch

// Notification is one message to a set of recipients.
type Notification struct {
	Recipients []string       // opaque provider recipient tokens
	Title      string
	Body       string
	Data       map[string]any // small structured passthrough (occurrence id, lead minutes)
}

// Result is the provider's verdict on a send call.
type Result struct {
	OK     bool
	Status int    // HTTP-style status class when the provider speaks HTTP
	Detail string // short provider-side detail, for logs only
}
