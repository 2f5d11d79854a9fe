// Package dispatcher owns the client-facing TCP listener.
//
// For every accepted connection the dispatcher asks the load balancer for a
// backend. When none is healthy the connection is closed without a reply;
// otherwise the connection is handed to a ConnectionHandler in its own
// goroutine. The dispatcher is also a health observer and forwards every
// post-check backend state to the registry.
//
// Admission control is opt-in: Options.MaxInFlight bounds concurrent
// handlers (the accept loop waits for a free slot) and Options.AcceptRate
// throttles accepts with a token bucket.
package dispatcher
