// Package session owns the per-connection protocol engine.
//
// Ownership boundary:
// - event handler registry and dispatch
// - ref correlation (emit, pending continuations, expiry)
// - the connection driver (read, reassemble, decode, dispatch)
// - session timeouts and retry/backoff primitives
//
// One Engine serves one connection at a time. Frames on a connection are
// dispatched strictly in arrival order; handler execution for a frame,
// including its reply write, completes before the next frame is dispatched.
package session
