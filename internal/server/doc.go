// Package server owns the TCP accept loop for protocol sessions.
//
// Ownership boundary:
// - listener lifecycle and tracked connection shutdown
// - one session engine per accepted connection, built through Setup
// - the echo handler
// - optional admin HTTP surface (/healthz, /metrics)
package server
