// Package client dials a tagwire server and runs client-role sessions.
//
// Connect retries the dial with exponential backoff. Run reconnects after
// the session ends, up to a bounded number of attempts.
package client
