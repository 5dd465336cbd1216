// Package protocol owns the tagged-frame wire contract.
//
// Ownership boundary:
// - boundary tag search (boundary)
// - frame encode/decode (frame)
// - stream reassembly (stream)
// - event dispatch, correlation and the connection driver (session)
//
// Frame layout:
//
//	$!$! | client_id[16] | ref[32] | event[16] | ts float64 | json body | !$!$
package protocol
