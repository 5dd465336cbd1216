package protocol

import "errors"

// Error classes shared by the protocol packages. Concrete errors wrap one of
// these so callers can classify a failure with errors.Is.
var (
	// ErrMalformed marks input that is not a well-formed frame. Dropped, never fatal.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrIdentity marks a frame addressed to a different client id. Dropped, never fatal.
	ErrIdentity = errors.New("protocol: client identity mismatch")
)

// IsSoft reports whether err is an expected per-frame failure that must not
// terminate a stream.
func IsSoft(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrIdentity)
}
