// Package frame encodes and decodes tagged wire frames.
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danmuck/tagwire/internal/protocol"
	"github.com/google/uuid"
)

const (
	ClientIDLen  = 16
	RefLen       = 32
	EventLen     = 16
	TimestampLen = 8

	// HeadLen is the fixed width of the packed head.
	HeadLen = ClientIDLen + RefLen + EventLen + TimestampLen

	// EventResponse is the reserved event name carried by reply frames.
	EventResponse = "response"
)

var (
	StartTag = []byte("$!$!")
	EndTag   = []byte("!$!$")
)

// MinFrameLen is the smallest possible well-formed frame ("{}" body).
var MinFrameLen = len(StartTag) + HeadLen + 2 + len(EndTag)

var (
	ErrEncode = errors.New("frame: encode failed")

	ErrBadTag         = fmt.Errorf("%w: bad boundary tag", protocol.ErrMalformed)
	ErrShortHead      = fmt.Errorf("%w: short head", protocol.ErrMalformed)
	ErrBadField       = fmt.Errorf("%w: head field is not valid utf-8", protocol.ErrMalformed)
	ErrBadBody        = fmt.Errorf("%w: body is not a json object", protocol.ErrMalformed)
	ErrClientMismatch = fmt.Errorf("%w: client_id not addressed to this client", protocol.ErrIdentity)
)

// Body is the structured payload of a frame.
type Body = map[string]any

// Head is the fixed-width frame header.
type Head struct {
	ClientID  string
	Ref       string
	Event     string
	Timestamp float64
}

// Time converts the float timestamp to a time.Time.
func (h Head) Time() time.Time {
	sec, frac := math.Modf(h.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Frame is one decoded wire message.
type Frame struct {
	Head Head
	Body Body
}

// Limits constrains frame encode and reassembly memory use.
type Limits struct {
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 8 * 1024 * 1024,
	}
}

// NewRef returns a fresh correlation ref that fills the ref field exactly.
func NewRef() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// Now is the head timestamp for a frame sent at t.
func Now(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Encode packs one frame. A ref is generated when ref is empty. Inputs that
// cannot be represented on the wire fail with ErrEncode; nothing is truncated.
func Encode(event string, body Body, ref, clientID string) ([]byte, error) {
	return EncodeAt(time.Now(), event, body, ref, clientID, DefaultLimits())
}

// EncodeAt is Encode with an explicit send time and limits.
func EncodeAt(at time.Time, event string, body Body, ref, clientID string, limits Limits) ([]byte, error) {
	if ref == "" {
		ref = NewRef()
	}
	h := Head{ClientID: clientID, Ref: ref, Event: event, Timestamp: Now(at)}
	if err := ValidateHead(h); err != nil {
		return nil, err
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	hb := EncodeHead(h)
	size := len(StartTag) + len(hb) + len(payload) + len(EndTag)
	if limits.MaxFrameBytes > 0 && size > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit %d", ErrEncode, size, limits.MaxFrameBytes)
	}
	out := make([]byte, 0, size)
	out = append(out, StartTag...)
	out = append(out, hb...)
	out = append(out, payload...)
	out = append(out, EndTag...)
	return out, nil
}

// ValidateHead checks that every string field fits its fixed width and
// cannot be confused with a boundary tag.
func ValidateHead(h Head) error {
	if err := validateField("client_id", h.ClientID, ClientIDLen); err != nil {
		return err
	}
	if err := validateField("ref", h.Ref, RefLen); err != nil {
		return err
	}
	if h.Event == "" {
		return fmt.Errorf("%w: event is empty", ErrEncode)
	}
	return validateField("event", h.Event, EventLen)
}

// ValidateClientID reports whether id can be carried in the client_id field.
func ValidateClientID(id string) error {
	return validateField("client_id", id, ClientIDLen)
}

func validateField(name, v string, width int) error {
	if len(v) > width {
		return fmt.Errorf("%w: %s %q is %d bytes, field holds %d", ErrEncode, name, v, len(v), width)
	}
	if strings.ContainsAny(v, "\x00$!") {
		return fmt.Errorf("%w: %s %q contains a reserved byte", ErrEncode, name, v)
	}
	return nil
}

// EncodeHead packs h into HeadLen bytes. Fields are assumed valid. String
// fields cannot hold tag bytes, so only the timestamp can spell a tag; when it
// does, the last byte of the match is bumped until no tag remains.
func EncodeHead(h Head) []byte {
	buf := make([]byte, HeadLen)
	putField(buf[0:ClientIDLen], h.ClientID)
	putField(buf[ClientIDLen:ClientIDLen+RefLen], h.Ref)
	putField(buf[ClientIDLen+RefLen:ClientIDLen+RefLen+EventLen], h.Event)
	tsBuf := buf[HeadLen-TimestampLen:]
	bits := math.Float64bits(h.Timestamp)
	for {
		binary.BigEndian.PutUint64(tsBuf, bits)
		end := tagEnd(tsBuf)
		if end < 0 {
			break
		}
		bits += 1 << (8 * (TimestampLen - 1 - end))
	}
	return buf
}

// tagEnd returns the index of the last byte of the first tag in b, or -1.
func tagEnd(b []byte) int {
	if i := bytes.Index(b, EndTag); i >= 0 {
		return i + len(EndTag) - 1
	}
	if i := bytes.Index(b, StartTag); i >= 0 {
		return i + len(StartTag) - 1
	}
	return -1
}

// DecodeHead unpacks HeadLen bytes. String fields end at their first NUL.
func DecodeHead(b []byte) (Head, error) {
	if len(b) != HeadLen {
		return Head{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortHead, len(b), HeadLen)
	}
	h := Head{
		ClientID:  getField(b[0:ClientIDLen]),
		Ref:       getField(b[ClientIDLen : ClientIDLen+RefLen]),
		Event:     getField(b[ClientIDLen+RefLen : ClientIDLen+RefLen+EventLen]),
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(b[HeadLen-TimestampLen:])),
	}
	for _, f := range []struct{ name, v string }{
		{"client_id", h.ClientID},
		{"ref", h.Ref},
		{"event", h.Event},
	} {
		if !utf8.ValidString(f.v) {
			return Head{}, fmt.Errorf("%w: %s", ErrBadField, f.name)
		}
	}
	return h, nil
}

func putField(dst []byte, v string) {
	copy(dst, v)
}

func getField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

var bangEscape = []byte(`\u0021`)

// encodeBody marshals body as a JSON object. '!' only ever occurs inside JSON
// strings, so escaping it keeps both tags out of the body losslessly.
func encodeBody(body Body) ([]byte, error) {
	if body == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrEncode, err)
	}
	return bytes.ReplaceAll(raw, []byte("!"), bangEscape), nil
}

// Codec decodes frames under one identity policy.
type Codec struct {
	// ClientID is this party's identity. Only used when CheckClientID is set.
	ClientID string
	// CheckClientID drops frames whose client_id differs from ClientID.
	CheckClientID bool
}

// Decode parses one complete candidate frame. All failures are soft: they
// wrap protocol.ErrMalformed or protocol.ErrIdentity.
func (c Codec) Decode(b []byte) (Frame, error) {
	if len(b) < len(StartTag)+len(EndTag) ||
		!bytes.HasPrefix(b, StartTag) ||
		!bytes.HasSuffix(b, EndTag) {
		return Frame{}, ErrBadTag
	}
	inner := b[len(StartTag) : len(b)-len(EndTag)]
	if len(inner) < HeadLen {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortHead, len(inner), HeadLen)
	}
	h, err := DecodeHead(inner[:HeadLen])
	if err != nil {
		return Frame{}, err
	}
	if c.CheckClientID && h.ClientID != c.ClientID {
		return Frame{}, fmt.Errorf("%w: got %q want %q", ErrClientMismatch, h.ClientID, c.ClientID)
	}
	body, err := decodeBody(inner[HeadLen:])
	if err != nil {
		return Frame{}, err
	}
	return Frame{Head: h, Body: body}, nil
}

// Decode parses a frame without identity filtering.
func Decode(b []byte) (Frame, error) {
	return Codec{}.Decode(b)
}

func decodeBody(b []byte) (Body, error) {
	var body Body
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: null", ErrBadBody)
	}
	return body, nil
}
