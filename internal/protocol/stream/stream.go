// Package stream extracts complete tagged frames from a fragmented byte stream.
package stream

import (
	"github.com/danmuck/tagwire/internal/protocol/boundary"
	"github.com/danmuck/tagwire/internal/protocol/frame"
)

// State is the scan state of a Reassembler.
type State int

const (
	SeekStart State = iota
	SeekEnd
)

func (s State) String() string {
	switch s {
	case SeekStart:
		return "seek_start"
	case SeekEnd:
		return "seek_end"
	default:
		return "unknown"
	}
}

// Stats counts what a Reassembler has done with its input.
type Stats struct {
	Candidates     uint64
	DiscardedBytes uint64
	Oversize       uint64
}

// Reassembler owns one connection's receive buffer. It is not safe for
// concurrent use.
type Reassembler struct {
	buf    []byte
	state  State
	start  *boundary.Matcher
	end    *boundary.Matcher
	limits frame.Limits

	// scanned is the buffer offset up to which the current state's tag has
	// already been searched for without a match.
	scanned int
	stats   Stats
}

func New(limits frame.Limits) *Reassembler {
	return &Reassembler{
		state:  SeekStart,
		start:  boundary.New(frame.StartTag),
		end:    boundary.New(frame.EndTag),
		limits: limits,
	}
}

// Feed appends chunk and hands every complete candidate frame to emit, in
// stream order. The candidate slice is only valid during the call. An emit
// error stops the feed and is returned; the candidate counts as consumed.
func (r *Reassembler) Feed(chunk []byte, emit func(candidate []byte) error) error {
	r.buf = append(r.buf, chunk...)
	off := 0
	defer func() { r.compact(off) }()

	for {
		switch r.state {
		case SeekStart:
			i := r.start.IndexFrom(r.buf, max(off, r.scanned))
			if i < 0 {
				// Only a tag prefix at the very end can still become a start tag.
				keep := max(len(r.buf)-(r.start.Len()-1), off)
				r.stats.DiscardedBytes += uint64(keep - off)
				off = keep
				r.scanned = off
				return nil
			}
			r.stats.DiscardedBytes += uint64(i - off)
			off = i
			r.state = SeekEnd
			r.scanned = off + r.start.Len()

		case SeekEnd:
			j := r.end.IndexFrom(r.buf, max(off+r.start.Len(), r.scanned))
			if j < 0 {
				if r.limits.MaxFrameBytes > 0 && len(r.buf)-off > r.limits.MaxFrameBytes {
					r.stats.Oversize++
					r.stats.DiscardedBytes += uint64(r.start.Len())
					off += r.start.Len()
					r.state = SeekStart
					r.scanned = off
					continue
				}
				r.scanned = max(len(r.buf)-(r.end.Len()-1), off+r.start.Len())
				return nil
			}
			stop := j + r.end.Len()
			candidate := r.buf[off:stop]
			off = stop
			r.state = SeekStart
			r.scanned = off
			r.stats.Candidates++
			if err := emit(candidate); err != nil {
				return err
			}
		}
	}
}

// compact drops the consumed prefix, keeping the backing array.
func (r *Reassembler) compact(off int) {
	if off == 0 {
		return
	}
	n := copy(r.buf, r.buf[off:])
	r.buf = r.buf[:n]
	r.scanned = max(r.scanned-off, 0)
}

// Reset clears the buffer and returns to SeekStart.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.state = SeekStart
	r.scanned = 0
}

// Buffered is the number of retained, unconsumed bytes.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

func (r *Reassembler) State() State {
	return r.state
}

func (r *Reassembler) Stats() Stats {
	return r.stats
}
