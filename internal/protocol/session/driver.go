package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/danmuck/tagwire/internal/protocol"
	"github.com/danmuck/tagwire/internal/protocol/stream"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Listen runs the receive loop on rw until the transport closes, a reply
// write fails or ctx ends. Frames are dispatched strictly in arrival order.
// Malformed and misaddressed frames are dropped. The returned error wraps
// ErrConnectionClosed, ErrWriteFailed or the context error.
func (e *Engine) Listen(ctx context.Context, rw io.ReadWriter) error {
	if !e.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	defer e.listening.Store(false)

	role := e.role.String()
	rd, canDeadline := rw.(readDeadliner)
	if canDeadline {
		stop := context.AfterFunc(ctx, func() {
			_ = rd.SetReadDeadline(time.Unix(1, 0))
		})
		defer stop()
	}

	r := stream.New(e.cfg.Limits)
	buf := make([]byte, e.cfg.ReadBufferSize)
	var oversize uint64

	e.log.Debug().Str("client_id", e.clientID).Msg("session.Listen start")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if canDeadline && e.cfg.ReadTimeout > 0 {
			_ = rd.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
			// The cancel hook may have fired between the check and the reset.
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		n, readErr := rw.Read(buf)
		if n > 0 {
			err := r.Feed(buf[:n], func(candidate []byte) error {
				return e.handleCandidate(ctx, candidate, rw)
			})
			if s := r.Stats(); s.Oversize > oversize {
				for ; oversize < s.Oversize; oversize++ {
					e.rec.FrameDropped(role, DropOversize)
				}
				e.log.Warn().Uint64("oversize", s.Oversize).Msg("session.Listen dropped oversize frame")
			}
			if err != nil {
				e.log.Warn().Err(err).Msg("session.Listen terminated")
				return err
			}
		}
		if readErr == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if isTimeout(readErr) {
			e.sweep(e.now())
			continue
		}
		e.log.Debug().Err(readErr).Int("buffered", r.Buffered()).Msg("session.Listen closed")
		return fmt.Errorf("%w: %w", ErrConnectionClosed, readErr)
	}
}

// handleCandidate decodes and dispatches one candidate. Only write failures
// escape; everything else is logged and the stream continues.
func (e *Engine) handleCandidate(ctx context.Context, candidate []byte, w io.Writer) error {
	role := e.role.String()
	f, err := e.codec.Decode(candidate)
	if err != nil {
		reason := DropMalformed
		if errors.Is(err, protocol.ErrIdentity) {
			reason = DropIdentity
		}
		e.rec.FrameDropped(role, reason)
		e.log.Debug().Err(err).Int("bytes", len(candidate)).Msg("session.Listen dropped frame")
		return nil
	}
	e.rec.FrameReceived(role)

	err = e.Dispatch(ctx, f, w)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrWriteFailed) {
		return err
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		e.log.Error().
			Err(herr.Err).
			Str("event", herr.Event).
			Int("handler", herr.Index).
			Str("ref", f.Head.Ref).
			Msg("session.Dispatch handler failed")
		return nil
	}
	e.log.Error().Err(err).Str("event", f.Head.Event).Msg("session.Dispatch failed")
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
