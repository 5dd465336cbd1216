package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/danmuck/tagwire/internal/protocol/frame"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Register is an alias of On.
func (e *Engine) Register(event string, h Handler) error {
	return e.On(event, h)
}

// Dispatch routes one decoded frame. Continuations registered for the frame's
// ref take priority and consume it. Otherwise the event handlers run in
// order, and for events other than "response" each result is written back to
// w as a "response" frame with the request's ref and client id.
func (e *Engine) Dispatch(ctx context.Context, f frame.Frame, w io.Writer) (err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "session.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tagwire.role", e.role.String()),
			attribute.String("tagwire.event", f.Head.Event),
			attribute.String("tagwire.ref", f.Head.Ref),
			attribute.String("tagwire.client_id", f.Head.ClientID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.rec.Dispatched(e.role.String(), time.Since(started), err)
	}()

	e.sweep(e.now())

	cbs, pending := e.pending.Resolve(f)
	if pending {
		e.rec.PendingClosed(e.role.String(), PendingAnswered)
	}
	if len(cbs) > 0 {
		span.SetAttributes(attribute.String("tagwire.route", "continuation"))
		for _, cb := range cbs {
			if err := runContinuation(cb, f); err != nil {
				return &HandlerError{Event: f.Head.Event, Index: -1, Err: err}
			}
		}
		return nil
	}

	handlers := e.handlersFor(f.Head.Event)
	if len(handlers) == 0 {
		if !pending {
			e.rec.FrameDropped(e.role.String(), DropUnhandled)
			e.log.Debug().
				Str("event", f.Head.Event).
				Str("ref", f.Head.Ref).
				Msg("session.Dispatch no handler")
		}
		return nil
	}
	span.SetAttributes(attribute.String("tagwire.route", "handler"))

	for i, h := range handlers {
		result, err := runHandler(ctx, h, f)
		if err != nil {
			return &HandlerError{Event: f.Head.Event, Index: i, Err: err}
		}
		if f.Head.Event == frame.EventResponse {
			continue
		}
		body, ok := asBody(result)
		if !ok {
			return &HandlerError{
				Event: f.Head.Event,
				Index: i,
				Err:   fmt.Errorf("%w: got %T", ErrHandlerContract, result),
			}
		}
		if err := e.reply(w, f.Head, body); err != nil {
			if errors.Is(err, ErrWriteFailed) {
				return err
			}
			return &HandlerError{Event: f.Head.Event, Index: i, Err: err}
		}
	}
	return nil
}

func (e *Engine) reply(w io.Writer, req frame.Head, body frame.Body) error {
	raw, err := frame.EncodeAt(e.now(), frame.EventResponse, body, req.Ref, req.ClientID, e.cfg.Limits)
	if err != nil {
		return err
	}
	if err := e.write(w, raw); err != nil {
		return err
	}
	e.rec.FrameSent(e.role.String(), frame.EventResponse)
	return nil
}

// asBody accepts any map keyed by a string kind. A typed nil map is an empty
// body; an untyped nil is not a map.
func asBody(result any) (frame.Body, bool) {
	if body, ok := result.(frame.Body); ok {
		return body, true
	}
	v := reflect.ValueOf(result)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	body := make(frame.Body, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		body[iter.Key().String()] = iter.Value().Interface()
	}
	return body, true
}

func runHandler(ctx context.Context, h Handler, f frame.Frame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, f.Head, f.Body)
}

func runContinuation(cb Continuation, f frame.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panic: %v", r)
		}
	}()
	cb(f.Head, f.Body)
	return nil
}
