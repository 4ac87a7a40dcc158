// Package stub turns one-way bus delivery into request/reply calls.
//
// CallAndWait blocks for the reply, validates its type and translates a
// failed reply into a *model.Error. Call registers a Callback and returns
// at once; exactly one of the callback methods runs per call. Send is fire
// and forget.
package stub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/model"
)

// ErrNoDestination is returned when neither the stub nor the call names a
// destination.
var ErrNoDestination = errors.New("stub: no destination")

// Stub binds a bus endpoint to a default destination and timeout. It is
// immutable and safe to share.
type Stub struct {
	endpoint    bus.Endpoint
	destination bus.Address
	timeout     time.Duration
}

func New(endpoint bus.Endpoint, destination bus.Address, timeout time.Duration) Stub {
	return Stub{
		endpoint:    endpoint,
		destination: destination,
		timeout:     timeout,
	}
}

func (s Stub) Destination() bus.Address {
	return s.destination
}

func (s Stub) Timeout() time.Duration {
	return s.timeout
}

// WithTimeout returns a copy of s using timeout.
func (s Stub) WithTimeout(timeout time.Duration) Stub {
	s.timeout = timeout
	return s
}

// WithDestination returns a copy of s sending to dst.
func (s Stub) WithDestination(dst bus.Address) Stub {
	s.destination = dst
	return s
}

// CallAndWait sends msg to the stub's destination and waits for a reply
// of the same type.
func CallAndWait[T any](ctx context.Context, s Stub, msg T) (T, error) {
	return CallAndWaitTo(ctx, s, s.destination, msg)
}

// CallAndWaitTo is CallAndWait with an explicit destination.
func CallAndWaitTo[T any](ctx context.Context, s Stub, dst bus.Address, msg T) (T, error) {
	var zero T
	if dst == "" {
		return zero, ErrNoDestination
	}
	if r, ok := any(msg).(model.ReplyRequirer); ok {
		r.SetReplyRequired(true)
	}

	reply, err := s.endpoint.SendAndWait(ctx, dst, msg, s.timeout)
	switch {
	case bus.IsNoRoute(err):
		return zero, model.Errorf(model.KindTimeout, "%s", err.Error())
	case err != nil && ctx.Err() != nil:
		return zero, err
	case err != nil:
		return zero, model.Errorf(model.KindInternal, "sending to %s: %s", dst, err)
	case reply == nil:
		return zero, model.Errorf(model.KindTimeout, "request to %s timed out", dst)
	}

	if fault, ok := reply.Payload.(*model.Fault); ok {
		return zero, fault.Err()
	}
	typed, ok := reply.Payload.(T)
	if !ok {
		return zero, model.Errorf(model.KindUnexpectedReplyType,
			"got unexpected message of type %T from %s", reply.Payload, reply.Source)
	}
	if st, ok := any(typed).(model.Status); ok && st.ReturnCode() != model.CodeOK {
		return zero, model.FromCode(st.ReturnCode(), st.ErrorDetail())
	}
	return typed, nil
}

// Call sends msg to the stub's destination and reports the outcome to cb.
// It returns ErrNoDestination without calling cb if no destination is
// configured.
func Call[T any](ctx context.Context, s Stub, msg T, cb Callback[T]) error {
	return CallTo(ctx, s, s.destination, msg, cb)
}

// CallTo is Call with an explicit destination.
func CallTo[T any](ctx context.Context, s Stub, dst bus.Address, msg T, cb Callback[T]) error {
	if dst == "" {
		return ErrNoDestination
	}
	if r, ok := any(msg).(model.ReplyRequirer); ok {
		r.SetReplyRequired(true)
	}
	s.endpoint.SendWithReply(ctx, dst, msg, s.timeout, newAdapter(dst, cb))
	return nil
}

// Await is Call with the outcome delivered on a buffered channel.
func Await[T any](ctx context.Context, s Stub, msg T) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	err := Call(ctx, s, msg, chanCallback[T](ch))
	if err != nil {
		ch <- Result[T]{Outcome: OutcomeFailure, Code: model.CodeUnexpected, Detail: err.Error()}
	}
	return ch
}

// Send delivers msg to the stub's destination without expecting a reply.
// A missing route is not an error.
func (s Stub) Send(ctx context.Context, msg any) error {
	return s.SendTo(ctx, s.destination, msg)
}

// SendTo is Send with an explicit destination.
func (s Stub) SendTo(ctx context.Context, dst bus.Address, msg any) error {
	if dst == "" {
		return ErrNoDestination
	}
	err := s.endpoint.Send(ctx, dst, msg)
	if bus.IsNoRoute(err) {
		slog.DebugContext(ctx, "message dropped", "destination", dst, "type", fmt.Sprintf("%T", msg))
		return nil
	}
	return err
}
