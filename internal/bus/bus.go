// Package bus is a best effort, point to point message bus. Payloads are
// serialized on send and decoded into fresh values on delivery, so sender
// and receiver never share memory. There is no ordering between independent
// sends and a missing destination is reported as a no route condition.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Address names an endpoint on the bus.
type Address string

var (
	ErrNoRoute        = errors.New("no route")
	ErrClosed         = errors.New("endpoint closed")
	ErrAddressInUse   = errors.New("address already in use")
	ErrNotRegistered  = errors.New("payload type not registered")
	ErrEmptyRecipient = errors.New("empty destination")
)

// NoRouteError reports that nothing listens on Destination.
type NoRouteError struct {
	Destination Address
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route to %s", e.Destination)
}

func (e *NoRouteError) Unwrap() error {
	return ErrNoRoute
}

// Message is a delivered envelope with a decoded payload.
type Message struct {
	ID            uuid.UUID
	InReplyTo     uuid.UUID
	Source        Address
	Destination   Address
	Type          string
	Payload       any
	ReplyRequired bool

	endpoint Endpoint
}

// Reply answers m through the endpoint that received it.
func (m *Message) Reply(ctx context.Context, payload any) error {
	if m.endpoint == nil {
		return ErrClosed
	}
	return m.endpoint.Reply(ctx, m, payload)
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.InReplyTo != uuid.Nil
}

// Handler receives messages addressed to an endpoint. Every delivery runs
// on its own goroutine.
type Handler interface {
	Deliver(ctx context.Context, msg *Message)
}

type HandlerFunc func(ctx context.Context, msg *Message)

func (f HandlerFunc) Deliver(ctx context.Context, msg *Message) {
	f(ctx, msg)
}

// Answerable receives the outcome of SendWithReply. Exactly one method is
// called per request.
type Answerable interface {
	AnswerArrived(msg *Message)
	ExceptionArrived(err error)
	AnswerTimedOut()
}

// Endpoint is the sending side of a bus connection.
type Endpoint interface {
	Address() Address
	// Send delivers payload without waiting for a reply.
	Send(ctx context.Context, dst Address, payload any) error
	// SendWithReply delivers payload and reports the reply, a timeout or a
	// delivery failure to answer. It never blocks on the reply.
	SendWithReply(ctx context.Context, dst Address, payload any, timeout time.Duration, answer Answerable)
	// SendAndWait blocks until the reply arrives. A timeout yields a nil
	// message and a nil error.
	SendAndWait(ctx context.Context, dst Address, payload any, timeout time.Duration) (*Message, error)
	// Reply answers req with payload.
	Reply(ctx context.Context, req *Message, payload any) error
}
