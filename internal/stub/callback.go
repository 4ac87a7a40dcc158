package stub

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/model"
)

// Callback receives the outcome of Call. Exactly one method runs, on a bus
// delivery goroutine.
type Callback[T any] interface {
	Success(reply T)
	Failure(code int, detail string)
	Timeout(detail string)
	NoRoute(dst bus.Address)
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
	OutcomeTimeout
	OutcomeNoRoute
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNoRoute:
		return "no route"
	default:
		return "unresolved"
	}
}

// Result is the resolved outcome of one call. Reply is set for
// OutcomeSuccess, Code and Detail for OutcomeFailure, Detail for
// OutcomeTimeout and Destination for OutcomeNoRoute.
type Result[T any] struct {
	Outcome     Outcome
	Reply       T
	Code        int
	Detail      string
	Destination bus.Address
}

// Err returns nil on success and the classified error otherwise.
func (r Result[T]) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeFailure:
		return model.FromCode(r.Code, r.Detail)
	case OutcomeTimeout:
		return model.Errorf(model.KindTimeout, "%s", r.Detail)
	case OutcomeNoRoute:
		return model.Errorf(model.KindTimeout, "no route to %s", r.Destination)
	default:
		return model.Errorf(model.KindInternal, "call not resolved")
	}
}

// Dispatch hands r to the matching method of cb.
func Dispatch[T any](cb Callback[T], r Result[T]) {
	switch r.Outcome {
	case OutcomeSuccess:
		cb.Success(r.Reply)
	case OutcomeFailure:
		cb.Failure(r.Code, r.Detail)
	case OutcomeTimeout:
		cb.Timeout(r.Detail)
	case OutcomeNoRoute:
		cb.NoRoute(r.Destination)
	}
}

// adapter turns bus answers into a Result and resolves it once.
type adapter[T any] struct {
	dst      bus.Address
	cb       Callback[T]
	resolved atomic.Bool
}

func newAdapter[T any](dst bus.Address, cb Callback[T]) *adapter[T] {
	return &adapter[T]{dst: dst, cb: cb}
}

func (a *adapter[T]) resolve(r Result[T]) {
	if !a.resolved.CompareAndSwap(false, true) {
		return
	}
	Dispatch(a.cb, r)
}

func (a *adapter[T]) AnswerArrived(msg *bus.Message) {
	switch payload := msg.Payload.(type) {
	case T:
		if st, ok := any(payload).(model.Status); ok && st.ReturnCode() != model.CodeOK {
			a.resolve(Result[T]{Outcome: OutcomeFailure, Code: st.ReturnCode(), Detail: st.ErrorDetail()})
			return
		}
		a.resolve(Result[T]{Outcome: OutcomeSuccess, Reply: payload})
	case *model.Fault:
		a.ExceptionArrived(payload)
	default:
		a.resolve(Result[T]{
			Outcome: OutcomeFailure,
			Code:    model.CodeUnexpected,
			Detail:  fmt.Sprintf("unexpected reply: %T from %s", msg.Payload, msg.Source),
		})
	}
}

func (a *adapter[T]) ExceptionArrived(err error) {
	var nr *bus.NoRouteError
	var fault *model.Fault
	switch {
	case errors.As(err, &nr):
		a.resolve(Result[T]{Outcome: OutcomeNoRoute, Destination: nr.Destination})
	case errors.As(err, &fault):
		a.resolve(Result[T]{Outcome: OutcomeFailure, Code: fault.Code, Detail: fault.Message})
	default:
		a.resolve(Result[T]{Outcome: OutcomeFailure, Code: model.CodeUnexpected, Detail: "system error: " + err.Error()})
	}
}

func (a *adapter[T]) AnswerTimedOut() {
	a.resolve(Result[T]{Outcome: OutcomeTimeout, Detail: fmt.Sprintf("request to %s timed out", a.dst)})
}

// Funcs implements Callback with optional functions. Missing ones are
// ignored.
type Funcs[T any] struct {
	OnSuccess func(reply T)
	OnFailure func(code int, detail string)
	OnTimeout func(detail string)
	OnNoRoute func(dst bus.Address)
}

func (f Funcs[T]) Success(reply T) {
	if f.OnSuccess != nil {
		f.OnSuccess(reply)
	}
}

func (f Funcs[T]) Failure(code int, detail string) {
	if f.OnFailure != nil {
		f.OnFailure(code, detail)
	}
}

func (f Funcs[T]) Timeout(detail string) {
	if f.OnTimeout != nil {
		f.OnTimeout(detail)
	}
}

func (f Funcs[T]) NoRoute(dst bus.Address) {
	if f.OnNoRoute != nil {
		f.OnNoRoute(dst)
	}
}

type chanCallback[T any] chan Result[T]

func (c chanCallback[T]) Success(reply T) {
	c <- Result[T]{Outcome: OutcomeSuccess, Reply: reply}
}

func (c chanCallback[T]) Failure(code int, detail string) {
	c <- Result[T]{Outcome: OutcomeFailure, Code: code, Detail: detail}
}

func (c chanCallback[T]) Timeout(detail string) {
	c <- Result[T]{Outcome: OutcomeTimeout, Detail: detail}
}

func (c chanCallback[T]) NoRoute(dst bus.Address) {
	c <- Result[T]{Outcome: OutcomeNoRoute, Destination: dst}
}
