package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is an in-process router. Every endpoint of the process connects to
// it under a unique address.
type Local struct {
	ctx    context.Context
	cancel context.CancelFunc
	mx     sync.RWMutex
	conns  map[Address]*Conn
	closed bool
	wg     sync.WaitGroup
}

func NewLocal(ctx context.Context) *Local {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Local{
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[Address]*Conn),
	}
}

// Connect attaches handler under addr. A nil handler makes a send-only
// endpoint which still receives replies.
func (l *Local) Connect(addr Address, handler Handler) (*Conn, error) {
	if addr == "" {
		return nil, ErrEmptyRecipient
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.conns[addr]; ok {
		return nil, ErrAddressInUse
	}
	c := &Conn{
		local:   l,
		addr:    addr,
		handler: handler,
		pending: make(map[uuid.UUID]*pending),
	}
	l.conns[addr] = c
	return c, nil
}

// Close disconnects every endpoint and waits for in-flight deliveries.
func (l *Local) Close() {
	l.mx.Lock()
	if l.closed {
		l.mx.Unlock()
		return
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	clear(l.conns)
	l.mx.Unlock()

	for _, c := range conns {
		c.failPending()
	}
	l.cancel()
	l.wg.Wait()
}

type envelope struct {
	id            uuid.UUID
	inReplyTo     uuid.UUID
	source        Address
	destination   Address
	typ           string
	raw           []byte
	replyRequired bool
}

func (l *Local) route(env envelope) error {
	l.mx.RLock()
	defer l.mx.RUnlock()
	if l.closed {
		return ErrClosed
	}
	c, ok := l.conns[env.destination]
	if !ok {
		return &NoRouteError{Destination: env.destination}
	}
	l.wg.Go(func() {
		c.receive(l.ctx, env)
	})
	return nil
}

// spawn runs f on a tracked goroutine, or inline once the router closed.
func (l *Local) spawn(f func()) {
	l.mx.RLock()
	if l.closed {
		l.mx.RUnlock()
		f()
		return
	}
	l.wg.Go(f)
	l.mx.RUnlock()
}

type pending struct {
	answer Answerable
	timer  *time.Timer
}

// Conn is an endpoint connected to a Local router.
type Conn struct {
	local   *Local
	addr    Address
	handler Handler
	mx      sync.Mutex
	pending map[uuid.UUID]*pending
	closed  bool
}

var _ Endpoint = (*Conn)(nil)

func (c *Conn) Address() Address {
	return c.addr
}

// Close detaches the endpoint. Outstanding requests fail with ErrClosed.
func (c *Conn) Close() error {
	c.local.mx.Lock()
	if c.local.conns[c.addr] == c {
		delete(c.local.conns, c.addr)
	}
	c.local.mx.Unlock()
	c.failPending()
	return nil
}

func (c *Conn) failPending() {
	c.mx.Lock()
	c.closed = true
	pending := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		pending = append(pending, p)
		delete(c.pending, id)
	}
	c.mx.Unlock()
	for _, p := range pending {
		p.answer.ExceptionArrived(ErrClosed)
	}
}

// claim removes the pending request id. Only the caller that gets a non
// nil result may resolve it.
func (c *Conn) claim(id uuid.UUID) *pending {
	c.mx.Lock()
	defer c.mx.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (c *Conn) envelope(dst Address, payload any) (envelope, error) {
	if dst == "" {
		return envelope{}, ErrEmptyRecipient
	}
	typ, raw, err := encode(payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{
		id:          uuid.New(),
		source:      c.addr,
		destination: dst,
		typ:         typ,
		raw:         raw,
	}, nil
}

func (c *Conn) Send(_ context.Context, dst Address, payload any) error {
	env, err := c.envelope(dst, payload)
	if err != nil {
		return err
	}
	return c.local.route(env)
}

func (c *Conn) SendWithReply(ctx context.Context, dst Address, payload any, timeout time.Duration, answer Answerable) {
	c.sendWithReply(ctx, dst, payload, timeout, answer)
}

func (c *Conn) sendWithReply(_ context.Context, dst Address, payload any, timeout time.Duration, answer Answerable) uuid.UUID {
	env, err := c.envelope(dst, payload)
	if err != nil {
		c.local.spawn(func() { answer.ExceptionArrived(err) })
		return uuid.Nil
	}
	env.replyRequired = true

	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		c.local.spawn(func() { answer.ExceptionArrived(ErrClosed) })
		return uuid.Nil
	}
	p := &pending{answer: answer}
	c.pending[env.id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if c.claim(env.id) != nil {
				answer.AnswerTimedOut()
			}
		})
	}
	c.mx.Unlock()

	if err := c.local.route(env); err != nil {
		if c.claim(env.id) != nil {
			c.local.spawn(func() { answer.ExceptionArrived(err) })
		}
	}
	return env.id
}

type waitResult struct {
	msg *Message
	err error
}

type waiter chan waitResult

func (w waiter) AnswerArrived(msg *Message) { w <- waitResult{msg: msg} }
func (w waiter) ExceptionArrived(err error) { w <- waitResult{err: err} }
func (w waiter) AnswerTimedOut()            { w <- waitResult{} }

func (c *Conn) SendAndWait(ctx context.Context, dst Address, payload any, timeout time.Duration) (*Message, error) {
	ch := make(waiter, 1)
	id := c.sendWithReply(ctx, dst, payload, timeout, ch)
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		if id != uuid.Nil {
			c.claim(id)
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) Reply(_ context.Context, req *Message, payload any) error {
	env, err := c.envelope(req.Source, payload)
	if err != nil {
		return err
	}
	env.inReplyTo = req.ID
	return c.local.route(env)
}

func (c *Conn) receive(ctx context.Context, env envelope) {
	payload, err := decode(env.typ, env.raw)
	msg := &Message{
		ID:            env.id,
		InReplyTo:     env.inReplyTo,
		Source:        env.source,
		Destination:   env.destination,
		Type:          env.typ,
		Payload:       payload,
		ReplyRequired: env.replyRequired,
		endpoint:      c,
	}

	if msg.IsReply() {
		p := c.claim(env.inReplyTo)
		if p == nil {
			slog.DebugContext(ctx, "dropping late reply", "address", c.addr, "source", env.source, "type", env.typ)
			return
		}
		if err != nil {
			p.answer.ExceptionArrived(err)
			return
		}
		p.answer.AnswerArrived(msg)
		return
	}

	switch {
	case err != nil:
		slog.WarnContext(ctx, "dropping message", "address", c.addr, "source", env.source, "error", err)
	case c.handler == nil:
		slog.DebugContext(ctx, "no handler: dropping message", "address", c.addr, "type", env.typ)
	default:
		c.handler.Deliver(ctx, msg)
	}
}

// IsNoRoute reports whether err is a delivery failure to a missing
// destination.
func IsNoRoute(err error) bool {
	return errors.Is(err, ErrNoRoute)
}
