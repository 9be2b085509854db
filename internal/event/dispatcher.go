package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by waits that were outstanding when the dispatcher
// was closed, and by Await on a closed dispatcher.
var ErrClosed = errors.New("event: dispatcher closed")

// Dispatcher delivers the events of one session to its handlers.
//
// Publish never blocks: events are queued and drained by a single delivery
// goroutine, so handlers observe events in the order they were published and
// a slow handler delays, but never loses, later events. A handler that panics
// is recovered and logged; the remaining handlers still run.
//
// Waiters registered with Await are resolved by the terminal event of their
// exchange after every handler has seen it. Terminal events whose exchange
// has no waiter (the caller stopped waiting) are delivered and then ignored.
type Dispatcher struct {
	sessionID string
	logger    *slog.Logger
	intercept func(Event)
	now       func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	seq      uint64
	handlers []subscription
	nextSub  uint64
	waiters  map[string]*Waiter
	closed   bool
	done     chan struct{}
}

type subscription struct {
	id uint64
	h  Handler
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithInterceptor installs fn to run on every event before the handlers.
// The owning session uses it to record history and track its state.
func WithInterceptor(fn func(Event)) Option {
	return func(d *Dispatcher) { d.intercept = fn }
}

// WithClock overrides the timestamp source for published events.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher for the given session and starts its
// delivery goroutine. Call Close to stop it.
func NewDispatcher(sessionID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessionID: sessionID,
		logger:    slog.Default(),
		now:       time.Now,
		waiters:   make(map[string]*Waiter),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Publish queues e for delivery and reports whether it was accepted. Events
// published after Close are discarded.
func (d *Dispatcher) Publish(e Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.seq++
	e.Seq = d.seq
	if e.SessionID == "" {
		e.SessionID = d.sessionID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now()
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
	return true
}

// Subscribe registers h and returns a function that removes it. Handlers run
// in registration order.
func (d *Dispatcher) Subscribe(h Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || h == nil {
		return func() {}
	}
	d.nextSub++
	id := d.nextSub
	d.handlers = append(d.handlers, subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.handlers {
				if s.id == id {
					d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Await registers a one-shot waiter for the given exchange. It must be
// called before the exchange is sent so the terminal event cannot be missed.
func (d *Dispatcher) Await(exchangeID string) (*Waiter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, ok := d.waiters[exchangeID]; ok {
		return nil, errors.New("event: exchange " + exchangeID + " already awaited")
	}
	w := &Waiter{d: d, exchangeID: exchangeID, done: make(chan struct{})}
	d.waiters[exchangeID] = w
	return w, nil
}

// Close stops delivery. Queued events are discarded and outstanding waiters
// fail with ErrClosed. Close does not wait for an in-progress handler call;
// use Done for that. It is safe to call from a handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.handlers = nil
	waiters := d.waiters
	d.waiters = make(map[string]*Waiter)
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, w := range waiters {
		w.settle(Outcome{}, ErrClosed)
	}
}

// Done is closed once the delivery goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		handlers := make([]subscription, len(d.handlers))
		copy(handlers, d.handlers)
		d.mu.Unlock()

		if d.intercept != nil {
			d.safeCall(e, func() { d.intercept(e) })
		}
		for _, s := range handlers {
			if d.isClosed() {
				return
			}
			d.safeCall(e, func() { s.h.HandleEvent(e) })
		}
		d.track(e)
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// track feeds e to the waiter of its exchange, if any.
func (d *Dispatcher) track(e Event) {
	d.mu.Lock()
	w, ok := d.waiters[e.ExchangeID]
	if !ok {
		d.mu.Unlock()
		if e.Type.Terminal() {
			d.logger.Debug("terminal event without waiter",
				"session", d.sessionID, "exchange", e.ExchangeID, "type", string(e.Type))
		}
		return
	}
	switch e.Type {
	case TypeAssistantMessage:
		last := e
		w.last = &last
		d.mu.Unlock()
	case TypeSessionIdle, TypeSessionError:
		delete(d.waiters, e.ExchangeID)
		last := w.last
		d.mu.Unlock()
		w.settle(Outcome{Last: last, Terminal: e}, nil)
	default:
		d.mu.Unlock()
	}
}

// safeCall calls fn with panic recovery. One handler failing shouldn't block others.
func (d *Dispatcher) safeCall(e Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("event handler panicked",
				"session", d.sessionID, "type", string(e.Type), "seq", e.Seq, "panic", r)
		}
	}()
	fn()
}

// Outcome is the result of a completed exchange.
type Outcome struct {
	// Last is the final assistant.message of the exchange, or nil.
	Last *Event
	// Terminal is the session.idle or session.error event that ended it.
	Terminal Event
}

// Failed reports whether the exchange ended with session.error.
func (o Outcome) Failed() bool { return o.Terminal.Type == TypeSessionError }

// Waiter is a one-shot completion slot for a single exchange.
type Waiter struct {
	d          *Dispatcher
	exchangeID string
	last       *Event // guarded by d.mu

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	err     error
}

// Wait blocks until the exchange ends, the dispatcher closes or ctx is done.
// When ctx ends first the waiter is cancelled; a terminal event arriving
// later is ignored.
func (w *Waiter) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-w.done:
		return w.outcome, w.err
	case <-ctx.Done():
		w.Cancel()
		return Outcome{}, ctx.Err()
	}
}

// Cancel releases the waiter's slot. It is idempotent.
func (w *Waiter) Cancel() {
	w.d.mu.Lock()
	if cur, ok := w.d.waiters[w.exchangeID]; ok && cur == w {
		delete(w.d.waiters, w.exchangeID)
	}
	w.d.mu.Unlock()
	w.settle(Outcome{}, context.Canceled)
}

func (w *Waiter) settle(o Outcome, err error) {
	w.once.Do(func() {
		w.outcome = o
		w.err = err
		close(w.done)
	})
}
