// Package session implements a single conversation with the remote agent
// service: an append-only history, a lifecycle state and an ordered stream
// of events delivered to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrelay/internal/agent"
	"agentrelay/internal/event"
	"agentrelay/internal/store"
)

// DefaultTimeout bounds SendAndWait when the caller passes zero.
const DefaultTimeout = 60 * time.Second

// MessageOptions describes an outbound message.
type MessageOptions struct {
	Prompt string
}

// Saver persists a session when it is destroyed.
type Saver interface {
	Save(ctx context.Context, rec store.Record) error
}

// Session is one conversation. All methods are safe for concurrent use.
type Session struct {
	id        string
	cfg       agent.Config
	transport agent.Transport
	saver     Saver
	logger    *slog.Logger
	now       func() time.Time
	onDestroy func(*Session)

	disp   *event.Dispatcher
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	history   []agent.Message
	pending   map[string]struct{}
	createdAt time.Time
	updatedAt time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithSaver persists the session on Destroy.
func WithSaver(s Saver) Option {
	return func(sess *Session) { sess.saver = s }
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(sess *Session) {
		if l != nil {
			sess.logger = l
		}
	}
}

// WithHistory seeds a resumed session with its persisted state.
func WithHistory(history []agent.Message, createdAt time.Time) Option {
	return func(sess *Session) {
		sess.history = append([]agent.Message(nil), history...)
		if !createdAt.IsZero() {
			sess.createdAt = createdAt
		}
	}
}

// WithOnDestroy registers fn to run once the session is destroyed.
func WithOnDestroy(fn func(*Session)) Option {
	return func(sess *Session) { sess.onDestroy = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(sess *Session) { sess.now = now }
}

// New creates a session that sends its exchanges through t.
func New(id string, cfg agent.Config, t agent.Transport, opts ...Option) *Session {
	s := &Session{
		id:        id,
		cfg:       cfg.Clone(),
		transport: t,
		logger:    slog.Default(),
		now:       time.Now,
		pending:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.createdAt.IsZero() {
		s.createdAt = s.now()
	}
	s.updatedAt = s.createdAt
	s.logger = s.logger.With("session", id)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.disp = event.NewDispatcher(id,
		event.WithLogger(s.logger),
		event.WithInterceptor(s.observe),
		event.WithClock(s.now),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns a copy of the session configuration.
func (s *Session) Config() agent.Config { return s.cfg.Clone() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Message(nil), s.history...)
}

// Snapshot returns the persistable form of the session.
func (s *Session) Snapshot() store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() store.Record {
	return store.Record{
		ID:        s.id,
		Config:    s.cfg.Clone(),
		History:   append([]agent.Message(nil), s.history...),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// On registers h to receive every later event of this session, in order.
// The returned function unregisters it.
func (s *Session) On(h event.Handler) (unsubscribe func()) {
	return s.disp.Subscribe(h)
}

// Send submits a message and returns as soon as the transport has accepted
// it. Progress is reported to observers registered with On.
func (s *Session) Send(ctx context.Context, opts MessageOptions) (exchangeID string, err error) {
	exchangeID, _, err = s.send(ctx, opts, false)
	return exchangeID, err
}

// SendAndWait submits a message and blocks until its exchange ends or
// timeout elapses (DefaultTimeout when zero). It returns the last assistant
// message of the exchange, or nil if the agent produced none.
//
// On expiry it returns a *TimeoutError; the exchange is not cancelled and the
// session stays usable. An exchange ending in session.error yields a
// *RemoteError.
func (s *Session) SendAndWait(ctx context.Context, opts MessageOptions, timeout time.Duration) (*event.Event, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	exchangeID, w, err := s.send(ctx, opts, true)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := w.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrClosed):
		return nil, fmt.Errorf("%w: session %s destroyed while waiting", ErrInvalidState, s.id)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &TimeoutError{SessionID: s.id, ExchangeID: exchangeID, Timeout: timeout}
	default:
		return nil, err
	}

	if out.Failed() {
		return nil, &RemoteError{SessionID: s.id, ExchangeID: exchangeID, Message: out.Terminal.Data.Message}
	}
	return out.Last, nil
}

func (s *Session) send(ctx context.Context, opts MessageOptions, wait bool) (string, *event.Waiter, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	exchangeID := uuid.NewString()

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return "", nil, fmt.Errorf("%w: session %s is destroyed", ErrInvalidState, s.id)
	}
	var w *event.Waiter
	if wait {
		var err error
		if w, err = s.disp.Await(exchangeID); err != nil {
			s.mu.Unlock()
			return "", nil, fmt.Errorf("%w: session %s: %v", ErrInvalidState, s.id, err)
		}
	}
	prior := append([]agent.Message(nil), s.history...)
	now := s.now()
	s.history = append(s.history, agent.Message{Role: agent.RoleUser, Content: opts.Prompt, Timestamp: now})
	s.updatedAt = now
	s.pending[exchangeID] = struct{}{}
	s.state = StateActive
	s.mu.Unlock()

	s.disp.Publish(event.Event{
		Type:       event.TypeUserMessage,
		ExchangeID: exchangeID,
		Data:       event.Data{Content: opts.Prompt},
	})

	req := agent.Request{
		SessionID:  s.id,
		ExchangeID: exchangeID,
		Prompt:     opts.Prompt,
		Config:     s.cfg.Clone(),
		History:    prior,
	}
	if err := s.transport.Send(s.ctx, req, s.publish); err != nil {
		if w != nil {
			w.Cancel()
		}
		s.mu.Lock()
		delete(s.pending, exchangeID)
		if s.state != StateDestroyed {
			s.state = StateErroring
		}
		s.mu.Unlock()
		return "", nil, &RemoteError{SessionID: s.id, ExchangeID: exchangeID, Message: err.Error(), Err: err}
	}
	s.logger.Debug("message sent", "exchange", exchangeID, "wait", wait)
	return exchangeID, w, nil
}

func (s *Session) publish(e event.Event) {
	e.SessionID = s.id
	s.disp.Publish(e)
}

// observe runs on the delivery goroutine before any observer sees e.
func (s *Session) observe(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	switch e.Type {
	case event.TypeAssistantMessage:
		s.history = append(s.history, agent.Message{Role: agent.RoleAssistant, Content: e.Data.Content, Timestamp: e.Timestamp})
		s.updatedAt = e.Timestamp
	case event.TypeSessionIdle, event.TypeSessionError:
		delete(s.pending, e.ExchangeID)
		switch {
		case e.Type == event.TypeSessionError:
			s.state = StateErroring
			s.logger.Warn("exchange failed", "exchange", e.ExchangeID, "error", e.Data.Message)
		case len(s.pending) == 0:
			s.state = StateIdle
		}
	}
}

// Destroy persists the session, cancels in-flight exchanges and stops event
// delivery. Later operations fail with ErrInvalidState; calling Destroy
// again is a no-op.
func (s *Session) Destroy(ctx context.Context) error {
	return s.destroy(ctx, true)
}

// Discard releases the session like Destroy but without persisting it.
func (s *Session) Discard() {
	_ = s.destroy(context.Background(), false)
}

func (s *Session) destroy(ctx context.Context, persist bool) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDestroyed
	rec := s.recordLocked()
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	s.cancel()
	s.disp.Close()

	var err error
	if persist && s.saver != nil {
		if serr := s.saver.Save(ctx, rec); serr != nil {
			err = fmt.Errorf("persist session %s: %w", s.id, serr)
		}
	}
	if s.onDestroy != nil {
		s.onDestroy(s)
	}
	s.logger.Debug("session destroyed", "persisted", persist && err == nil, "messages", len(rec.History))
	return err
}
