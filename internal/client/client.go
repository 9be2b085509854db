// Package client owns the connection to the agent service and the registry
// of live sessions.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrelay/internal/agent"
	"agentrelay/internal/session"
	"agentrelay/internal/store"
)

// State is the lifecycle state of a Client.
type State int

const (
	StateStopped State = iota
	StateStarted
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarted:
		return "started"
	default:
		return "unknown"
	}
}

// SessionConfig describes a session to create.
type SessionConfig struct {
	// SessionID is generated when empty.
	SessionID string
	agent.Config
}

// SessionInfo summarises a live or persisted session.
type SessionInfo struct {
	ID        string        `json:"id"`
	Live      bool          `json:"live"`
	State     session.State `json:"state"`
	Model     string        `json:"model,omitempty"`
	Messages  int           `json:"messages"`
	UpdatedAt time.Time     `json:"updatedAt,omitzero"`
}

// Client creates, resumes and tracks sessions.
type Client struct {
	transport agent.Transport
	store     store.Store
	logger    *slog.Logger
	newID     func() string

	mu       sync.Mutex
	state    State
	sessions map[string]*session.Session
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for the client and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIDGenerator overrides how session IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// New returns a stopped client. st persists destroyed sessions.
func New(t agent.Transport, st store.Store, opts ...Option) *Client {
	c := &Client{
		transport: t,
		store:     st,
		logger:    slog.Default(),
		newID:     newSessionID,
		sessions:  make(map[string]*session.Session),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// State returns the client's lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects the transport. Starting a started client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarted {
		return nil
	}
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	c.state = StateStarted
	c.logger.Debug("client started")
	return nil
}

// Stop destroys every live session, persisting each, then stops the
// transport. Stopping a stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	live := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.transport.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}
	c.logger.Debug("client stopped", "destroyed", len(live))
	return errors.Join(errs...)
}

// CreateSession starts a new session. It fails with ErrDuplicateSession if
// the ID is live or already persisted; use ResumeSession for the latter.
func (c *Client) CreateSession(ctx context.Context, cfg SessionConfig) (*session.Session, error) {
	id := cfg.SessionID
	if id == "" {
		id = c.newID()
	}
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	if err := c.checkFree(id); err != nil {
		return nil, err
	}

	// The store may be remote; keep the registry unlocked while asking it.
	if _, err := c.store.Load(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s is persisted", session.ErrDuplicateSession, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check session %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFreeLocked(id); err != nil {
		return nil, err
	}
	s := c.newSession(id, cfg.Config)
	c.logger.Info("session created", "session", id, "model", cfg.Model)
	return s, nil
}

// ResumeSession rehydrates a persisted session with its configuration and
// history.
func (c *Client) ResumeSession(ctx context.Context, id string) (*session.Session, error) {
	if err := c.checkFree(id); err != nil {
		return nil, err
	}

	rec, err := c.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFreeLocked(id); err != nil {
		return nil, err
	}
	s := c.newSession(id, rec.Config, session.WithHistory(rec.History, rec.CreatedAt))
	c.logger.Info("session resumed", "session", id, "messages", len(rec.History))
	return s, nil
}

// checkFree fails unless the client is started and no live session has id.
func (c *Client) checkFree(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkFreeLocked(id)
}

func (c *Client) checkFreeLocked(id string) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	if _, ok := c.sessions[id]; ok {
		return fmt.Errorf("%w: %s is already live", session.ErrDuplicateSession, id)
	}
	return nil
}

// newSession must be called with c.mu held.
func (c *Client) newSession(id string, cfg agent.Config, opts ...session.Option) *session.Session {
	opts = append(opts,
		session.WithSaver(c.store),
		session.WithLogger(c.logger),
		session.WithOnDestroy(c.detach),
	)
	s := session.New(id, cfg, c.transport, opts...)
	c.sessions[id] = s
	return s
}

func (c *Client) detach(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.ID()]; ok && cur == s {
		delete(c.sessions, s.ID())
	}
}

// Session returns the live session with the given ID.
func (c *Client) Session(id string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// ListSessions returns a snapshot of live and persisted sessions sorted by
// ID. Later registry changes do not affect the returned slice.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	c.mu.Lock()
	if err := c.requireStarted(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	live := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	infos := make(map[string]SessionInfo, len(live))
	for _, s := range live {
		rec := s.Snapshot()
		infos[rec.ID] = SessionInfo{
			ID:        rec.ID,
			Live:      true,
			State:     s.State(),
			Model:     rec.Config.Model,
			Messages:  len(rec.History),
			UpdatedAt: rec.UpdatedAt,
		}
	}

	ids, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		if _, ok := infos[id]; ok {
			continue
		}
		rec, err := c.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // deleted concurrently
			}
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		infos[id] = SessionInfo{
			ID:        id,
			State:     session.StateDestroyed,
			Model:     rec.Config.Model,
			Messages:  len(rec.History),
			UpdatedAt: rec.UpdatedAt,
		}
	}

	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSession erases the persisted state of a session. A live session with
// the ID is released without being persisted. It fails with ErrNotFound when
// the ID is neither live nor persisted.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if err := c.requireStarted(); err != nil {
		c.mu.Unlock()
		return err
	}
	live, isLive := c.sessions[id]
	c.mu.Unlock()

	if isLive {
		live.Discard()
	}
	err := c.store.Delete(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound) && isLive:
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	default:
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	c.logger.Info("session deleted", "session", id, "live", isLive)
	return nil
}

func (c *Client) requireStarted() error {
	if c.state != StateStarted {
		return fmt.Errorf("%w: client is %s", session.ErrInvalidState, c.state)
	}
	return nil
}
