package ralph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/client"
	"agentrelay/internal/event"
	"agentrelay/internal/session"
)

// Loop drives sessions of a client through repeated iterations until the
// completion marker appears or the budget is used up.
type Loop struct {
	client   *client.Client
	cfg      Config
	observer Observer
	now      func() time.Time

	mu           sync.Mutex
	state        State
	iteration    int
	lastResponse string
}

// Option configures a Loop.
type Option func(*Loop)

// WithObserver sets the observer notified of loop progress.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if o != nil {
			l.observer = o
		}
	}
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New returns an idle loop. Zero fields of cfg take their defaults.
func New(c *client.Client, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		client:   c,
		cfg:      cfg.withDefaults(),
		observer: NoopObserver{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// State returns the loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Iteration returns the number of iterations started in the current run.
func (l *Loop) Iteration() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iteration
}

// LastResponse returns the response of the most recent successful iteration.
func (l *Loop) LastResponse() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastResponse
}

// Run executes the loop for initialPrompt. It starts the client, and before
// returning always destroys every session it created and stops the client.
//
// It returns nil when the completion marker is found, an
// *IterationBudgetExceededError when the budget runs out, and the iteration's
// error (timeout, remote failure, cancellation) otherwise. Failed iterations
// are not retried; call Run again to retry. The Result is always non-nil.
func (l *Loop) Run(ctx context.Context, initialPrompt string) (res *Result, err error) {
	l.mu.Lock()
	if l.state == StateRunning {
		l.mu.Unlock()
		return &Result{State: StateRunning}, fmt.Errorf("%w: loop already running", session.ErrInvalidState)
	}
	l.state = StateRunning
	l.iteration = 0
	l.lastResponse = ""
	l.mu.Unlock()

	start := l.now()
	res = &Result{}
	l.observer.OnLoopStart(LoopInfo{
		Mode:              l.cfg.Mode,
		MaxIterations:     l.cfg.MaxIterations,
		CompletionPromise: l.cfg.CompletionPromise,
		Model:             l.cfg.Session.Model,
		Prompt:            initialPrompt,
	})
	defer func() {
		l.mu.Lock()
		l.state = terminalState(err)
		res.State = l.state
		res.Iterations = l.iteration
		res.Response = l.lastResponse
		l.mu.Unlock()
		res.Duration = l.now().Sub(start)
		l.observer.OnLoopEnd(res, err)
	}()

	if err := l.client.Start(ctx); err != nil {
		return res, fmt.Errorf("start client: %w", err)
	}
	defer func() {
		if stopErr := l.client.Stop(context.WithoutCancel(ctx)); stopErr != nil && err == nil {
			err = fmt.Errorf("stop client: %w", stopErr)
		}
	}()

	if l.cfg.Mode == ModeFresh {
		return res, l.runFresh(ctx, initialPrompt, res)
	}
	return res, l.runContinue(ctx, initialPrompt, res)
}

func terminalState(err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case errors.Is(err, ErrIterationBudgetExceeded):
		return StateExhausted
	default:
		return StateFailed
	}
}

// runContinue keeps one session and feeds each response into the next prompt.
func (l *Loop) runContinue(ctx context.Context, initialPrompt string, res *Result) (err error) {
	sess, err := l.client.CreateSession(ctx, l.cfg.Session)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	res.SessionID = sess.ID()
	defer func() { err = release(ctx, sess, err) }()
	sess.On(event.HandlerFunc(l.forward))

	for {
		n, ok := l.advance()
		if !ok {
			return l.budgetError()
		}
		prompt := BuildPrompt(initialPrompt, n, l.LastResponse())
		resp, err := l.iterate(ctx, sess, n, prompt)
		if err != nil {
			return err
		}
		if l.found(resp) {
			return nil
		}
	}
}

// runFresh gives every iteration its own session and the unchanged prompt.
// Without a completion marker, using up the budget is the normal end.
func (l *Loop) runFresh(ctx context.Context, prompt string, res *Result) error {
	for {
		n, ok := l.advance()
		if !ok {
			if l.cfg.CompletionPromise == "" {
				return nil
			}
			return l.budgetError()
		}

		cfg := l.cfg.Session
		if cfg.SessionID != "" {
			cfg.SessionID = fmt.Sprintf("%s-%d", l.cfg.Session.SessionID, n)
		}
		sess, err := l.client.CreateSession(ctx, cfg)
		if err != nil {
			return fmt.Errorf("iteration %d: create session: %w", n, err)
		}
		res.SessionID = sess.ID()
		sess.On(event.HandlerFunc(l.forward))

		resp, err := l.iterate(ctx, sess, n, prompt)
		if err = release(ctx, sess, err); err != nil {
			return err
		}
		if l.found(resp) {
			return nil
		}
	}
}

// advance starts the next iteration, reporting false once the budget is spent.
func (l *Loop) advance() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.iteration >= l.cfg.MaxIterations {
		return l.iteration, false
	}
	l.iteration++
	return l.iteration, true
}

func (l *Loop) found(resp string) bool {
	return l.cfg.CompletionPromise != "" && strings.Contains(resp, l.cfg.CompletionPromise)
}

func (l *Loop) budgetError() error {
	return &IterationBudgetExceededError{
		MaxIterations:     l.cfg.MaxIterations,
		CompletionPromise: l.cfg.CompletionPromise,
		LastResponse:      l.LastResponse(),
	}
}

func (l *Loop) iterate(ctx context.Context, sess *session.Session, n int, prompt string) (string, error) {
	start := l.now()
	l.observer.OnIterationStart(IterationInfo{
		Iteration:     n,
		MaxIterations: l.cfg.MaxIterations,
		SessionID:     sess.ID(),
		Prompt:        prompt,
	})

	msg, err := sess.SendAndWait(ctx, session.MessageOptions{Prompt: prompt}, l.cfg.Timeout)
	var resp string
	if msg != nil {
		resp = msg.Data.Content
	}
	if err == nil {
		l.mu.Lock()
		l.lastResponse = resp
		l.mu.Unlock()
	}

	l.observer.OnIterationEnd(IterationResult{
		Iteration: n,
		SessionID: sess.ID(),
		Response:  resp,
		Completed: err == nil && l.found(resp),
		Err:       err,
		Duration:  l.now().Sub(start),
	})
	if err != nil {
		return "", fmt.Errorf("iteration %d: %w", n, err)
	}
	return resp, nil
}

// forward relays session events to the observer.
func (l *Loop) forward(e event.Event) {
	l.observer.OnEvent(l.Iteration(), e)
}

// release destroys sess, keeping err if it is already set.
func release(ctx context.Context, sess *session.Session, err error) error {
	if derr := sess.Destroy(context.WithoutCancel(ctx)); derr != nil && err == nil {
		return fmt.Errorf("destroy session: %w", derr)
	}
	return err
}
