// Package agenttest provides a scripted agent.Transport for tests.
package agenttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/event"
)

// ErrNotStarted is returned by Send before Start or after Stop.
var ErrNotStarted = errors.New("agenttest: transport not started")

// Tool scripts one tool execution.
type Tool struct {
	Name       string
	CallID     string
	Attributes map[string]string
	Result     string
}

// Reply scripts the events of a single exchange. Events are emitted in
// this order: tools, deltas, the assistant message, then session.idle, or
// session.error when Err is set.
type Reply struct {
	Text   string
	Deltas []string
	Tools  []Tool
	Err    string
	// Delay is waited before the first event.
	Delay time.Duration
	// Silent suppresses every event, including the terminal one.
	Silent bool
}

// Transport is an in-memory agent.Transport that answers each exchange
// from a script.
type Transport struct {
	mu       sync.Mutex
	replies  []Reply
	respond  func(agent.Request) Reply
	requests []agent.Request
	started  bool
	starts   int
	stops    int
	sendErr  error
	wg       sync.WaitGroup
}

var _ agent.Transport = (*Transport)(nil)

// New returns a transport that answers exchanges with replies in order.
// Once the script runs out, the last reply repeats.
func New(replies ...Reply) *Transport {
	return &Transport{replies: replies}
}

// Func returns a transport that computes each reply from its request.
func Func(fn func(agent.Request) Reply) *Transport {
	return &Transport{respond: fn}
}

// FailSends makes every later Send fail synchronously with err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Start implements agent.Transport.
func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.starts++
	return nil
}

// Stop implements agent.Transport. It waits for in-flight exchanges to
// finish or ctx to end.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.started = false
	t.stops++
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements agent.Transport.
func (t *Transport) Send(ctx context.Context, req agent.Request, sink agent.Sink) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	req.History = append([]agent.Message(nil), req.History...)
	t.requests = append(t.requests, req)
	reply := t.next(req)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		play(ctx, req, reply, sink)
	}()
	return nil
}

func (t *Transport) next(req agent.Request) Reply {
	if t.respond != nil {
		return t.respond(req)
	}
	if len(t.replies) == 0 {
		return Reply{}
	}
	r := t.replies[0]
	if len(t.replies) > 1 {
		t.replies = t.replies[1:]
	}
	return r
}

func play(ctx context.Context, req agent.Request, r Reply, sink agent.Sink) {
	emit := func(typ event.Type, data event.Data) {
		sink(event.Event{Type: typ, SessionID: req.SessionID, ExchangeID: req.ExchangeID, Data: data})
	}
	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			emit(event.TypeSessionError, event.Data{Message: ctx.Err().Error()})
			return
		}
	}
	if r.Silent {
		return
	}
	for _, tool := range r.Tools {
		emit(event.TypeToolExecutionStart, event.Data{ToolName: tool.Name, ToolCallID: tool.CallID, Attributes: tool.Attributes})
		emit(event.TypeToolExecutionComplete, event.Data{ToolName: tool.Name, ToolCallID: tool.CallID, Result: tool.Result})
	}
	for _, d := range r.Deltas {
		emit(event.TypeAssistantDelta, event.Data{DeltaContent: d})
	}
	if r.Err != "" {
		emit(event.TypeSessionError, event.Data{Message: r.Err})
		return
	}
	if r.Text != "" {
		emit(event.TypeAssistantMessage, event.Data{Content: r.Text})
	}
	emit(event.TypeSessionIdle, event.Data{})
}

// Requests returns the requests received so far.
func (t *Transport) Requests() []agent.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]agent.Request, len(t.requests))
	copy(out, t.requests)
	return out
}

// Prompts returns the prompts received so far.
func (t *Transport) Prompts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.requests))
	for i, r := range t.requests {
		out[i] = r.Prompt
	}
	return out
}

// Starts reports how many times Start was called.
func (t *Transport) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// Stops reports how many times Stop was called.
func (t *Transport) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Started reports whether the transport is between Start and Stop.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}
