package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/agent/agenttest"
	"agentrelay/internal/event"
	"agentrelay/internal/store"
	"agentrelay/internal/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, tr *agenttest.Transport, opts ...Option) *Session {
	t.Helper()
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s := New("s1", agent.Config{Model: "test-model"}, tr, opts...)
	t.Cleanup(func() { s.Discard() })
	return s
}

type typeRecorder struct {
	mu    sync.Mutex
	types []event.Type
}

func (r *typeRecorder) HandleEvent(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
}

func (r *typeRecorder) get() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Type(nil), r.types...)
}

func TestSendAndWait_ReturnsLastAssistantMessage(t *testing.T) {
	tr := agenttest.New(agenttest.Reply{Text: "four"})
	s := newTestSession(t, tr)

	msg, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "2+2?"}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if msg == nil || msg.Data.Content != "four" {
		t.Fatalf("SendAndWait = %+v, want content %q", msg, "four")
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("State = %v, want %v", got, StateIdle)
	}

	h := s.History()
	if len(h) != 2 {
		t.Fatalf("History len = %d, want 2", len(h))
	}
	if h[0].Role != agent.RoleUser || h[0].Content != "2+2?" {
		t.Errorf("History[0] = %+v", h[0])
	}
	if h[1].Role != agent.RoleAssistant || h[1].Content != "four" {
		t.Errorf("History[1] = %+v", h[1])
	}
}

func TestSendAndWait_NoAssistantMessage(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{}))
	msg, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "quiet"}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if msg != nil {
		t.Errorf("SendAndWait = %+v, want nil", msg)
	}
}

func TestSession_ObserversSeeEventsInOrder(t *testing.T) {
	tr := agenttest.New(agenttest.Reply{
		Tools:  []agenttest.Tool{{Name: "shell", CallID: "c1"}},
		Deltas: []string{"1", "2", "3"},
		Text:   "1 2 3 4 5 DONE",
	})
	s := newTestSession(t, tr)

	var rec typeRecorder
	s.On(&rec)
	if _, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "count"}, time.Second); err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}

	want := []event.Type{
		event.TypeUserMessage,
		event.TypeToolExecutionStart,
		event.TypeToolExecutionComplete,
		event.TypeAssistantDelta,
		event.TypeAssistantDelta,
		event.TypeAssistantDelta,
		event.TypeAssistantMessage,
		event.TypeSessionIdle,
	}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSendAndWait_PanickingObserverDoesNotBlock(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{Text: "ok"}))
	s.On(event.HandlerFunc(func(event.Event) { panic("bad observer") }))
	var rec typeRecorder
	s.On(&rec)

	msg, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "hi"}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if msg.Data.Content != "ok" {
		t.Errorf("content = %q, want ok", msg.Data.Content)
	}
	if n := len(rec.get()); n != 3 {
		t.Errorf("second observer saw %d events, want 3", n)
	}
}

func TestSendAndWait_TimeoutThenRecovers(t *testing.T) {
	tr := agenttest.New(
		agenttest.Reply{Text: "slow", Delay: 200 * time.Millisecond},
		agenttest.Reply{Text: "fast"},
	)
	s := newTestSession(t, tr)

	_, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "first"}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != 20*time.Millisecond || te.SessionID != "s1" {
		t.Errorf("TimeoutError = %+v", te)
	}

	msg, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "second"}, 2*time.Second)
	if err != nil {
		t.Fatalf("second SendAndWait: %v", err)
	}
	if msg.Data.Content != "fast" {
		t.Errorf("content = %q, want fast", msg.Data.Content)
	}

	// Let the abandoned exchange finish; it must not disturb the session.
	time.Sleep(300 * time.Millisecond)
	if got := s.State(); got != StateIdle {
		t.Errorf("State = %v, want %v", got, StateIdle)
	}
	msg, err = s.SendAndWait(context.Background(), MessageOptions{Prompt: "third"}, 2*time.Second)
	if err != nil {
		t.Fatalf("third SendAndWait: %v", err)
	}
	if msg.Data.Content != "fast" {
		t.Errorf("content = %q, want fast", msg.Data.Content)
	}
}

func TestSendAndWait_LongDeadlineSucceeds(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{Text: "done", Delay: 30 * time.Millisecond}))
	if _, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "p"}, 5*time.Second); err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
}

func TestSendAndWait_RemoteError(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{Err: "model overloaded"}))

	_, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "p"}, time.Second)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if re.Message != "model overloaded" {
		t.Errorf("Message = %q", re.Message)
	}
	if !errors.Is(err, ErrRemote) {
		t.Error("errors.Is(err, ErrRemote) = false")
	}
	if got := s.State(); got != StateErroring {
		t.Errorf("State = %v, want %v", got, StateErroring)
	}
}

func TestSend_TransportRejects(t *testing.T) {
	tr := agenttest.New()
	s := newTestSession(t, tr)
	cause := errors.New("connection refused")
	tr.FailSends(cause)

	_, err := s.Send(context.Background(), MessageOptions{Prompt: "p"})
	if !errors.Is(err, ErrRemote) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want remote error wrapping cause", err)
	}
	if got := s.State(); got != StateErroring {
		t.Errorf("State = %v, want %v", got, StateErroring)
	}
}

func TestSend_ReturnsBeforeCompletion(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{Text: "later", Delay: 50 * time.Millisecond}))

	idle := make(chan string, 1)
	s.On(event.HandlerFunc(func(e event.Event) {
		if e.Type == event.TypeSessionIdle {
			idle <- e.ExchangeID
		}
	}))

	id, err := s.Send(context.Background(), MessageOptions{Prompt: "p"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("State right after Send = %v, want %v", got, StateActive)
	}
	select {
	case got := <-idle:
		if got != id {
			t.Errorf("idle exchange = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session.idle delivered")
	}
}

func TestSendAndWait_ContextCancelled(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{Delay: time.Second}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.SendAndWait(ctx, MessageOptions{Prompt: "p"}, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDestroy_PersistsAndRejectsLaterUse(t *testing.T) {
	st := memory.New()
	destroyed := 0
	s := newTestSession(t, agenttest.New(agenttest.Reply{Text: "hello"}),
		WithSaver(st),
		WithOnDestroy(func(*Session) { destroyed++ }),
	)
	if _, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "hi"}, time.Second); err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}

	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	if destroyed != 1 {
		t.Errorf("onDestroy called %d times, want 1", destroyed)
	}
	if got := s.State(); got != StateDestroyed {
		t.Errorf("State = %v, want %v", got, StateDestroyed)
	}

	rec, err := st.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.History) != 2 || rec.Config.Model != "test-model" {
		t.Errorf("persisted record = %+v", rec)
	}

	if _, err := s.Send(context.Background(), MessageOptions{Prompt: "again"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Send after Destroy err = %v, want ErrInvalidState", err)
	}
	if _, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "again"}, time.Second); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendAndWait after Destroy err = %v, want ErrInvalidState", err)
	}
}

func TestDestroy_UnblocksWaiter(t *testing.T) {
	s := newTestSession(t, agenttest.New(agenttest.Reply{Silent: true}))

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "p"}, 5*time.Second)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Discard()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("err = %v, want ErrInvalidState", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Discard")
	}
}

func TestDestroy_SaveFailure(t *testing.T) {
	s := newTestSession(t, agenttest.New(), WithSaver(failingSaver{}))
	err := s.Destroy(context.Background())
	if err == nil {
		t.Fatal("expected persist error")
	}
	if got := s.State(); got != StateDestroyed {
		t.Errorf("State = %v, want %v", got, StateDestroyed)
	}
}

type failingSaver struct{}

func (failingSaver) Save(context.Context, store.Record) error { return errors.New("disk full") }

func TestNew_WithHistory(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prior := []agent.Message{{Role: agent.RoleUser, Content: "earlier"}}
	tr := agenttest.New(agenttest.Reply{Text: "resumed"})
	s := newTestSession(t, tr, WithHistory(prior, created))

	if _, err := s.SendAndWait(context.Background(), MessageOptions{Prompt: "now"}, time.Second); err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	reqs := tr.Requests()
	if len(reqs) != 1 || len(reqs[0].History) != 1 || reqs[0].History[0].Content != "earlier" {
		t.Errorf("request history = %+v", reqs)
	}
	if got := s.Snapshot().CreatedAt; !got.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got, created)
	}
	if n := len(s.History()); n != 3 {
		t.Errorf("History len = %d, want 3", n)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateCreated, "created"},
		{StateActive, "active"},
		{StateIdle, "idle"},
		{StateErroring, "erroring"},
		{StateDestroyed, "destroyed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
		if tt.want == "unknown" {
			continue
		}
		parsed, err := ParseState(tt.want)
		if err != nil || parsed != tt.s {
			t.Errorf("ParseState(%q) = %v, %v", tt.want, parsed, err)
		}
	}
}
