// Package event defines the events a session emits and the dispatcher that
// delivers them to observers in production order.
package event

import "time"

// Type identifies the kind of an event.
type Type string

const (
	TypeUserMessage           Type = "user.message"
	TypeAssistantDelta        Type = "assistant.message_delta"
	TypeAssistantMessage      Type = "assistant.message"
	TypeToolExecutionStart    Type = "tool.execution_start"
	TypeToolExecutionComplete Type = "tool.execution_complete"
	TypeSessionIdle           Type = "session.idle"
	TypeSessionError          Type = "session.error"
)

// Terminal reports whether t ends an exchange.
func (t Type) Terminal() bool {
	return t == TypeSessionIdle || t == TypeSessionError
}

// Data is the payload of an event. Which fields are set depends on the
// event type.
type Data struct {
	Content      string            `json:"content,omitempty"`
	DeltaContent string            `json:"deltaContent,omitempty"`
	ToolName     string            `json:"toolName,omitempty"`
	ToolCallID   string            `json:"toolCallId,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Result       string            `json:"result,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// Event is a single notification produced while a session processes an
// exchange.
type Event struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"sessionId"`
	ExchangeID string    `json:"exchangeId,omitempty"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Data       Data      `json:"data"`
}

// Handler observes events.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) { f(e) }
