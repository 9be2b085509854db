// Package agent defines the boundary to the remote agent service: the
// per-session configuration, the conversation history that crosses the
// boundary on resume, and the Transport that carries exchanges.
package agent

import (
	"context"
	"time"

	"agentrelay/internal/event"
)

// ToolProvider declares an external tool server a session may use.
type ToolProvider struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Tools lists the allowed tool-name patterns. "*" allows every tool.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Config is the immutable configuration of a session.
type Config struct {
	Model            string                  `json:"model" yaml:"model"`
	Streaming        bool                    `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	ToolProviders    map[string]ToolProvider `json:"toolProviders,omitempty" yaml:"toolProviders,omitempty"`
	WorkingDirectory string                  `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	if c.ToolProviders != nil {
		out.ToolProviders = make(map[string]ToolProvider, len(c.ToolProviders))
		for name, p := range c.ToolProviders {
			p.Args = append([]string(nil), p.Args...)
			p.Tools = append([]string(nil), p.Tools...)
			out.ToolProviders[name] = p
		}
	}
	return out
}

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is a single exchange handed to the transport.
type Request struct {
	SessionID  string
	ExchangeID string
	Prompt     string
	Config     Config
	// History is the conversation before Prompt. Transports that keep
	// remote state may ignore it; stateless ones use it to rehydrate a
	// resumed session.
	History []Message
}

// Sink receives the events an exchange produces, in production order.
type Sink func(event.Event)

// Transport carries exchanges to the remote agent service.
//
// Send must return once the request has been handed off; the exchange's
// events, ending with exactly one session.idle or session.error carrying the
// request's ExchangeID, are reported through sink. ctx bounds the lifetime of
// the exchange itself, not of any caller waiting on it.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, req Request, sink Sink) error
}
