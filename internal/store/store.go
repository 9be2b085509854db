// Package store persists session state across process lifetimes.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentrelay/internal/agent"
)

var (
	// ErrNotFound is returned when no record exists for an ID.
	ErrNotFound = errors.New("store: session not found")
	// ErrInvalidID is returned for IDs that cannot be used as storage keys.
	ErrInvalidID = errors.New("store: invalid session id")
)

// Record is the persisted form of a session.
type Record struct {
	ID        string          `json:"id"`
	Config    agent.Config    `json:"config"`
	History   []agent.Message `json:"history"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Config = r.Config.Clone()
	out.History = append([]agent.Message(nil), r.History...)
	return out
}

// Store persists session records. Load and Delete return an error wrapping
// ErrNotFound for unknown IDs.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// ValidateID rejects IDs that are empty or could escape a key namespace.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// NotFound wraps ErrNotFound with the offending ID.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
