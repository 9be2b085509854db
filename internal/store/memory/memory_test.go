package memory

import (
	"context"
	"testing"

	"agentrelay/internal/agent"
	"agentrelay/internal/store"
	"agentrelay/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := store.Record{ID: "a", History: []agent.Message{{Role: agent.RoleUser, Content: "x"}}}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got.History[0].Content = "mutated"

	again, _ := s.Load(ctx, "a")
	if again.History[0].Content != "x" {
		t.Errorf("stored history mutated through Load result: %q", again.History[0].Content)
	}
}
