// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/agent"
	"agentrelay/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the store.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, newStore(t)) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteMissing", func(t *testing.T) { testDeleteMissing(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("InvalidID", func(t *testing.T) { testInvalidID(t, newStore(t)) })
}

func sampleRecord(id string) store.Record {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return store.Record{
		ID: id,
		Config: agent.Config{
			Model:     "gpt-5.1-codex-mini",
			Streaming: true,
			ToolProviders: map[string]agent.ToolProvider{
				"fs": {Command: "mcp-fs", Args: []string{"--root", "."}, Tools: []string{"*"}},
			},
		},
		History: []agent.Message{
			{Role: agent.RoleUser, Content: "hello", Timestamp: ts},
			{Role: agent.RoleAssistant, Content: "hi there", Timestamp: ts.Add(time.Second)},
		},
		CreatedAt: ts,
		UpdatedAt: ts.Add(time.Second),
	}
}

func testSaveAndLoad(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := sampleRecord("sess-a")
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Config, got.Config)
	require.Len(t, got.History, 2)
	for i := range want.History {
		assert.Equal(t, want.History[i].Role, got.History[i].Role)
		assert.Equal(t, want.History[i].Content, got.History[i].Content)
		assert.True(t, want.History[i].Timestamp.Equal(got.History[i].Timestamp))
	}
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
}

func testLoadMissing(t *testing.T, s store.Store) {
	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := sampleRecord("sess-b")
	require.NoError(t, s.Save(ctx, rec))

	rec.History = append(rec.History, agent.Message{Role: agent.RoleUser, Content: "again"})
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "sess-b")
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, "again", got.History[2].Content)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecord("sess-c")))
	require.NoError(t, s.Delete(ctx, "sess-c"))

	_, err := s.Load(ctx, "sess-c")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteMissing(t *testing.T, s store.Store) {
	err := s.Delete(context.Background(), "never-saved")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Save(ctx, sampleRecord(id)))
	}
	ids, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func testInvalidID(t *testing.T, s store.Store) {
	for _, id := range []string{"", "../escape", "a/b"} {
		err := s.Save(context.Background(), sampleRecord(id))
		assert.ErrorIs(t, err, store.ErrInvalidID, "id %q", id)
	}
}
