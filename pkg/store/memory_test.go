package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "players", "p1", record{Name: "alice", Score: 3}))

	var got record
	require.NoError(t, m.Get(ctx, "players", "p1", &got))
	assert.Equal(t, record{Name: "alice", Score: 3}, got)

	// Put replaces the whole document.
	require.NoError(t, m.Put(ctx, "players", "p1", record{Name: "alice", Score: 9}))
	require.NoError(t, m.Get(ctx, "players", "p1", &got))
	assert.Equal(t, 9, got.Score)
}

func TestMemoryGetMissing(t *testing.T) {
	var got record
	err := NewMemory().Get(context.Background(), "players", "nope", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, "players", "p1", record{Name: "alice"}))

	err := m.Create(ctx, "players", "p1", record{Name: "bob"})
	assert.ErrorIs(t, err, ErrConflict)

	// First writer wins: the original document is untouched.
	var got record
	require.NoError(t, m.Get(ctx, "players", "p1", &got))
	assert.Equal(t, "alice", got.Name)
}

func TestMemoryUpdateMerges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "players", "p1", record{Name: "alice", Score: 3}))
	require.NoError(t, m.Update(ctx, "players", "p1", map[string]any{"score": 7}))

	var got record
	require.NoError(t, m.Get(ctx, "players", "p1", &got))
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, 7, got.Score)
}

func TestMemoryUpdateMissing(t *testing.T) {
	err := NewMemory().Update(context.Background(), "players", "nope", map[string]any{"score": 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, r := range []record{
		{Name: "alice", Score: 3},
		{Name: "bob", Score: 9},
		{Name: "carol", Score: 5},
	} {
		require.NoError(t, m.Put(ctx, "players", r.Name, r))
	}

	score := func(doc json.RawMessage) int {
		var r record
		require.NoError(t, json.Unmarshal(doc, &r))
		return r.Score
	}

	docs, err := m.Query(ctx, "players",
		func(doc json.RawMessage) bool { return score(doc) >= 5 },
		func(a, b json.RawMessage) bool { return score(a) < score(b) },
	)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 5, score(docs[0]))
	assert.Equal(t, 9, score(docs[1]))
}

func TestMemoryQueryEmptyCollection(t *testing.T) {
	docs, err := NewMemory().Query(context.Background(), "nothing", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "players", "p1", record{Name: "alice", Score: 3}))
	require.NoError(t, m.Delete(ctx, "players", "p1"))

	var got record
	assert.ErrorIs(t, m.Get(ctx, "players", "p1", &got), ErrNotFound)

	// Deleting an absent key, or from an absent collection, is a no-op.
	require.NoError(t, m.Delete(ctx, "players", "p1"))
	require.NoError(t, m.Delete(ctx, "ghosts", "p9"))
}
