package memory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"capsmith/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagEmbedder is a deterministic word-presence embedding for tests.
type bagEmbedder struct {
	vocab []string
}

func (e *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		if strings.Contains(lower, w) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func newTestMemory(t *testing.T) *Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	emb := &bagEmbedder{vocab: []string{"python", "sum", "http", "server", "parser", "csv"}}
	return New(emb, db, 5)
}

func TestRecordAndSearchRanksBySimilarity(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "r1", "python sum of two integers", json.RawMessage(`{"tasks":1}`), "delivered"))
	require.NoError(t, m.Record(ctx, "r2", "http server in go", nil, "delivered"))
	require.NoError(t, m.Record(ctx, "r3", "csv parser in python", nil, "failed"))

	matches := m.Search(ctx, "write a python function that sums integers", 2)
	require.Len(t, matches, 2)
	assert.Equal(t, "r1", matches[0].Entry.RequestID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.JSONEq(t, `{"tasks":1}`, string(matches[0].Entry.Template))
}

func TestSearchIsBestEffort(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	defer db.Close()

	disabled := New(nil, db, 5)
	assert.Nil(t, disabled.Search(context.Background(), "anything", 3))
	assert.NoError(t, disabled.Record(context.Background(), "r1", "d", nil, "delivered"))
}

func TestSearchEmptyStoreReturnsEmpty(t *testing.T) {
	m := newTestMemory(t)
	assert.Empty(t, m.Search(context.Background(), "python", 5))
}

func TestTopKBound(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Record(ctx, id, "python sum", nil, "delivered"))
	}
	assert.Len(t, m.Search(ctx, "python sum", 2), 2)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 2}), "dimension mismatch scores zero")
	assert.Zero(t, cosine(nil, nil))
}
