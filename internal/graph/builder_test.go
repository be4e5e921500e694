package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"capsmith/internal/faults"
	"capsmith/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pyRequest(id string) *Request {
	return &Request{
		ID:          id,
		Tenant:      "acme",
		Description: "Write a Python function that returns the sum of two integers.",
		Constraints: map[string]string{"language": "python", "tests_required": "true"},
	}
}

func staticLLM(out string) LLM {
	return func(context.Context, string, string) (string, error) { return out, nil }
}

func TestBuildFromWellFormedDecomposition(t *testing.T) {
	out := `{"tasks":[
		{"kind":"design","description":"outline the module","language":"python","depends_on":[]},
		{"kind":"code","description":"implement add()","language":"python","depends_on":[0]},
		{"kind":"test","description":"test add()","language":"python","depends_on":[1]}
	]}`
	b := NewBuilder(staticLLM(out), nil, nil)
	g, err := b.Build(context.Background(), pyRequest("r1"))
	require.NoError(t, err)
	require.Len(t, g.Tasks, 3)
	require.NoError(t, g.Validate())

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, KindDesign, g.Tasks[order[0]].Kind)
}

func TestBuildRetriesOnceThenParses(t *testing.T) {
	calls := 0
	llm := func(_ context.Context, system, _ string) (string, error) {
		calls++
		if calls == 1 {
			return "Sure! Here is the plan: first we design...", nil
		}
		assert.Contains(t, system, "ONLY a JSON object")
		return `{"tasks":[{"kind":"code","description":"implement it","language":"python","depends_on":[]}]}`, nil
	}
	b := NewBuilder(llm, nil, nil)
	g, err := b.Build(context.Background(), pyRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, g.Tasks, 1)
}

func TestBuildFallsBackToRules(t *testing.T) {
	llm := func(context.Context, string, string) (string, error) {
		return "", errors.New("provider down")
	}
	b := NewBuilder(llm, nil, nil)
	g, err := b.Build(context.Background(), pyRequest("r1"))
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	kinds := map[Kind]int{}
	for _, task := range g.Tasks {
		kinds[task.Kind]++
	}
	assert.Equal(t, 1, kinds[KindDesign])
	assert.Equal(t, 1, kinds[KindCode])
	assert.Equal(t, 1, kinds[KindTest], "tests_required constraint adds a test task")
	assert.Equal(t, 1, kinds[KindDoc])
}

func TestRuleBasedModulesFanOut(t *testing.T) {
	req := pyRequest("r1")
	req.Constraints["modules"] = "parser, evaluator"
	b := NewBuilder(nil, nil, nil)
	g, err := b.Build(context.Background(), req)
	require.NoError(t, err)

	code := 0
	for _, task := range g.Tasks {
		if task.Kind == KindCode {
			code++
		}
	}
	assert.Equal(t, 2, code, "one code task per declared module")
}

func TestTaskIDsStableAcrossRebuilds(t *testing.T) {
	b := NewBuilder(nil, nil, nil)
	g1, err := b.Build(context.Background(), pyRequest("r1"))
	require.NoError(t, err)
	g2, err := b.Build(context.Background(), pyRequest("r1"))
	require.NoError(t, err)

	ids := func(g *Graph) []string {
		out, _ := g.TopoOrder()
		return out
	}
	if diff := cmp.Diff(ids(g1), ids(g2)); diff != "" {
		t.Fatalf("task ids differ across rebuilds:\n%s", diff)
	}

	g3, err := b.Build(context.Background(), pyRequest("r2"))
	require.NoError(t, err)
	assert.NotEqual(t, ids(g1), ids(g3), "different request ids get different task ids")
}

func TestEmptyDescriptionIsDecompositionError(t *testing.T) {
	b := NewBuilder(nil, nil, nil)
	req := pyRequest("r1")
	req.Description = "   "
	_, err := b.Build(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestInvalidDependencyRejected(t *testing.T) {
	out := `{"tasks":[{"kind":"code","description":"x","language":"python","depends_on":[5]}]}`
	b := NewBuilder(staticLLM(out), nil, nil)
	_, err := b.Build(context.Background(), pyRequest("r1"))
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestDedupMarksCachedTasks(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer db.Close()

	b := NewBuilder(nil, nil, db)
	g1, err := b.Build(context.Background(), pyRequest("r1"))
	require.NoError(t, err)
	for _, task := range g1.Tasks {
		assert.False(t, task.Cached)
		if task.Kind == KindCode {
			require.NoError(t, db.CacheResult(store.CachedResult{
				InputHash: task.InputsHash,
				TaskKind:  string(task.Kind),
				Artifact:  []byte(`{"main.py":"..."}`),
			}))
		}
	}

	// The same work requested again, under a new request id.
	g2, err := b.Build(context.Background(), pyRequest("r9"))
	require.NoError(t, err)
	cached := 0
	for _, task := range g2.Tasks {
		if task.Cached {
			cached++
			assert.Equal(t, KindCode, task.Kind)
		}
	}
	assert.Equal(t, 1, cached)
}

func TestComplexityHeuristics(t *testing.T) {
	assert.Equal(t, Trivial, classifyComplexity(decomposedTask{Kind: "code", Description: "add two ints"}))
	assert.Equal(t, Simple, classifyComplexity(decomposedTask{Kind: "code", Description: "implement a concurrent map"}))
	assert.Equal(t, Complex, classifyComplexity(decomposedTask{
		Kind:        "design",
		Description: "design a concurrent scheduler",
	}))
	assert.Equal(t, VeryComplex, classifyComplexity(decomposedTask{
		Kind:        "design",
		Description: "design a distributed scheduler architecture",
	}))
	// Explicit label wins.
	assert.Equal(t, VeryComplex, classifyComplexity(decomposedTask{Kind: "code", Description: "x", Complexity: "very_complex"}))
}
