// Package graph owns the request model and the task DAG: types, the
// builder that decomposes a request into tasks, and the graph algebra the
// scheduler relies on (topological order, depth, criticality).
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Request is an accepted natural-language software request. Immutable once
// accepted.
type Request struct {
	ID          string            `json:"id"`
	Tenant      string            `json:"tenant"`
	User        string            `json:"user"`
	Description string            `json:"description"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Language returns the declared target language, defaulting to python.
func (r *Request) Language() string {
	if l := r.Constraints["language"]; l != "" {
		return l
	}
	return "python"
}

// Kind is the task category.
type Kind string

const (
	KindDesign       Kind = "design"
	KindCode         Kind = "code"
	KindTest         Kind = "test"
	KindDoc          Kind = "doc"
	KindConfig       Kind = "config"
	KindReview       Kind = "review"
	KindSandboxCheck Kind = "sandbox_check"
)

var validKinds = map[Kind]bool{
	KindDesign: true, KindCode: true, KindTest: true, KindDoc: true,
	KindConfig: true, KindReview: true, KindSandboxCheck: true,
}

// Complexity buckets drive tier routing.
type Complexity string

const (
	Trivial     Complexity = "trivial"
	Simple      Complexity = "simple"
	Medium      Complexity = "medium"
	Complex     Complexity = "complex"
	VeryComplex Complexity = "very_complex"
)

// Task is one atomic unit of work.
type Task struct {
	ID          string        `json:"task_id"`
	Ordinal     int           `json:"ordinal"`
	Kind        Kind          `json:"kind"`
	Complexity  Complexity    `json:"complexity"`
	Language    string        `json:"language"`
	Description string        `json:"description"`
	TierHint    string        `json:"tier_hint,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	MaxWall     time.Duration `json:"max_wall,omitempty"`

	// InputsHash keys the result cache; Cached marks a task whose artifact
	// was copied from a prior run instead of scheduled.
	InputsHash string `json:"inputs_hash,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
}

// Critical reports whether this task's failure fails the whole request.
// Documentation and review tasks are tolerated; everything feeding the
// capsule's code path is not.
func (t *Task) Critical() bool {
	return t.Kind != KindDoc && t.Kind != KindReview
}

// TaskID derives the stable task identifier. Stable across retries of the
// same request: two submissions with the same request id produce the same
// ids.
func TaskID(requestID string, ordinal int, kind Kind) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", requestID, ordinal, kind)))
	return "t-" + hex.EncodeToString(sum[:8])
}

// Graph is the task DAG. Nodes own their tasks; edges are (producer,
// consumer) pairs.
type Graph struct {
	Tasks map[string]*Task `json:"tasks"`
	Edges [][2]string      `json:"edges"`
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{Tasks: make(map[string]*Task)}
}

// Add inserts a task.
func (g *Graph) Add(t *Task) { g.Tasks[t.ID] = t }

// AddEdge records a producer -> consumer dependency.
func (g *Graph) AddEdge(from, to string) {
	g.Edges = append(g.Edges, [2]string{from, to})
}

// Predecessors returns the producer ids of a task, sorted.
func (g *Graph) Predecessors(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e[1] == id {
			out = append(out, e[0])
		}
	}
	sort.Strings(out)
	return out
}

// Successors returns the consumer ids of a task, sorted.
func (g *Graph) Successors(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e[0] == id {
			out = append(out, e[1])
		}
	}
	sort.Strings(out)
	return out
}

// Sinks returns tasks with no successors, sorted by id. Their outputs feed
// the capsule.
func (g *Graph) Sinks() []string {
	hasOut := make(map[string]bool)
	for _, e := range g.Edges {
		hasOut[e[0]] = true
	}
	var out []string
	for id := range g.Tasks {
		if !hasOut[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks edge endpoints and acyclicity.
func (g *Graph) Validate() error {
	if len(g.Tasks) == 0 {
		return fmt.Errorf("graph has no tasks")
	}
	for _, e := range g.Edges {
		if _, ok := g.Tasks[e[0]]; !ok {
			return fmt.Errorf("edge references unknown task %s", e[0])
		}
		if _, ok := g.Tasks[e[1]]; !ok {
			return fmt.Errorf("edge references unknown task %s", e[1])
		}
		if e[0] == e[1] {
			return fmt.Errorf("self edge on task %s", e[0])
		}
	}
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns task ids in topological order, ties broken by id.
func (g *Graph) TopoOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.Tasks))
	for id := range g.Tasks {
		indeg[id] = 0
	}
	for _, e := range g.Edges {
		indeg[e[1]]++
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, succ := range g.Successors(id) {
			indeg[succ]--
			if indeg[succ] == 0 {
				ready = insertSorted(ready, succ)
			}
		}
	}
	if len(order) != len(g.Tasks) {
		return nil, fmt.Errorf("task graph contains a cycle")
	}
	return order, nil
}

// Depth returns the longest path length from any root to each task. The
// scheduler prefers deeper tasks to shorten the critical path.
func (g *Graph) Depth() map[string]int {
	depth := make(map[string]int, len(g.Tasks))
	order, err := g.TopoOrder()
	if err != nil {
		return depth
	}
	for _, id := range order {
		d := 0
		for _, pred := range g.Predecessors(id) {
			if depth[pred]+1 > d {
				d = depth[pred] + 1
			}
		}
		depth[id] = d
	}
	return depth
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
