package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"
	"capsmith/internal/memory"
	"capsmith/internal/store"
)

// LLM is the decomposer's generation function. The engine wires it through
// the executor's dispatch path so decomposition is subject to the governor
// and breakers like any other call.
type LLM func(ctx context.Context, system, prompt string) (string, error)

// Builder turns a Request into a task graph.
type Builder struct {
	llm    LLM
	memory *memory.Store
	cache  *store.Store
}

// NewBuilder creates a builder. llm may be nil, in which case decomposition
// goes straight to the rule-based path.
func NewBuilder(llm LLM, mem *memory.Store, cache *store.Store) *Builder {
	return &Builder{llm: llm, memory: mem, cache: cache}
}

const decomposerSystem = `You decompose a software request into atomic tasks.
Respond with JSON only, no prose, matching:
{"tasks":[{"kind":"design|code|test|doc|config","description":"...","language":"...","depends_on":[0,1]}]}
depends_on lists zero-based indexes of earlier tasks. Keep the list minimal.`

const decomposerStrictRetry = `Your previous answer did not parse. Respond with ONLY a JSON object,
no markdown fences, no commentary. Schema:
{"tasks":[{"kind":"code","description":"string","language":"string","depends_on":[0]}]}`

type decomposedTask struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Language    string `json:"language"`
	DependsOn   []int  `json:"depends_on"`
	Complexity  string `json:"complexity,omitempty"`
	TierHint    string `json:"tier_hint,omitempty"`
}

type decomposition struct {
	Tasks []decomposedTask `json:"tasks"`
}

// Build decomposes the request. Task ids are stable: resubmitting the same
// request yields a structurally identical graph.
func (b *Builder) Build(ctx context.Context, req *Request) (*Graph, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "graph.Build")
	defer timer.Stop()

	if strings.TrimSpace(req.Description) == "" {
		return nil, faults.Newf(faults.Permanent, "graph.build", "decomposition error: empty request description")
	}

	prompt := b.decomposerPrompt(ctx, req)

	tasks := b.decomposeLLM(ctx, req, prompt)
	if tasks == nil {
		logging.Graph("request %s: falling back to rule-based decomposition", req.ID)
		tasks = ruleBasedDecompose(req)
	}
	if len(tasks) == 0 {
		return nil, faults.Newf(faults.Permanent, "graph.build", "decomposition error: zero tasks for request %s", req.ID)
	}

	g := NewGraph()
	ids := make([]string, len(tasks))
	for i, dt := range tasks {
		kind := Kind(dt.Kind)
		if !validKinds[kind] {
			kind = KindCode
		}
		lang := dt.Language
		if lang == "" {
			lang = req.Language()
		}
		t := &Task{
			ID:          TaskID(req.ID, i, kind),
			Ordinal:     i,
			Kind:        kind,
			Language:    lang,
			Description: dt.Description,
		}
		t.Complexity = classifyComplexity(dt)
		t.MaxTokens, t.MaxWall = budgetFor(t.Complexity)
		t.TierHint = dt.TierHint
		t.InputsHash = inputsHash(t)
		ids[i] = t.ID
		g.Add(t)
	}
	for i, dt := range tasks {
		for _, dep := range dt.DependsOn {
			if dep < 0 || dep >= len(tasks) || dep == i {
				return nil, faults.Newf(faults.Permanent, "graph.build",
					"decomposition error: task %d has invalid dependency %d", i, dep)
			}
			g.AddEdge(ids[dep], ids[i])
		}
	}
	if err := g.Validate(); err != nil {
		return nil, faults.Newf(faults.Permanent, "graph.build", "decomposition error: %v", err)
	}

	b.markCached(g)
	logging.Graph("request %s decomposed into %d tasks (%d edges)", req.ID, len(g.Tasks), len(g.Edges))
	return g, nil
}

// decomposerPrompt folds the request and any similar past decompositions
// into the prompt.
func (b *Builder) decomposerPrompt(ctx context.Context, req *Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n", req.Description)
	if len(req.Constraints) > 0 {
		keys := make([]string, 0, len(req.Constraints))
		for k := range req.Constraints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Constraints:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, req.Constraints[k])
		}
	}
	if b.memory != nil {
		matches := b.memory.Search(ctx, req.Description, 0)
		for _, m := range matches {
			if len(m.Entry.Template) == 0 || m.Entry.Outcome != "delivered" {
				continue
			}
			fmt.Fprintf(&sb, "A similar past request (%q) used this task template:\n%s\n",
				m.Entry.Description, m.Entry.Template)
			break
		}
	}
	return sb.String()
}

// decomposeLLM runs the strict-parse / retry-once protocol. Returns nil when
// the rule-based fallback should take over.
func (b *Builder) decomposeLLM(ctx context.Context, req *Request, prompt string) []decomposedTask {
	if b.llm == nil {
		return nil
	}
	out, err := b.llm(ctx, decomposerSystem, prompt)
	if err != nil {
		logging.Graph("request %s: decomposer call failed: %v", req.ID, err)
		return nil
	}
	if tasks, err := parseDecomposition(out); err == nil {
		return tasks
	} else {
		logging.GraphDebug("request %s: strict parse failed (%v), retrying", req.ID, err)
	}

	out, err = b.llm(ctx, decomposerStrictRetry, prompt)
	if err != nil {
		return nil
	}
	tasks, err := parseDecomposition(out)
	if err != nil {
		logging.Graph("request %s: decomposer output invalid after retry: %v", req.ID, err)
		return nil
	}
	return tasks
}

// parseDecomposition is strict: the payload must be a single JSON object
// with a non-empty task list. Markdown fences are the one tolerated wrapper.
func parseDecomposition(out string) ([]decomposedTask, error) {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var d decomposition
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	if len(d.Tasks) == 0 {
		return nil, fmt.Errorf("empty task list")
	}
	for i, t := range d.Tasks {
		if strings.TrimSpace(t.Description) == "" {
			return nil, fmt.Errorf("task %d has no description", i)
		}
	}
	return d.Tasks, nil
}

// ruleBasedDecompose is the deterministic fallback: scaffolding plus one
// code task per declared module, a test task when requested, and a README.
func ruleBasedDecompose(req *Request) []decomposedTask {
	lang := req.Language()
	tasks := []decomposedTask{
		{Kind: "design", Description: "Outline the structure for: " + req.Description, Language: lang},
	}

	modules := strings.Split(req.Constraints["modules"], ",")
	codeStart := len(tasks)
	added := 0
	for _, m := range modules {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		tasks = append(tasks, decomposedTask{
			Kind:        "code",
			Description: fmt.Sprintf("Implement the %s module for: %s", m, req.Description),
			Language:    lang,
			DependsOn:   []int{0},
		})
		added++
	}
	if added == 0 {
		tasks = append(tasks, decomposedTask{
			Kind:        "code",
			Description: "Implement: " + req.Description,
			Language:    lang,
			DependsOn:   []int{0},
		})
		added = 1
	}

	codeIdx := make([]int, 0, added)
	for i := 0; i < added; i++ {
		codeIdx = append(codeIdx, codeStart+i)
	}
	if req.Constraints["tests_required"] == "true" {
		tasks = append(tasks, decomposedTask{
			Kind:        "test",
			Description: "Write tests for: " + req.Description,
			Language:    lang,
			DependsOn:   codeIdx,
		})
	}
	tasks = append(tasks, decomposedTask{
		Kind:        "doc",
		Description: "Write a README for: " + req.Description,
		Language:    lang,
		DependsOn:   codeIdx,
	})
	return tasks
}

var complexityKeywords = []string{
	"distributed", "concurrent", "architecture", "refactor", "optimize",
	"scalable", "security", "protocol", "compiler", "scheduler",
}

// classifyComplexity combines the decomposer's own label with keyword and
// length heuristics.
func classifyComplexity(dt decomposedTask) Complexity {
	switch Complexity(dt.Complexity) {
	case Trivial, Simple, Medium, Complex, VeryComplex:
		return Complexity(dt.Complexity)
	}

	words := len(strings.Fields(dt.Description))
	score := 0
	switch {
	case words > 120:
		score += 2
	case words > 40:
		score++
	}
	lower := strings.ToLower(dt.Description)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	if dt.Kind == "design" {
		score++
	}
	switch {
	case score >= 4:
		return VeryComplex
	case score == 3:
		return Complex
	case score == 2:
		return Medium
	case score == 1:
		return Simple
	}
	return Trivial
}

func budgetFor(c Complexity) (maxTokens int, maxWall time.Duration) {
	switch c {
	case Trivial:
		return 1024, 2 * time.Minute
	case Simple:
		return 2048, 5 * time.Minute
	case Medium:
		return 4096, 10 * time.Minute
	case Complex:
		return 8192, 20 * time.Minute
	default:
		return 16384, 30 * time.Minute
	}
}

// inputsHash keys the result cache. It depends only on what the task will
// be asked to do, never on the request id, so identical work across
// requests is deduplicated.
func inputsHash(t *Task) string {
	sum := sha256.Sum256([]byte(string(t.Kind) + "|" + t.Language + "|" + strings.TrimSpace(t.Description)))
	return hex.EncodeToString(sum[:])
}

// markCached flags tasks whose result already exists in the cache.
func (b *Builder) markCached(g *Graph) {
	if b.cache == nil {
		return
	}
	for _, t := range g.Tasks {
		if t.Kind == KindDesign || t.Kind == KindDoc {
			continue
		}
		if _, err := b.cache.LookupResult(t.InputsHash); err == nil {
			t.Cached = true
			logging.GraphDebug("task %s served from result cache", t.ID)
		}
	}
}
