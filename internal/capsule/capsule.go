// Package capsule assembles validated task outputs into the immutable,
// signed, versioned artifact bundle, and packages it for download. The
// signature covers the canonical bytes only; delivery metadata lives
// alongside, never inside.
package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"capsmith/internal/executor"
	"capsmith/internal/faults"
	"capsmith/internal/graph"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/store"
	"capsmith/internal/validate"
)

// Manifest describes the assembled bundle.
type Manifest struct {
	Name         string   `json:"name"`
	Language     string   `json:"language"`
	EntryPoints  []string `json:"entry_points,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// PathConflict records two task results claiming the same path.
type PathConflict struct {
	Path      string `json:"path"`
	WinnerTask string `json:"winner_task"`
	LoserTask  string `json:"loser_task"`
}

// Report aggregates validation across tasks.
type Report struct {
	TaskConfidences map[string]float64 `json:"task_confidences"`
	Findings        []validate.Finding `json:"findings,omitempty"`
	PathConflicts   []PathConflict     `json:"path_conflicts,omitempty"`
	Degraded        bool               `json:"degraded,omitempty"`
	FailedTasks     []string           `json:"failed_tasks,omitempty"`
}

// Capsule lifecycle states.
const (
	StateDraft     = "draft"
	StateFinalized = "finalized"
	StateDelivered = "delivered"
	StateArchived  = "archived"
)

// Capsule is the assembled artifact bundle.
type Capsule struct {
	ID            string            `json:"capsule_id"`
	Version       int               `json:"version"`
	ParentVersion int               `json:"parent_version,omitempty"`
	State         string            `json:"state"`
	Manifest      Manifest          `json:"manifest"`
	Files         map[string][]byte `json:"files"`
	Tests         map[string][]byte `json:"tests"`
	Report        Report            `json:"report"`
	Signature     string            `json:"signature,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Organizer proposes a file layout; nil (or failure) falls back to the
// deterministic layout. Wired through the executor's dispatch path like
// every other LLM call.
type Organizer func(ctx context.Context, system, prompt string) (string, error)

// Assembler builds and persists capsules.
type Assembler struct {
	store     *store.Store
	secret    []byte
	organizer Organizer
}

// NewAssembler creates an assembler.
func NewAssembler(st *store.Store, signingSecret string, organizer Organizer) *Assembler {
	return &Assembler{store: st, secret: []byte(signingSecret), organizer: organizer}
}

// Assemble collects validated results into a draft capsule. Depth is the
// graph's depth map; on a path conflict the deeper task wins.
func (a *Assembler) Assemble(ctx context.Context, req *graph.Request, g *graph.Graph, results map[string]*executor.TaskResult) (*Capsule, error) {
	timer := logging.StartTimer(logging.CategoryCapsule, "capsule.Assemble")
	defer timer.Stop()

	c := &Capsule{
		ID:        "cap-" + req.ID,
		State:     StateDraft,
		Files:     make(map[string][]byte),
		Tests:     make(map[string][]byte),
		Report:    Report{TaskConfidences: make(map[string]float64)},
		CreatedAt: time.Now(),
	}

	depth := g.Depth()
	owner := make(map[string]string) // path -> winning task id

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := results[id]
		task := g.Tasks[id]
		if task == nil {
			continue
		}
		switch res.State {
		case executor.StateValidated:
		case executor.StateFailed:
			c.Report.Degraded = true
			c.Report.FailedTasks = append(c.Report.FailedTasks, id)
			continue
		default:
			continue
		}
		c.Report.TaskConfidences[id] = res.Confidence
		if res.Validation != nil {
			c.Report.Findings = append(c.Report.Findings, res.Validation.Findings...)
		}

		for path, content := range res.Artifact {
			if prev, taken := owner[path]; taken {
				winner, loser := id, prev
				if depth[prev] >= depth[id] {
					winner, loser = prev, id
				}
				c.Report.PathConflicts = append(c.Report.PathConflicts, PathConflict{
					Path: path, WinnerTask: winner, LoserTask: loser,
				})
				logging.Capsule("path conflict on %s: task %s wins over %s", path, winner, loser)
				if winner == prev {
					continue
				}
			}
			owner[path] = id
			if task.Kind == graph.KindTest {
				c.Tests[path] = content
			} else {
				c.Files[path] = content
			}
		}
	}

	if len(c.Files) == 0 {
		return nil, faults.Newf(faults.Permanent, "capsule.assemble", "no validated outputs to assemble")
	}
	sort.Slice(c.Report.PathConflicts, func(i, j int) bool {
		return c.Report.PathConflicts[i].Path < c.Report.PathConflicts[j].Path
	})

	a.layout(ctx, req, c)

	c.Manifest = buildManifest(req, c)
	logging.Capsule("assembled %s: %d files, %d tests, degraded=%v",
		c.ID, len(c.Files), len(c.Tests), c.Report.Degraded)
	return c, nil
}

// layout asks the organizer for a better file arrangement and falls back
// to the deterministic layout on any failure.
func (a *Assembler) layout(ctx context.Context, req *graph.Request, c *Capsule) {
	moved := a.organizerLayout(ctx, req, c)
	if !moved {
		deterministicLayout(req.Language(), c)
	}
}

type layoutProposal struct {
	Moves map[string]string `json:"moves"` // old path -> new path
}

const organizerSystem = `You organize generated source files into an idiomatic project layout.
Respond with JSON only: {"moves":{"old/path.py":"new/path.py", ...}}.
Only include files that should move. Never drop or merge files.`

func (a *Assembler) organizerLayout(ctx context.Context, req *graph.Request, c *Capsule) bool {
	if a.organizer == nil {
		return false
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Language: %s\nFiles:\n", req.Language())
	for _, p := range sortedPaths(c.Files) {
		fmt.Fprintf(&sb, "  %s\n", p)
	}
	out, err := a.organizer(ctx, organizerSystem, sb.String())
	if err != nil {
		logging.CapsuleDebug("organizer call failed, using deterministic layout: %v", err)
		return false
	}
	var prop layoutProposal
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &prop); err != nil || len(prop.Moves) == 0 {
		logging.CapsuleDebug("organizer output unusable, using deterministic layout")
		return false
	}
	for old, renamed := range prop.Moves {
		content, ok := c.Files[old]
		if !ok || !validPath(renamed) {
			continue
		}
		if _, taken := c.Files[renamed]; taken {
			continue
		}
		delete(c.Files, old)
		c.Files[renamed] = content
	}
	return true
}

// deterministicLayout is the fallback: sources under src/, tests under
// tests/, docs at the root.
func deterministicLayout(language string, c *Capsule) {
	relocated := make(map[string][]byte, len(c.Files))
	for path, content := range c.Files {
		switch {
		case strings.HasSuffix(path, ".md") || strings.Contains(path, "docs/"):
			relocated[path] = content
		case strings.HasPrefix(path, "src/"):
			relocated[path] = content
		case isManifestFile(path):
			relocated[path] = content
		default:
			relocated["src/"+path] = content
		}
	}
	c.Files = relocated

	tests := make(map[string][]byte, len(c.Tests))
	for path, content := range c.Tests {
		if strings.HasPrefix(path, "tests/") {
			tests[path] = content
		} else {
			tests["tests/"+path[strings.LastIndex(path, "/")+1:]] = content
		}
	}
	c.Tests = tests
	_ = language
}

func isManifestFile(path string) bool {
	switch path {
	case "requirements.txt", "pyproject.toml", "package.json", "go.mod", "Cargo.toml":
		return true
	}
	return false
}

// buildManifest computes language, entry points, and declared dependencies.
func buildManifest(req *graph.Request, c *Capsule) Manifest {
	m := Manifest{
		Name:     req.Metadata["repo_name"],
		Language: req.Language(),
	}
	if m.Name == "" {
		m.Name = c.ID
	}
	for _, p := range sortedPaths(c.Files) {
		base := p[strings.LastIndex(p, "/")+1:]
		if strings.HasPrefix(base, "main.") || base == "index.js" || base == "app.py" {
			m.EntryPoints = append(m.EntryPoints, p)
		}
	}
	m.Dependencies = parseDependencies(c.Files)
	return m
}

// parseDependencies reads the language manifest file when present.
func parseDependencies(files map[string][]byte) []string {
	if reqs, ok := files["requirements.txt"]; ok {
		var deps []string
		for _, line := range strings.Split(string(reqs), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			deps = append(deps, line)
		}
		return deps
	}
	if pkg, ok := files["package.json"]; ok {
		var parsed struct {
			Dependencies map[string]string `json:"dependencies"`
		}
		if json.Unmarshal(pkg, &parsed) == nil {
			deps := make([]string, 0, len(parsed.Dependencies))
			for name := range parsed.Dependencies {
				deps = append(deps, name)
			}
			sort.Strings(deps)
			return deps
		}
	}
	return nil
}

// Finalize canonicalizes, signs, versions, and persists the capsule. Only
// finalized capsules are signed; a finalized capsule is immutable and a
// revision is a new version.
func (a *Assembler) Finalize(c *Capsule) error {
	if c.State != StateDraft {
		return faults.Newf(faults.Permanent, "capsule.finalize", "capsule %s is %s, not draft", c.ID, c.State)
	}
	if len(a.secret) == 0 {
		return faults.Newf(faults.Permanent, "capsule.finalize", "signing secret not configured")
	}
	if err := Canonicalize(c); err != nil {
		return err
	}

	latest, err := a.store.LatestCapsuleVersion(c.ID)
	if err != nil {
		return fmt.Errorf("capsule.finalize: %w", err)
	}
	c.Version = latest + 1
	c.ParentVersion = latest
	c.State = StateFinalized
	c.Signature = Sign(a.secret, CanonicalBytes(c))

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("capsule.finalize: %w", err)
	}
	if err := a.store.PutCapsule(store.CapsuleRecord{
		CapsuleID: c.ID,
		Version:   c.Version,
		State:     StateFinalized,
		Data:      data,
	}); err != nil {
		return fmt.Errorf("capsule.finalize: %w", err)
	}
	metrics.CapsulesFinalized.Inc()
	logging.Capsule("finalized %s v%d signature=%s...", c.ID, c.Version, c.Signature[:12])
	return nil
}

// Load fetches a stored capsule. Version 0 loads the latest.
func (a *Assembler) Load(capsuleID string, version int) (*Capsule, error) {
	rec, err := a.store.GetCapsule(capsuleID, version)
	if err != nil {
		return nil, err
	}
	var c Capsule
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return nil, faults.Newf(faults.Corruption, "capsule.load", "capsule %s v%d unreadable: %v", capsuleID, rec.Version, err)
	}
	c.State = rec.State
	return &c, nil
}

// Verify recomputes the signature over the stored content.
func (a *Assembler) Verify(c *Capsule) bool {
	return Verify(a.secret, CanonicalBytes(c), c.Signature)
}

func sortedPaths(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func validPath(p string) bool {
	return p != "" && !strings.HasPrefix(p, "/") && !strings.Contains(p, "..")
}
