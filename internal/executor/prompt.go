package executor

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"capsmith/internal/faults"
	"capsmith/internal/graph"
)

var systemPrompts = map[graph.Kind]string{
	graph.KindDesign: `You are a senior software architect. Produce a concise design document
as a markdown file. Emit files in fenced code blocks, each preceded by a line "# file: <path>".`,
	graph.KindCode: `You are a senior software engineer. Write clean, idiomatic, complete code.
Emit every file in a fenced code block preceded by a line "# file: <path>".
No placeholders, no TODOs, no commentary outside the blocks.`,
	graph.KindTest: `You are a software engineer writing tests. Emit test files in fenced code
blocks, each preceded by a line "# file: <path>". Tests must be runnable as-is.`,
	graph.KindDoc: `You are a technical writer. Produce documentation as markdown files in
fenced code blocks, each preceded by "# file: <path>".`,
	graph.KindConfig: `You are a software engineer producing configuration and manifest files.
Emit each file in a fenced code block preceded by "# file: <path>".`,
}

// BuildPrompt assembles the system and user prompts for a task attempt.
func BuildPrompt(in Input) (system, prompt string) {
	system, ok := systemPrompts[in.Task.Kind]
	if !ok {
		system = systemPrompts[graph.KindCode]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall request: %s\n\n", in.Request.Description)
	fmt.Fprintf(&sb, "Your task: %s\n", in.Task.Description)
	fmt.Fprintf(&sb, "Target language: %s\n", in.Task.Language)
	if fw := in.Request.Constraints["framework"]; fw != "" {
		fmt.Fprintf(&sb, "Framework: %s\n", fw)
	}

	if len(in.Predecessors) > 0 {
		sb.WriteString("\nOutputs of prerequisite tasks:\n")
		ids := make([]string, 0, len(in.Predecessors))
		for id := range in.Predecessors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			art := in.Predecessors[id]
			paths := make([]string, 0, len(art))
			for p := range art {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Fprintf(&sb, "\n# file: %s\n```\n%s\n```\n", p, truncatePrompt(string(art[p])))
			}
		}
	}

	if in.ReviewNotes != "" {
		fmt.Fprintf(&sb, "\nA reviewer rejected the previous attempt with these notes; address them:\n%s\n", in.ReviewNotes)
	}
	return system, sb.String()
}

const maxPromptFileBytes = 16 * 1024

func truncatePrompt(s string) string {
	if len(s) <= maxPromptFileBytes {
		return s
	}
	return s[:maxPromptFileBytes] + "\n... (truncated)"
}

// ParseArtifact extracts the file set from a completion. Files are fenced
// code blocks preceded by a "# file: <path>" marker; a single unmarked
// block (or bare text for doc tasks) falls back to a language-default path.
func ParseArtifact(text string, task *graph.Task) (Artifact, error) {
	artifact := make(Artifact)

	lines := strings.Split(text, "\n")
	var pendingPath string
	var current []string
	inFence := false
	unnamed := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				inFence = true
				current = current[:0]
				if p := fencePath(trimmed); p != "" {
					pendingPath = p
				}
				continue
			}
			inFence = false
			p := pendingPath
			pendingPath = ""
			if p == "" {
				p = defaultPath(task, unnamed)
				unnamed++
			}
			if !validArtifactPath(p) {
				return nil, faults.Newf(faults.Permanent, "executor.parse", "illegal artifact path %q", p)
			}
			content := strings.Join(current, "\n")
			if !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			artifact[p] = []byte(content)
			continue
		}
		if inFence {
			current = append(current, line)
			continue
		}
		if p, ok := fileMarker(trimmed); ok {
			pendingPath = p
		}
	}

	if len(artifact) == 0 {
		body := strings.TrimSpace(text)
		if body == "" {
			return nil, faults.Newf(faults.Permanent, "executor.parse", "empty completion")
		}
		if task.Kind != graph.KindDoc && task.Kind != graph.KindDesign {
			return nil, faults.Newf(faults.Permanent, "executor.parse", "no code blocks in completion")
		}
		artifact[defaultPath(task, 0)] = []byte(body + "\n")
	}
	return artifact, nil
}

// fileMarker recognizes "# file: path" and "// file: path" lines.
func fileMarker(line string) (string, bool) {
	for _, prefix := range []string{"# file:", "// file:", "<!-- file:"} {
		if strings.HasPrefix(line, prefix) {
			p := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			p = strings.TrimSuffix(p, "-->")
			return strings.TrimSpace(p), p != ""
		}
	}
	return "", false
}

// fencePath recognizes "```python file=main.py" style info strings.
func fencePath(fence string) string {
	for _, field := range strings.Fields(fence) {
		if strings.HasPrefix(field, "file=") {
			return strings.TrimPrefix(field, "file=")
		}
		if strings.HasPrefix(field, "path=") {
			return strings.TrimPrefix(field, "path=")
		}
	}
	return ""
}

func validArtifactPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		return false
	}
	return path.Clean(p) == p
}

var langExt = map[string]string{
	"python": ".py", "py": ".py",
	"go": ".go", "golang": ".go",
	"javascript": ".js", "js": ".js", "node": ".js",
}

func defaultPath(task *graph.Task, idx int) string {
	suffix := ""
	if idx > 0 {
		suffix = fmt.Sprintf("_%d", idx)
	}
	ext, ok := langExt[strings.ToLower(task.Language)]
	if !ok {
		ext = ".txt"
	}
	switch task.Kind {
	case graph.KindDoc:
		if idx == 0 {
			return "README.md"
		}
		return fmt.Sprintf("docs/doc_%d.md", idx)
	case graph.KindDesign:
		return "docs/design" + suffix + ".md"
	case graph.KindTest:
		if ext == ".go" {
			return "main" + suffix + "_test.go"
		}
		return "tests/test_main" + suffix + ext
	case graph.KindConfig:
		return "config" + suffix + ".txt"
	default:
		return "main" + suffix + ext
	}
}
