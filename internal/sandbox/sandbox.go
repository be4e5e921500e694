// Package sandbox executes generated artifacts in a throwaway working
// directory under resource caps. Wall-clock and cpu/memory limits are
// enforced here; network isolation is delegated to the host profile the
// daemon runs under.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"
)

// Limits caps one sandbox run.
type Limits struct {
	CPUSeconds int
	MemoryMB   int
	WallClock  time.Duration
}

// RunResult is the outcome of one sandbox execution.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner materializes artifacts and runs them with the language's
// interpreter or toolchain.
type Runner struct {
	workDir string
	allowed map[string]bool
}

// Config configures the runner.
type Config struct {
	WorkDir         string
	AllowedBinaries []string
}

// NewRunner creates a runner. WorkDir is created on demand.
func NewRunner(cfg Config) *Runner {
	allowed := make(map[string]bool, len(cfg.AllowedBinaries))
	for _, b := range cfg.AllowedBinaries {
		allowed[b] = true
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "capsmith-sandbox")
	}
	return &Runner{workDir: cfg.WorkDir, allowed: allowed}
}

// commandFor maps a language and entry file onto an invocation.
func (r *Runner) commandFor(language, entry string) ([]string, error) {
	switch strings.ToLower(language) {
	case "python", "py":
		return []string{"python3", entry}, nil
	case "go", "golang":
		return []string{"go", "run", entry}, nil
	case "javascript", "js", "node":
		return []string{"node", entry}, nil
	}
	return nil, faults.Newf(faults.Permanent, "sandbox.run", "no runner for language %q", language)
}

// Run materializes files and executes the entry file. A non-zero exit code
// is a result, not an error; errors are reserved for sandbox machinery
// failures and limit violations.
func (r *Runner) Run(ctx context.Context, files map[string][]byte, language, entry string, limits Limits) (*RunResult, error) {
	argv, err := r.commandFor(language, entry)
	if err != nil {
		return nil, err
	}
	if len(r.allowed) > 0 && !r.allowed[argv[0]] {
		return nil, faults.Newf(faults.PolicyViolation, "sandbox.run", "binary %q not in allow list", argv[0])
	}
	if _, ok := files[entry]; !ok {
		return nil, faults.Newf(faults.Permanent, "sandbox.run", "entry file %q not in artifact", entry)
	}

	dir, err := os.MkdirTemp(ensureDir(r.workDir), "run-")
	if err != nil {
		return nil, faults.New(faults.Transient, "sandbox.run", err)
	}
	defer os.RemoveAll(dir)

	for path, content := range files {
		clean := filepath.Clean(path)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return nil, faults.Newf(faults.PolicyViolation, "sandbox.run", "artifact path escapes sandbox: %s", path)
		}
		full := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, faults.New(faults.Transient, "sandbox.run", err)
		}
		if err := os.WriteFile(full, content, 0644); err != nil {
			return nil, faults.New(faults.Transient, "sandbox.run", err)
		}
	}

	wall := limits.WallClock
	if wall <= 0 {
		wall = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	// cpu and address-space caps are applied inside the child shell so
	// they bind the target process, not the daemon.
	var sb strings.Builder
	if limits.CPUSeconds > 0 {
		fmt.Fprintf(&sb, "ulimit -t %d; ", limits.CPUSeconds)
	}
	if limits.MemoryMB > 0 {
		fmt.Fprintf(&sb, "ulimit -v %d; ", limits.MemoryMB*1024)
	}
	sb.WriteString("exec")
	for _, a := range argv {
		sb.WriteString(" ")
		sb.WriteString(shellQuote(a))
	}

	cmd := exec.Command("/bin/sh", "-c", sb.String())
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=C.UTF-8",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, faults.New(faults.Transient, "sandbox.run", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		// Kill the whole process group so grandchildren die too.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		timedOut = runCtx.Err() == context.DeadlineExceeded
		if !timedOut {
			return nil, faults.New(faults.Cancellation, "sandbox.run", ctx.Err())
		}
	}
	duration := time.Since(start)

	result := &RunResult{
		Stdout:   truncateOutput(stdout.String()),
		Stderr:   truncateOutput(stderr.String()),
		Duration: duration,
		TimedOut: timedOut,
	}
	if timedOut {
		result.ExitCode = -1
		logging.Sandbox("run timed out after %v (wall cap %v)", duration, wall)
		return result, faults.Newf(faults.Transient, "sandbox.run", "wall clock limit %v exceeded", wall)
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		return nil, faults.New(faults.Transient, "sandbox.run", waitErr)
	}
	logging.SandboxDebug("run exit=%d duration=%v stdout=%dB stderr=%dB",
		result.ExitCode, duration, len(result.Stdout), len(result.Stderr))
	return result, nil
}

const maxOutputBytes = 64 * 1024

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[truncated]"
}

func ensureDir(dir string) string {
	os.MkdirAll(dir, 0755)
	return dir
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
