package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"capsmith/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(Config{
		WorkDir:         t.TempDir(),
		AllowedBinaries: []string{"python3", "node", "go"},
	})
}

func TestRunPythonHappyPath(t *testing.T) {
	r := newTestRunner(t)
	files := map[string][]byte{
		"main.py": []byte("def add(a, b):\n    return a + b\n\nprint(add(2, 3))\n"),
	}
	res, err := r.Run(context.Background(), files, "python", "main.py", Limits{WallClock: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "5", strings.TrimSpace(res.Stdout))
	assert.False(t, res.TimedOut)
}

func TestNonZeroExitIsAResultNotAnError(t *testing.T) {
	r := newTestRunner(t)
	files := map[string][]byte{
		"main.py": []byte("import sys\nsys.stderr.write('boom')\nsys.exit(3)\n"),
	}
	res, err := r.Run(context.Background(), files, "python", "main.py", Limits{WallClock: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestWallClockTimeoutIsTransient(t *testing.T) {
	r := newTestRunner(t)
	files := map[string][]byte{
		"main.py": []byte("import time\ntime.sleep(30)\n"),
	}
	res, err := r.Run(context.Background(), files, "python", "main.py", Limits{WallClock: 500 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, faults.Transient, faults.KindOf(err))
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
}

func TestCancelKillsRun(t *testing.T) {
	r := newTestRunner(t)
	files := map[string][]byte{
		"main.py": []byte("import time\ntime.sleep(30)\n"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, files, "python", "main.py", Limits{WallClock: time.Minute})
	require.Error(t, err)
	assert.Equal(t, faults.Cancellation, faults.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second, "cancel must kill promptly")
}

func TestPathEscapeRejected(t *testing.T) {
	r := newTestRunner(t)
	files := map[string][]byte{
		"main.py":          []byte("print('x')\n"),
		"../outside.txt":   []byte("nope"),
	}
	_, err := r.Run(context.Background(), files, "python", "main.py", Limits{})
	require.Error(t, err)
	assert.Equal(t, faults.PolicyViolation, faults.KindOf(err))
}

func TestDisallowedBinaryRejected(t *testing.T) {
	r := NewRunner(Config{WorkDir: t.TempDir(), AllowedBinaries: []string{"go"}})
	files := map[string][]byte{"main.py": []byte("print('x')\n")}
	_, err := r.Run(context.Background(), files, "python", "main.py", Limits{})
	require.Error(t, err)
	assert.Equal(t, faults.PolicyViolation, faults.KindOf(err))
}

func TestUnknownLanguageIsPermanent(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), map[string][]byte{"x": nil}, "cobol", "x", Limits{})
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestMissingEntryIsPermanent(t *testing.T) {
	r := newTestRunner(t)
	files := map[string][]byte{"other.py": []byte("print('x')\n")}
	_, err := r.Run(context.Background(), files, "python", "main.py", Limits{})
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}
