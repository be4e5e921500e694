package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPythonPasses(t *testing.T) {
	v := New()
	files := map[string][]byte{
		"src/adder.py": []byte("def add(a, b):\n    return a + b\n"),
	}
	report, err := v.Validate(context.Background(), files, "python")
	require.NoError(t, err)
	assert.Zero(t, report.Errors())
}

func TestSyntaxErrorIsErrorLevelWithLocation(t *testing.T) {
	v := New()
	files := map[string][]byte{
		"src/broken.py": []byte("def add(a, b:\n    return a +\n"),
	}
	report, err := v.Validate(context.Background(), files, "python")
	require.NoError(t, err)
	require.Greater(t, report.Errors(), 0)

	found := false
	for _, f := range report.Findings {
		if f.Level == LevelError && f.Path == "src/broken.py" {
			found = true
			assert.GreaterOrEqual(t, f.Line, 1)
		}
	}
	assert.True(t, found)
}

func TestGoSyntaxChecked(t *testing.T) {
	v := New()
	clean := map[string][]byte{
		"main.go": []byte("package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"),
	}
	report, err := v.Validate(context.Background(), clean, "go")
	require.NoError(t, err)
	assert.Zero(t, report.Errors())

	broken := map[string][]byte{
		"main.go": []byte("package main\n\nfunc main( {\n"),
	}
	report, err = v.Validate(context.Background(), broken, "go")
	require.NoError(t, err)
	assert.Greater(t, report.Errors(), 0)
}

func TestSecurityDenyList(t *testing.T) {
	v := New()
	files := map[string][]byte{
		"src/run.py": []byte("import os\nos.system(\"rm -rf /\")\n"),
	}
	report, err := v.Validate(context.Background(), files, "python")
	require.NoError(t, err)

	var security *Finding
	for i, f := range report.Findings {
		if f.Level == LevelError && f.Path == "src/run.py" && f.Line == 2 {
			security = &report.Findings[i]
		}
	}
	require.NotNil(t, security, "os.system must be flagged")
	assert.Contains(t, security.Message, "security")
}

func TestStyleWarningsDoNotCountAsErrors(t *testing.T) {
	v := New()
	long := make([]byte, 0, 200)
	long = append(long, []byte("# ")...)
	for i := 0; i < 180; i++ {
		long = append(long, 'x')
	}
	files := map[string][]byte{"notes.py": append(long, '\n')}

	report, err := v.Validate(context.Background(), files, "python")
	require.NoError(t, err)
	assert.Zero(t, report.Errors())
	require.NotEmpty(t, report.Findings)
	assert.Equal(t, LevelWarning, report.Findings[0].Level)
}

func TestCoverageHeuristic(t *testing.T) {
	v := New()
	files := map[string][]byte{
		"src/adder.py":       []byte("def add(a, b):\n    return a + b\n\ndef sub(a, b):\n    return a - b\n"),
		"tests/test_adder.py": []byte("def test_add():\n    assert True\n"),
	}
	report, err := v.Validate(context.Background(), files, "python")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, report.Coverage, 1e-9)
}

func TestUnknownLanguageStyleOnly(t *testing.T) {
	v := New()
	files := map[string][]byte{
		"README.md": []byte("# title\n"),
		"data.csv":  []byte("a,b\n1,2\n"),
	}
	report, err := v.Validate(context.Background(), files, "cobol")
	require.NoError(t, err)
	assert.Zero(t, report.Errors())
}
