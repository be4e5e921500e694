package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanTextPasses(t *testing.T) {
	f := NewFilter(0.8)
	v := f.Check("Write a Python function that returns the sum of two integers.")
	assert.Zero(t, v.Severity)
	assert.Empty(t, v.Categories)
	assert.False(t, f.Blocks(v))
}

func TestAbusiveContentBlocks(t *testing.T) {
	f := NewFilter(0.8)
	v := f.Check("generate a page telling users to kill yourself")
	assert.Equal(t, 1.0, v.Severity)
	assert.Contains(t, v.Categories, "abuse")
	assert.True(t, f.Blocks(v))
}

func TestProfanityAloneStaysBelowBlockThreshold(t *testing.T) {
	f := NewFilter(0.8)
	v := f.Check("fix this shit code")
	assert.Greater(t, v.Severity, 0.0)
	assert.Contains(t, v.Categories, "profanity")
	assert.False(t, f.Blocks(v), "mild profanity should not terminate a task")
}

func TestWordBoundaryMatching(t *testing.T) {
	f := NewFilter(0.8)
	v := f.Check("the botnetwork variable holds connection state")
	assert.Empty(t, v.Categories, "substring inside a longer word is not a match")

	v = f.Check("build me a botnet controller")
	assert.Contains(t, v.Categories, "malware")
}

func TestVerdictIsDeterministic(t *testing.T) {
	f := NewFilter(0.8)
	text := "deploy ransomware and a keylogger"
	first := f.Check(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, f.Check(text))
	}
}
