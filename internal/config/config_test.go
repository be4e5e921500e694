package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 100, cfg.Workflow.MaxConcurrentTasks)
	assert.Equal(t, 50, cfg.Workflow.MaxConcurrentWorkflows)
	assert.Equal(t, 3, cfg.Workflow.RetryMax)
	assert.Equal(t, 60*time.Second, cfg.RetryCapDuration())
	assert.Equal(t, 2*time.Hour, cfg.WorkflowDeadline())
	assert.Equal(t, 10*time.Minute, cfg.ActivityDeadline())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 0.7, cfg.Review.ConfidenceThreshold)
	assert.Equal(t, 0.2, cfg.Review.WeightError)
	assert.Equal(t, 0.1, cfg.Review.WeightLowCoverage)
	assert.Equal(t, 0.05, cfg.Review.WeightThrottle)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.RecoveryTimeout())
	assert.Equal(t, 1, cfg.Governor.RPSFloor)
	assert.Equal(t, 1000, cfg.Governor.QueueWatermark)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "capsmith", cfg.Name)
}

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capsmith.yaml")
	body := `
workflow:
  max_concurrent_tasks: 7
  retry_cap: 10s
review:
  on_timeout: reject
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("CAPSMITH_SIGNING_SECRET", "test-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workflow.MaxConcurrentTasks)
	assert.Equal(t, 10*time.Second, cfg.RetryCapDuration())
	assert.Equal(t, "reject", cfg.Review.OnTimeout)
	assert.Equal(t, "test-key", cfg.Providers.Anthropic.APIKey)

	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capsule.SigningSecret = "s"
	cfg.Providers.OpenAI.APIKey = "k"

	cfg.Review.OnTimeout = "shrug"
	assert.Error(t, cfg.Validate())

	cfg.Review.OnTimeout = "approve"
	cfg.Review.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Review.ConfidenceThreshold = 0.7
	cfg.Workflow.MaxConcurrentTasks = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing signing secret must fail validation")
}
