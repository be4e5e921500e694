package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies the audited decision.
type AuditEventType string

const (
	AuditPolicyBlock   AuditEventType = "policy_block"   // HAP filter terminated a task
	AuditBudgetDenied  AuditEventType = "budget_denied"  // governor denied on budget
	AuditBreakerOpen   AuditEventType = "breaker_open"   // circuit opened
	AuditReviewSignal  AuditEventType = "review_signal"  // human/AI review decision
	AuditDelivery      AuditEventType = "delivery"       // capsule handed off to VCS
	AuditWorkflowFatal AuditEventType = "workflow_fatal" // workflow failed terminally
)

// AuditEvent is one append-only audit record. Unlike debug logging, the
// audit trail is always written.
type AuditEvent struct {
	Type       AuditEventType `json:"type"`
	Timestamp  time.Time      `json:"ts"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Tenant     string         `json:"tenant,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditMu   sync.Mutex
	auditFile *os.File
)

// InitAudit opens the audit trail under the data directory. The trail is a
// JSON-lines file, one event per line, append-only.
func InitAudit(dataDir string) error {
	auditMu.Lock()
	defer auditMu.Unlock()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	path := filepath.Join(dataDir, "audit.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	auditFile = f
	return nil
}

// Audit appends one event to the trail. Safe to call before InitAudit; the
// event is then dropped (tests, one-shot CLI commands).
func Audit(ev AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// CloseAudit closes the audit trail (call at shutdown).
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}
