// Structured audit logging. Every mutation in the memory service records an
// (actor, action, resource, outcome) event, even on failure. Events go to the
// audit log file; the store layer additionally persists them to the audit table.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Artifact mutations -> memory_op
	AuditEntryCreate     AuditEventType = "entry_create"
	AuditEntryUpdate     AuditEventType = "entry_update"
	AuditEntryDeactivate AuditEventType = "entry_deactivate"
	AuditEntryReactivate AuditEventType = "entry_reactivate"
	AuditEntryDelete     AuditEventType = "entry_delete"
	AuditEntryPurge      AuditEventType = "entry_purge"

	// Read-side events
	AuditEntryRead AuditEventType = "entry_read"
	AuditEntryList AuditEventType = "entry_list"

	// Security events
	AuditPermissionDenied AuditEventType = "permission_denied"
	AuditRateLimited      AuditEventType = "rate_limited"
	AuditAdminAction      AuditEventType = "admin_action"

	// Background service events
	AuditLearningCapture AuditEventType = "learning_capture"
	AuditLibrarianRun    AuditEventType = "librarian_run"
	AuditReembedRun      AuditEventType = "reembed_run"
	AuditBackupOp        AuditEventType = "backup_op"
	AuditImportOp        AuditEventType = "import_op"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	EventType AuditEventType         `json:"event"`
	Actor     string                 `json:"actor"`    // agent id
	Action    string                 `json:"action"`   // add/update/get/list/...
	Resource  string                 `json:"resource"` // entryType:entryId
	Outcome   string                 `json:"outcome"`  // success | denied | error
	SessionID string                 `json:"session,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit opens the audit log file. Called once at startup after Initialize.
// No-op when debug mode is off; the store-level audit table is unaffected.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	if logsDir == "" {
		return fmt.Errorf("logging not initialized")
	}
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	auditFile = f
	return nil
}

// CloseAudit closes the audit file (call at shutdown).
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit writes one structured audit event. Failures to write are swallowed:
// audit logging must never fail the operation it describes.
func Audit(event AuditEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(auditFile, "%s\n", data)
}

// AuditMutation is a convenience helper for the common mutation event shape.
func AuditMutation(eventType AuditEventType, actor, action, resource, outcome string, opErr error) {
	event := AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	Audit(event)
}
