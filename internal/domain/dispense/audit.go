package dispense

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action names an audited change to a record.
type Action string

const (
	ActionCreated          Action = "created"
	ActionRiskAcknowledged Action = "risk_acknowledged"
	ActionCanceled         Action = "canceled"
	ActionPrinted          Action = "printed"
)

// AuditEntry is one append-only audit log line.
type AuditEntry struct {
	Timestamp int64          `json:"timestamp"`
	Action    Action         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewID returns a record identifier: creation time in milliseconds plus a
// random suffix, unique across terminals without coordination.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}
