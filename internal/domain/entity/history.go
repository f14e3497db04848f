package entity

import (
	"time"

	"github.com/quillhr/approvalflow/internal/domain/workflow"
)

// HistoryEntry is one line of the audit trail for an approval request
type HistoryEntry struct {
	ID        int64            `json:"id"`
	RequestID int64            `json:"request_id"`
	ActorID   int64            `json:"actor_id"`
	Action    workflow.Trigger `json:"action"`
	Stage     workflow.Stage   `json:"stage,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
