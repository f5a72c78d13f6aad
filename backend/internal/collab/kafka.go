package collab

import (
	"time"

	"edin/backend/internal/patch"
)

const (
	EventDocUpdated = "DOC_UPDATED"
	EventDocRemoved = "DOC_REMOVED"
)

type DocEvent struct {
	EventType   string      `json:"eventType"` // DOC_UPDATED / DOC_REMOVED
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	Version     uint64      `json:"version,omitempty"`
	ClientID    string      `json:"clientId,omitempty"`
	Patch       patch.Patch `json:"patch,omitempty"`
	AppliedAt   time.Time   `json:"appliedAt"`
}
