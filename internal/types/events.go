package types

import "time"

// EventType distinguishes the payloads carried by a StatusEvent.
type EventType string

const (
	EventOperationUpdate   EventType = "operation_update"
	EventAuditNotification EventType = "audit_notification"
)

// StatusEvent is a transient notification pushed to live subscribers.
// Sequence is assigned per operation by the broadcaster so subscribers can
// detect gaps left by dropped events.
type StatusEvent struct {
	Type        EventType `json:"type"`
	OperationID string    `json:"operationId,omitempty"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data"`
}

// OperationUpdate is the payload of an operation_update event.
type OperationUpdate struct {
	Status            OperationStatus `json:"status"`
	TotalRecords      int             `json:"totalRecords"`
	ProcessedRecords  int             `json:"processedRecords"`
	SuccessfulRecords int             `json:"successfulRecords"`
	FailedRecords     int             `json:"failedRecords"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	LastRunAt         *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt         *time.Time      `json:"nextRunAt,omitempty"`
}

// AuditSeverity grades an audit notification.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// AuditNotice is the payload of an audit_notification event.
type AuditNotice struct {
	Kind     string        `json:"kind"`
	Severity AuditSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// Audit notice kinds.
const (
	AuditValidationFailed = "validation_failed"
	AuditBatchFailed      = "batch_failed"
	AuditRunFailed        = "run_failed"
	AuditRunTimeout       = "run_timeout"
	AuditRunInterrupted   = "run_interrupted"
)

// NewOperationUpdate snapshots the observable state of op into an event.
func NewOperationUpdate(op *SyncOperation, at time.Time) StatusEvent {
	return StatusEvent{
		Type:        EventOperationUpdate,
		OperationID: op.ID,
		Timestamp:   at.UTC(),
		Data: OperationUpdate{
			Status:            op.Status,
			TotalRecords:      op.TotalRecords,
			ProcessedRecords:  op.ProcessedRecords,
			SuccessfulRecords: op.SuccessfulRecords,
			FailedRecords:     op.FailedRecords,
			ErrorMessage:      op.ErrorMessage,
			LastRunAt:         op.LastRunAt,
			NextRunAt:         op.NextRunAt,
		},
	}
}

// NewAuditNotification builds an audit_notification event. operationID may
// be empty for incidents not tied to a stored operation.
func NewAuditNotification(operationID, kind string, severity AuditSeverity, message string, at time.Time) StatusEvent {
	return StatusEvent{
		Type:        EventAuditNotification,
		OperationID: operationID,
		Timestamp:   at.UTC(),
		Data: AuditNotice{
			Kind:     kind,
			Severity: severity,
			Message:  message,
		},
	}
}
