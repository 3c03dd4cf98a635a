package types

import (
	"time"
)

// OperationStatus is the lifecycle state of a sync operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusScheduled OperationStatus = "scheduled"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []OperationStatus{
	StatusPending,
	StatusScheduled,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func (s OperationStatus) String() string {
	return string(s)
}

// IsTerminal reports whether a run has ended in this state.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsDispatchable reports whether an operation in this state may start a run.
func (s OperationStatus) IsDispatchable() bool {
	return s == StatusPending || s == StatusScheduled
}

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Frequency controls how a schedule recurs.
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Schedule is the embedded timing definition of a sync operation.
// DaysOfWeek is only meaningful for weekly schedules (0=Sunday..6=Saturday),
// DayOfMonth only for monthly ones.
type Schedule struct {
	Frequency   Frequency `json:"frequency"`
	StartDate   string    `json:"startDate,omitempty"` // YYYY-MM-DD
	StartTime   string    `json:"startTime"`           // HH:MM
	IsRecurring bool      `json:"isRecurring"`
	DaysOfWeek  []int     `json:"daysOfWeek,omitempty"`
	DayOfMonth  int       `json:"dayOfMonth,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
}

// Equal reports whether two schedules describe the same timing.
func (s *Schedule) Equal(o *Schedule) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Frequency != o.Frequency || s.StartDate != o.StartDate || s.StartTime != o.StartTime ||
		s.IsRecurring != o.IsRecurring || s.DayOfMonth != o.DayOfMonth || s.Timezone != o.Timezone {
		return false
	}
	if len(s.DaysOfWeek) != len(o.DaysOfWeek) {
		return false
	}
	for i := range s.DaysOfWeek {
		if s.DaysOfWeek[i] != o.DaysOfWeek[i] {
			return false
		}
	}
	return true
}

// Recurring reports whether the schedule produces runs after the first one.
func (s *Schedule) Recurring() bool {
	return s != nil && s.IsRecurring && s.Frequency != FrequencyOnce
}

// FieldMapping renames a source field to a target field during a run.
type FieldMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// SyncOperation is a user-defined synchronization job between two systems.
type SyncOperation struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	SourceSystem string            `json:"sourceSystem"`
	TargetSystem string            `json:"targetSystem"`
	DataType     string            `json:"dataType"`
	Fields       []string          `json:"fields"`
	FieldMapping []FieldMapping    `json:"fieldMapping"`
	Filter       []FilterCondition `json:"filter,omitempty"`
	Status       OperationStatus   `json:"status"`
	Schedule     *Schedule         `json:"schedule,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	TotalRecords      int `json:"totalRecords"`
	ProcessedRecords  int `json:"processedRecords"`
	SuccessfulRecords int `json:"successfulRecords"`
	FailedRecords     int `json:"failedRecords"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ResetCounters zeroes the per-run record counters.
func (o *SyncOperation) ResetCounters() {
	o.TotalRecords = 0
	o.ProcessedRecords = 0
	o.SuccessfulRecords = 0
	o.FailedRecords = 0
}

// CheckInvariants returns a description of the first violated counter or
// status invariant, or "" when the operation is consistent.
func (o *SyncOperation) CheckInvariants() string {
	switch {
	case o.ProcessedRecords > o.TotalRecords:
		return "processedRecords exceeds totalRecords"
	case o.SuccessfulRecords+o.FailedRecords > o.ProcessedRecords:
		return "successfulRecords + failedRecords exceeds processedRecords"
	case (o.Status == StatusFailed) != (o.ErrorMessage != ""):
		return "errorMessage must be set exactly when status is failed"
	case o.Status == StatusCancelled && o.NextRunAt != nil:
		return "cancelled operation must not have nextRunAt"
	}
	return ""
}

// OperationDefinition is the user-supplied part of a sync operation,
// accepted by create requests.
type OperationDefinition struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	SourceSystem string            `json:"sourceSystem"`
	TargetSystem string            `json:"targetSystem"`
	DataType     string            `json:"dataType"`
	Fields       []string          `json:"fields"`
	FieldMapping []FieldMapping    `json:"fieldMapping"`
	Filter       []FilterCondition `json:"filter,omitempty"`
	Schedule     *Schedule         `json:"schedule,omitempty"`
}

// OperationPatch is a partial update. Nil fields are left untouched;
// ClearSchedule removes the schedule entirely.
type OperationPatch struct {
	Name          *string            `json:"name,omitempty"`
	Description   *string            `json:"description,omitempty"`
	SourceSystem  *string            `json:"sourceSystem,omitempty"`
	TargetSystem  *string            `json:"targetSystem,omitempty"`
	DataType      *string            `json:"dataType,omitempty"`
	Fields        *[]string          `json:"fields,omitempty"`
	FieldMapping  *[]FieldMapping    `json:"fieldMapping,omitempty"`
	Filter        *[]FilterCondition `json:"filter,omitempty"`
	Schedule      *Schedule          `json:"schedule,omitempty"`
	ClearSchedule bool               `json:"clearSchedule,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p OperationPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.SourceSystem == nil &&
		p.TargetSystem == nil && p.DataType == nil && p.Fields == nil &&
		p.FieldMapping == nil && p.Filter == nil && p.Schedule == nil && !p.ClearSchedule
}

// OperationFilter narrows a list query. Empty fields match everything.
type OperationFilter struct {
	Status       OperationStatus
	SourceSystem string
	TargetSystem string
	DataType     string
}

// OperationPage is one page of a list query.
type OperationPage struct {
	Items []SyncOperation `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerManual   RunTrigger = "manual"
	TriggerSchedule RunTrigger = "schedule"
	TriggerRetry    RunTrigger = "retry"
)

// RecordError identifies a record that failed to load and why.
type RecordError struct {
	RecordID string `json:"recordId"`
	Reason   string `json:"reason"`
}

// HistoryEntry is the audit record of a single run. It is opened with
// status running and finalized exactly once.
type HistoryEntry struct {
	ID                string          `json:"id"`
	OperationID       string          `json:"operationId"`
	Trigger           RunTrigger      `json:"trigger"`
	StartedAt         time.Time       `json:"startedAt"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
	Status            OperationStatus `json:"status"`
	TotalRecords      int             `json:"totalRecords"`
	ProcessedRecords  int             `json:"processedRecords"`
	SuccessfulRecords int             `json:"successfulRecords"`
	FailedRecords     int             `json:"failedRecords"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	Errors            []RecordError   `json:"errors,omitempty"`
	// Seq orders finalized entries by commit; zero while the run is open.
	Seq               int64           `json:"seq,omitempty"`
}

// Finalized reports whether the run has reached a terminal state.
func (h *HistoryEntry) Finalized() bool {
	return h.Status.IsTerminal()
}

// StoreStats summarizes the operation store for health reporting.
type StoreStats struct {
	OperationCount int64                     `json:"operationCount"`
	ByStatus       map[OperationStatus]int64 `json:"byStatus"`
	HistoryCount   int64                     `json:"historyCount"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status          string                    `json:"status"`
	Version         string                    `json:"version"`
	OperationCount  int64                     `json:"operationCount"`
	ByStatus        map[OperationStatus]int64 `json:"byStatus"`
	HistoryCount    int64                     `json:"historyCount"`
	Subscribers     int                       `json:"subscribers"`
	DroppedEvents   uint64                    `json:"droppedEvents"`
	PublishedEvents uint64                    `json:"publishedEvents"`
}
