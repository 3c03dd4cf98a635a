// Package connector defines the boundary between the run executor and the
// external systems that hold the data being synchronized.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/syncd/internal/types"
)

// ErrNoConnector is returned when no connector is registered for a system.
var ErrNoConnector = errors.New("no connector registered")

// Record is one row moving between systems.
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]types.Value `json:"fields"`
}

// RecordResult is the outcome of loading one record. An empty Err means the
// target accepted it.
type RecordResult struct {
	RecordID string
	Err      string
}

// ExtractRequest describes what to read from a source system.
type ExtractRequest struct {
	OperationID string
	System      string
	DataType    string
	Fields      []string
	Filter      []types.FilterCondition
}

// LoadRequest describes where to write records.
type LoadRequest struct {
	OperationID string
	System      string
	DataType    string
}

// RecordStream yields extracted records in batches.
type RecordStream interface {
	// Total is the number of records the stream will yield, or -1 if unknown.
	Total() int
	// Next returns up to max records, or io.EOF once the stream is drained.
	Next(ctx context.Context, max int) ([]Record, error)
	Close() error
}

// Connector reads from and writes to one or more external systems.
// Implementations must honour ctx cancellation on blocking calls.
type Connector interface {
	Extract(ctx context.Context, req ExtractRequest) (RecordStream, error)
	Load(ctx context.Context, req LoadRequest, records []Record) ([]RecordResult, error)
}

// Error wraps an extract or load failure. Unrecoverable errors end the run
// immediately; others are retried at batch level.
type Error struct {
	Op            string // "extract" or "load"
	System        string
	Err           error
	Unrecoverable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.System, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err as a connector error that must not be retried.
func Unrecoverable(op, system string, err error) *Error {
	return &Error{Op: op, System: system, Err: err, Unrecoverable: true}
}

// IsUnrecoverable reports whether err carries an unrecoverable connector error.
func IsUnrecoverable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Unrecoverable
}

// Matches reports whether rec satisfies every filter condition.
func Matches(rec Record, filter []types.FilterCondition) bool {
	for _, cond := range filter {
		v, ok := rec.Fields[cond.Field]
		if !cond.Matches(v, ok) {
			return false
		}
	}
	return true
}

// Project returns a copy of rec restricted to fields. An empty field list
// keeps every field.
func Project(rec Record, fields []string) Record {
	if len(fields) == 0 {
		return rec
	}
	out := Record{ID: rec.ID, Fields: make(map[string]types.Value, len(fields))}
	for _, f := range fields {
		if v, ok := rec.Fields[f]; ok {
			out.Fields[f] = v
		}
	}
	return out
}
