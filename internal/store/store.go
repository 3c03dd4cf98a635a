package store

import (
	"context"
	"time"

	"github.com/hyperengineering/syncd/internal/types"
)

// MutateFunc edits an operation in place inside a serialized
// read-modify-write. Returning an error aborts the mutation without writing.
type MutateFunc func(op *types.SyncOperation) error

// Store defines the interface contract for operation and history storage.
type Store interface {
	CreateOperation(ctx context.Context, op *types.SyncOperation) error
	GetOperation(ctx context.Context, id string) (*types.SyncOperation, error)
	UpdateOperation(ctx context.Context, id string, patch types.OperationPatch) (*types.SyncOperation, error)
	MutateOperation(ctx context.Context, id string, fn MutateFunc) (*types.SyncOperation, error)
	ListOperations(ctx context.Context, filter types.OperationFilter, page, limit int) (*types.OperationPage, error)
	DeleteOperation(ctx context.Context, id string, keepHistory bool) error
	DueOperations(ctx context.Context, now time.Time) ([]types.SyncOperation, error)
	RunningOperations(ctx context.Context) ([]types.SyncOperation, error)

	AppendHistory(ctx context.Context, entry *types.HistoryEntry) error
	FinalizeHistory(ctx context.Context, entry *types.HistoryEntry) error
	ListHistory(ctx context.Context, operationID string) ([]types.HistoryEntry, error)
	HistoryAfter(ctx context.Context, afterSeq int64, limit int) ([]types.HistoryEntry, error)
	PruneHistory(ctx context.Context, before time.Time) (int64, error)

	Stats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}
