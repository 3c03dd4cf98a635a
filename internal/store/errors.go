package store

import "errors"

var (
	ErrNotFound      = errors.New("sync operation not found")
	ErrDuplicateID   = errors.New("duplicate sync operation id")
	ErrOperationBusy = errors.New("sync operation is running")
	ErrHistoryOpen   = errors.New("history entry must be finalized with a terminal status")
)
