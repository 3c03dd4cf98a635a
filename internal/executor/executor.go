// Package executor drives sync operations through their run lifecycle using
// a fixed pool of workers fed by a bounded queue.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/syncd/internal/connector"
	"github.com/hyperengineering/syncd/internal/store"
	"github.com/hyperengineering/syncd/internal/types"
)

var (
	// ErrQueueFull is returned when no run slot is free. Nothing is mutated.
	ErrQueueFull = errors.New("run queue full")

	// ErrTimeout is the cancellation cause of a run that exceeded its
	// wall-clock budget.
	ErrTimeout = errors.New("run timed out")

	// ErrStopped is returned once the executor has been stopped.
	ErrStopped = errors.New("executor stopped")

	// errSkip aborts a dispatch mutation that lost the race for a due
	// operation.
	errSkip = errors.New("operation no longer due")

	// errSignalled aborts a cancel mutation after signalling a running job;
	// the job itself records the cancelled state.
	errSignalled = errors.New("cancellation signalled")
)

// Store is the subset of the operation store the executor needs.
type Store interface {
	GetOperation(ctx context.Context, id string) (*types.SyncOperation, error)
	MutateOperation(ctx context.Context, id string, fn store.MutateFunc) (*types.SyncOperation, error)
	AppendHistory(ctx context.Context, entry *types.HistoryEntry) error
	FinalizeHistory(ctx context.Context, entry *types.HistoryEntry) error
}

// Publisher receives status events. Publish must not block.
type Publisher interface {
	Publish(evt types.StatusEvent) types.StatusEvent
}

// Resolver finds the connector serving a system.
type Resolver interface {
	Resolve(system string) (connector.Connector, error)
}

// Config tunes the worker pool and the batch loop.
type Config struct {
	Workers         int
	QueueSize       int
	BatchSize       int
	BatchRetries    int
	RetryBackoff    time.Duration
	RunTimeout      time.Duration
	AbortThreshold  float64 // failed/processed ratio above which a run aborts
	AbortMinRecords int     // processed records required before aborting
	MaxErrorDetails int     // per-record errors kept in a history entry
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       64,
		BatchSize:       100,
		BatchRetries:    3,
		RetryBackoff:    500 * time.Millisecond,
		RunTimeout:      30 * time.Minute,
		AbortThreshold:  0.5,
		AbortMinRecords: 100,
		MaxErrorDetails: 100,
	}
}

// Executor admits runs and executes them on a worker pool.
type Executor struct {
	store      Store
	pub        Publisher
	connectors Resolver
	cfg        Config
	now        func() time.Time

	jobs  chan *job
	slots chan struct{}

	mu      sync.Mutex
	active  map[string]*job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

type job struct {
	opID      string
	trigger   types.RunTrigger
	history   *types.HistoryEntry
	cancelled atomic.Bool
}

// New creates an executor. Call Start before submitting runs.
func New(s Store, pub Publisher, connectors Resolver, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchRetries < 0 {
		cfg.BatchRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.MaxErrorDetails < 0 {
		cfg.MaxErrorDetails = 0
	}

	capacity := cfg.Workers + cfg.QueueSize
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:      s,
		pub:        pub,
		connectors: connectors,
		cfg:        cfg,
		now:        time.Now,
		jobs:       make(chan *job, capacity),
		slots:      make(chan struct{}, capacity),
		active:     make(map[string]*job),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Start launches the worker pool. Calling it more than once has no effect.
func (e *Executor) Start() {
	e.start.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
		slog.Info("executor started",
			"component", "executor",
			"workers", e.cfg.Workers,
			"queue_size", e.cfg.QueueSize,
		)
	})
}

// Stop interrupts in-flight runs at their next batch boundary, waits for
// the workers and fails any run still queued.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	for {
		select {
		case j := <-e.jobs:
			e.execute(j)
			<-e.slots
		default:
			slog.Info("executor stopped", "component", "executor")
			return
		}
	}
}

// ActiveRuns returns the number of admitted runs not yet finalized.
func (e *Executor) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-e.jobs:
			e.execute(j)
			<-e.slots
		}
	}
}

// Run starts a manual run. The run proceeds asynchronously; the returned
// operation is in the running state.
func (e *Executor) Run(ctx context.Context, id string) (*types.SyncOperation, error) {
	return e.admit(ctx, id, types.TriggerManual, time.Time{})
}

// Retry restarts a failed operation with cleared error and counters.
func (e *Executor) Retry(ctx context.Context, id string) (*types.SyncOperation, error) {
	return e.admit(ctx, id, types.TriggerRetry, time.Time{})
}

// DispatchDue starts a scheduled run if the operation is still due at now.
// started is false when another dispatcher or a manual run got there first.
func (e *Executor) DispatchDue(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := e.admit(ctx, id, types.TriggerSchedule, now)
	if errors.Is(err, errSkip) || errors.Is(err, types.ErrAlreadyRunning) || errors.Is(err, types.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Executor) admit(ctx context.Context, id string, trigger types.RunTrigger, dueAt time.Time) (*types.SyncOperation, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}

	now := e.now().UTC()
	j := &job{opID: id, trigger: trigger}
	op, err := e.store.MutateOperation(ctx, id, func(op *types.SyncOperation) error {
		if err := startTransition(op, trigger, dueAt); err != nil {
			return err
		}
		op.ResetCounters()
		op.ErrorMessage = ""
		op.LastRunAt = &now
		if !op.Schedule.Recurring() {
			op.NextRunAt = nil
		}
		e.mu.Lock()
		e.active[id] = j
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		e.forget(j)
		<-e.slots
		return nil, err
	}

	j.history = &types.HistoryEntry{
		OperationID: id,
		Trigger:     trigger,
		StartedAt:   now,
		Status:      types.StatusRunning,
	}
	if err := e.store.AppendHistory(context.Background(), j.history); err != nil {
		slog.Error("failed to open history entry",
			"component", "executor",
			"operation_id", id,
			"error", err,
		)
		e.finish(j, outcome{status: types.StatusFailed, message: "Internal: open history: " + err.Error()})
		<-e.slots
		return nil, err
	}

	e.pub.Publish(types.NewOperationUpdate(op, now))
	slog.Info("run admitted",
		"component", "executor",
		"action", "run",
		"operation_id", id,
		"trigger", string(trigger),
	)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.finish(j, outcome{status: types.StatusFailed, message: "Interrupted: executor stopped"})
		<-e.slots
		return nil, ErrStopped
	}
	e.jobs <- j
	e.mu.Unlock()

	return op, nil
}

// startTransition applies the status change that starts a run.
func startTransition(op *types.SyncOperation, trigger types.RunTrigger, dueAt time.Time) error {
	switch trigger {
	case types.TriggerRetry:
		if op.Status != types.StatusFailed {
			return &types.TransitionError{ID: op.ID, From: op.Status, To: types.StatusPending}
		}
		if err := op.Transition(types.StatusPending); err != nil {
			return err
		}
	case types.TriggerSchedule:
		if !op.Status.IsDispatchable() || op.NextRunAt == nil || op.NextRunAt.After(dueAt) {
			return errSkip
		}
	}
	if op.Status == types.StatusRunning {
		return types.ErrAlreadyRunning
	}
	return op.Transition(types.StatusRunning)
}

// Cancel stops an operation. Pending and scheduled operations are cancelled
// immediately; a running one is signalled and becomes cancelled at its next
// batch boundary. The returned operation reflects the stored state.
func (e *Executor) Cancel(ctx context.Context, id string) (*types.SyncOperation, error) {
	op, err := e.store.MutateOperation(ctx, id, func(op *types.SyncOperation) error {
		switch op.Status {
		case types.StatusPending, types.StatusScheduled:
			if err := op.Transition(types.StatusCancelled); err != nil {
				return err
			}
			op.NextRunAt = nil
			return nil
		case types.StatusRunning:
			e.mu.Lock()
			j := e.active[id]
			e.mu.Unlock()
			if j == nil {
				// Orphaned by a crash; nothing will reach a batch boundary.
				if err := op.Transition(types.StatusCancelled); err != nil {
					return err
				}
				op.NextRunAt = nil
				return nil
			}
			if !j.cancelled.CompareAndSwap(false, true) {
				return &types.TransitionError{ID: id, From: op.Status, To: types.StatusCancelled}
			}
			return errSignalled
		default:
			return &types.TransitionError{ID: id, From: op.Status, To: types.StatusCancelled}
		}
	})
	if errors.Is(err, errSignalled) {
		slog.Info("cancellation requested",
			"component", "executor",
			"action", "cancel",
			"operation_id", id,
		)
		return e.store.GetOperation(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	e.pub.Publish(types.NewOperationUpdate(op, e.now()))
	slog.Info("operation cancelled",
		"component", "executor",
		"action", "cancel",
		"operation_id", id,
	)
	return op, nil
}

func (e *Executor) forget(j *job) {
	e.mu.Lock()
	if e.active[j.opID] == j {
		delete(e.active, j.opID)
	}
	e.mu.Unlock()
}
