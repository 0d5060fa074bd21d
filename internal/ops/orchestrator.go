// Package ops runs multi-account jobs: one account at a time, each
// under its account lock and exclusive pool lease, with batched
// progress persistence and live broadcasts.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/pool"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// Handler implements one operation type for one account. It runs with
// the account lock and the exclusive pool lease held.
type Handler func(ctx context.Context, task *Task) error

// ProgressPayload is broadcast on job.progress.
type ProgressPayload struct {
	OperationID string `json:"operation_id"`
	Account     string `json:"account"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Total       int    `json:"total"`
	Message     string `json:"message,omitempty"`
}

// LogPayload is broadcast on job.log.
type LogPayload struct {
	OperationID string `json:"operation_id"`
	Account     string `json:"account,omitempty"`
	Level       string `json:"level"`
	Message     string `json:"message"`
}

// CompletePayload is broadcast on job.complete.
type CompletePayload struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// Task is the per-account execution context handed to a Handler.
type Task struct {
	OperationID string
	Phone       string
	Params      map[string]any
	Client      transport.Client

	// Position of this account in the operation's account list,
	// letting handlers partition shared work.
	AccountIndex int
	AccountCount int

	orch     *Orchestrator
	mu       sync.Mutex
	stats    map[string]any
	progress int
	total    int
}

// Progress reports the account's position. The row is staged through
// the batched writer; the broadcast goes out immediately.
func (t *Task) Progress(progress, total int, message string) {
	t.mu.Lock()
	t.progress, t.total = progress, total
	stats, _ := json.Marshal(t.stats)
	t.mu.Unlock()

	t.orch.writer.QueueProgress(&store.OperationAccount{
		OperationID:  t.OperationID,
		AccountPhone: t.Phone,
		Status:       store.OpRunning,
		Progress:     progress,
		Total:        total,
		Message:      message,
		Stats:        string(stats),
	})
	t.orch.bus.Emit(bus.KindJobProgress, ProgressPayload{
		OperationID: t.OperationID,
		Account:     t.Phone,
		Status:      store.OpRunning,
		Progress:    progress,
		Total:       total,
		Message:     message,
	})
}

// Logf appends a log line to the operation.
func (t *Task) Logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.orch.writer.QueueLog(&store.OperationLog{
		OperationID:  t.OperationID,
		AccountPhone: t.Phone,
		Level:        level,
		Message:      msg,
	})
	t.orch.bus.Emit(bus.KindJobLog, LogPayload{
		OperationID: t.OperationID,
		Account:     t.Phone,
		Level:       level,
		Message:     msg,
	})
}

// SetStat records a named counter included with progress rows.
func (t *Task) SetStat(key string, value any) {
	t.mu.Lock()
	if t.stats == nil {
		t.stats = make(map[string]any)
	}
	t.stats[key] = value
	t.mu.Unlock()
}

func (t *Task) statsJSON() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stats) == 0 {
		return "{}"
	}
	raw, _ := json.Marshal(t.stats)
	return string(raw)
}

// Orchestrator owns job submission and the sequential account runner.
type Orchestrator struct {
	db     *store.DB
	pool   *pool.Pool
	locks  *AccountLocks
	writer *BatchedWriter
	bus    *bus.Bus
	cfg    config.Jobs
	log    *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]context.CancelFunc
}

// New returns an orchestrator with no registered operations.
func New(db *store.DB, p *pool.Pool, writer *BatchedWriter, b *bus.Bus, cfg config.Jobs, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		pool:     p,
		locks:    NewAccountLocks(),
		writer:   writer,
		bus:      b,
		cfg:      cfg,
		log:      log.Named("ops"),
		handlers: make(map[string]Handler),
		running:  make(map[string]context.CancelFunc),
	}
}

// Locks exposes the account lock set, shared with any caller that
// needs to keep jobs off an account.
func (o *Orchestrator) Locks() *AccountLocks {
	return o.locks
}

// Register installs the handler for an operation type.
func (o *Orchestrator) Register(opType string, h Handler) {
	o.mu.Lock()
	o.handlers[opType] = h
	o.mu.Unlock()
}

// Submit creates the operation and launches its runner. Returns the
// operation id.
func (o *Orchestrator) Submit(opType string, phones []string, params map[string]any) (string, error) {
	o.mu.Lock()
	handler, ok := o.handlers[opType]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown operation type %q", opType)
	}
	if len(phones) == 0 {
		return "", fmt.Errorf("no accounts given")
	}

	id := uuid.NewString()[:8]
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	if err := o.db.CreateOperation(&store.Operation{
		ID:     id,
		Type:   opType,
		Params: string(raw),
	}, phones); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()

	go o.run(ctx, id, opType, phones, params, handler)
	return id, nil
}

// Cancel requests cancellation of a running operation. The runner
// observes it between accounts.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Status returns the operation with per-account rows.
func (o *Orchestrator) Status(id string) (*store.Operation, []*store.OperationAccount, error) {
	return o.db.GetOperation(id)
}

// Logs returns operation log lines after the given id.
func (o *Orchestrator) Logs(id string, afterID int64, limit int) ([]*store.OperationLog, error) {
	return o.db.OperationLogs(id, afterID, limit)
}

func (o *Orchestrator) run(ctx context.Context, id, opType string, phones []string, params map[string]any, handler Handler) {
	log := o.log.With(zap.String("operation", id), zap.String("type", opType))
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.running[id]; ok {
			cancel()
			delete(o.running, id)
		}
		o.mu.Unlock()
	}()

	if err := o.db.StartOperation(id); err != nil {
		log.Error("start", zap.Error(err))
	}
	log.Info("operation started", zap.Int("accounts", len(phones)))

	cancelled := false
	for i, phone := range phones {
		if ctx.Err() != nil {
			cancelled = true
			for _, rest := range phones[i:] {
				o.writer.QueueProgress(&store.OperationAccount{
					OperationID:  id,
					AccountPhone: rest,
					Status:       store.OpCancelled,
				})
			}
			break
		}
		o.runAccount(ctx, id, opType, phone, params, handler, i, len(phones))
	}

	// Terminal state must not lag behind the flush interval.
	if err := o.writer.Flush(); err != nil {
		log.Error("final flush", zap.Error(err))
	}

	terminal := ""
	if cancelled {
		terminal = store.OpCancelled
	}
	if err := o.db.CompleteOperation(id, terminal, ""); err != nil {
		log.Error("complete", zap.Error(err))
	}

	op, _, err := o.db.GetOperation(id)
	status := terminal
	if err == nil {
		status = op.Status
	}
	log.Info("operation finished", zap.String("status", status))
	o.bus.Emit(bus.KindJobComplete, CompletePayload{OperationID: id, Status: status})
}

func (o *Orchestrator) runAccount(ctx context.Context, id, opType, phone string, params map[string]any, handler Handler, index, count int) {
	log := o.log.With(zap.String("operation", id), zap.String("account", phone))

	if !o.locks.Acquire(phone, o.cfg.LockTimeout()) {
		log.Warn("account lock timeout")
		o.writer.QueueProgress(&store.OperationAccount{
			OperationID:  id,
			AccountPhone: phone,
			Status:       store.OpFailed,
			Error:        "account lock timeout",
		})
		o.writer.QueueLog(&store.OperationLog{
			OperationID:  id,
			AccountPhone: phone,
			Level:        "error",
			Message:      "account busy, lock not acquired in time",
		})
		return
	}
	defer o.locks.Release(phone)

	task := &Task{
		OperationID:  id,
		Phone:        phone,
		Params:       params,
		AccountIndex: index,
		AccountCount: count,
		orch:         o,
	}
	err := o.pool.WithExclusive(ctx, phone, opType, func(client transport.Client) error {
		task.Client = client
		task.Progress(0, 0, "starting")
		return handler(ctx, task)
	})

	task.mu.Lock()
	progress, total := task.progress, task.total
	task.mu.Unlock()
	final := &store.OperationAccount{
		OperationID:  id,
		AccountPhone: phone,
		Status:       store.OpCompleted,
		Progress:     progress,
		Total:        total,
		Stats:        task.statsJSON(),
	}
	if err != nil {
		final.Status = store.OpFailed
		final.Error = err.Error()
		log.Warn("account failed", zap.Error(err))
	}
	o.writer.QueueProgress(final)
	o.bus.Emit(bus.KindJobProgress, ProgressPayload{
		OperationID: id,
		Account:     phone,
		Status:      final.Status,
		Message:     final.Error,
	})
}
