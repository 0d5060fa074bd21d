package ops

import (
	"sync"
	"time"

	"github.com/valmat-dev/inboxd/internal/store"
	"go.uber.org/zap"
)

// BatchedWriter coalesces operation progress and log writes, flushing
// them on an interval. Progress rows overwrite each other per
// (operation, account) so only the latest state hits the database;
// logs are append-only and all kept.
type BatchedWriter struct {
	db       *store.DB
	interval time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	progress map[progressKey]*store.OperationAccount
	logs     []*store.OperationLog

	stop chan struct{}
	done chan struct{}
}

type progressKey struct {
	op    string
	phone string
}

// NewBatchedWriter returns a stopped writer.
func NewBatchedWriter(db *store.DB, interval time.Duration, log *zap.Logger) *BatchedWriter {
	return &BatchedWriter{
		db:       db,
		interval: interval,
		log:      log.Named("opwriter"),
		progress: make(map[progressKey]*store.OperationAccount),
	}
}

// QueueProgress stages a progress row, replacing any staged state for
// the same (operation, account).
func (w *BatchedWriter) QueueProgress(oa *store.OperationAccount) {
	w.mu.Lock()
	w.progress[progressKey{oa.OperationID, oa.AccountPhone}] = oa
	w.mu.Unlock()
}

// QueueLog stages one log line.
func (w *BatchedWriter) QueueLog(l *store.OperationLog) {
	w.mu.Lock()
	w.logs = append(w.logs, l)
	w.mu.Unlock()
}

// Flush writes everything staged. Safe to call concurrently with
// queueing; entries staged during the flush wait for the next one.
func (w *BatchedWriter) Flush() error {
	w.mu.Lock()
	progress := w.progress
	logs := w.logs
	w.progress = make(map[progressKey]*store.OperationAccount)
	w.logs = nil
	w.mu.Unlock()

	var firstErr error
	for _, oa := range progress {
		if err := w.db.UpdateAccountProgress(oa); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, l := range logs {
		if err := w.db.AddOperationLog(l); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start launches the periodic flush loop.
func (w *BatchedWriter) Start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Flush(); err != nil {
					w.log.Warn("flush", zap.Error(err))
				}
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and flushes whatever remains.
func (w *BatchedWriter) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	if err := w.Flush(); err != nil {
		w.log.Warn("final flush", zap.Error(err))
	}
}
