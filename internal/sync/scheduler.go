package sync

import (
	"context"
	"time"

	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/pool"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// Pause between accounts within one pass, so a fleet of accounts does
// not hit the server in a burst.
var accountPause = 3 * time.Second

// Scheduler drives periodic sync passes over all connected accounts.
// Each account is processed under its exclusive lease so passes never
// overlap sends or jobs.
type Scheduler struct {
	engine *Engine
	pool   *pool.Pool
	db     *store.DB
	cfg    config.Sync
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(engine *Engine, p *pool.Pool, db *store.DB, cfg config.Sync, log *zap.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		pool:   p,
		db:     db,
		cfg:    cfg,
		log:    log.Named("scheduler"),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Stop halts the loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	dialogTick := time.NewTicker(time.Duration(s.cfg.DialogIntervalSec) * time.Second)
	backfillTick := time.NewTicker(time.Duration(s.cfg.BackfillIntervalSec) * time.Second)
	fullTick := time.NewTicker(time.Duration(s.cfg.FullIntervalSec) * time.Second)
	defer dialogTick.Stop()
	defer backfillTick.Stop()
	defer fullTick.Stop()

	// First dialog pass shortly after startup, once connections settle.
	startup := time.NewTimer(15 * time.Second)
	defer startup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			s.dialogPass(ctx)
		case <-dialogTick.C:
			s.dialogPass(ctx)
		case <-backfillTick.C:
			s.backfillPass(ctx)
		case <-fullTick.C:
			s.fullPass(ctx)
		}
	}
}

// dialogPass syncs dialogs for every connected account, draining any
// freshly detected gaps right away.
func (s *Scheduler) dialogPass(ctx context.Context) {
	for i, phone := range s.pool.ConnectedPhones() {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && !pause(ctx, accountPause) {
			return
		}
		err := s.pool.WithExclusive(ctx, phone, "dialog-sync", func(client transport.Client) error {
			res, err := s.engine.SyncDialogs(ctx, phone, client)
			if err != nil {
				return err
			}
			if res.Gaps > 0 {
				_, err = s.engine.ProcessPendingBackfills(ctx, phone, client)
			}
			return err
		})
		s.noteErr(phone, "dialog pass", err)
	}
}

func (s *Scheduler) backfillPass(ctx context.Context) {
	for i, phone := range s.pool.ConnectedPhones() {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && !pause(ctx, accountPause) {
			return
		}
		err := s.pool.WithExclusive(ctx, phone, "backfill", func(client transport.Client) error {
			_, err := s.engine.ProcessPendingBackfills(ctx, phone, client)
			return err
		})
		s.noteErr(phone, "backfill pass", err)
	}
}

func (s *Scheduler) fullPass(ctx context.Context) {
	accounts, err := s.db.ActiveAccounts()
	if err != nil {
		s.log.Error("full pass: list accounts", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.cfg.FullIntervalSec) * time.Second).UnixMilli()
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		if acc.LastFullSync > cutoff || !s.pool.Connected(acc.Phone) {
			continue
		}
		phone := acc.Phone
		err := s.pool.WithExclusive(ctx, phone, "full-sync", func(client transport.Client) error {
			_, err := s.engine.FullSync(ctx, phone, client)
			return err
		})
		s.noteErr(phone, "full pass", err)
	}
}

// pause sleeps for d unless ctx ends first. Reports whether the full
// pause elapsed.
func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// noteErr logs a pass failure. Flood waits are expected pressure and
// log at info; the next tick retries naturally.
func (s *Scheduler) noteErr(phone, pass string, err error) {
	if err == nil {
		return
	}
	if wait, ok := transport.AsFloodWait(err); ok {
		s.log.Info(pass+" flood wait",
			zap.String("account", phone),
			zap.Duration("wait", wait))
		return
	}
	s.log.Warn(pass, zap.String("account", phone), zap.Error(err))
}
