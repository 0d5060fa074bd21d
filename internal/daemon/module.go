package daemon

import (
	"context"
	"os"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/events"
	"github.com/valmat-dev/inboxd/internal/gateway"
	"github.com/valmat-dev/inboxd/internal/lock"
	"github.com/valmat-dev/inboxd/internal/logging"
	"github.com/valmat-dev/inboxd/internal/ops"
	"github.com/valmat-dev/inboxd/internal/paths"
	"github.com/valmat-dev/inboxd/internal/pool"
	"github.com/valmat-dev/inboxd/internal/ratelimit"
	"github.com/valmat-dev/inboxd/internal/send"
	"github.com/valmat-dev/inboxd/internal/status"
	"github.com/valmat-dev/inboxd/internal/store"
	intsync "github.com/valmat-dev/inboxd/internal/sync"
	"github.com/valmat-dev/inboxd/internal/transport"
	"github.com/valmat-dev/inboxd/internal/transport/telegram"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved data directory passed to the fx module.
type Params struct {
	DataDir string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideRegistry,
			provideLock,
			provideStore,
			provideFactory,
			providePool,
			provideProcessor,
			provideSyncEngine,
			provideScheduler,
			provideLimiter,
			providePacer,
			provideSender,
			provideWriter,
			provideOrchestrator,
			provideGateway,
		),
		fx.Invoke(seedAccounts, registerOperations, registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := paths.EnsureTree(p.DataDir); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(p.DataDir))
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := paths.ConfigPath(p.DataDir)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		// First run: materialize the defaults so they can be edited.
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("default config written", zap.String("path", path))
	} else {
		logger.Info("config loaded", zap.String("path", path))
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry(b *bus.Bus) *status.Registry {
	return status.NewRegistry(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideFactory(cfg *config.Config, logger *zap.Logger) transport.Factory {
	return telegram.NewFactory(cfg.ConnectTimeout(), logger)
}

func providePool(db *store.DB, factory transport.Factory, registry *status.Registry, logger *zap.Logger) *pool.Pool {
	return pool.New(db, factory, registry, logger)
}

func provideProcessor(db *store.DB, b *bus.Bus, p *pool.Pool, logger *zap.Logger) *events.Processor {
	return events.New(db, b, p, logger)
}

func provideSyncEngine(db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.New(db, cfg.Sync, b, logger)
}

func provideScheduler(engine *intsync.Engine, p *pool.Pool, db *store.DB, cfg *config.Config, logger *zap.Logger) *intsync.Scheduler {
	return intsync.NewScheduler(engine, p, db, cfg.Sync, logger)
}

func provideLimiter(db *store.DB, cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(db, cfg.RateLimit)
}

func providePacer(cfg *config.Config) *ratelimit.Pacer {
	return ratelimit.NewPacer(cfg.Pacing)
}

func provideSender(db *store.DB, p *pool.Pool, l *ratelimit.Limiter, b *bus.Bus, logger *zap.Logger) *send.Sender {
	return send.New(db, p, l, b, logger)
}

func provideWriter(db *store.DB, cfg *config.Config, logger *zap.Logger) *ops.BatchedWriter {
	return ops.NewBatchedWriter(db, cfg.Jobs.FlushInterval(), logger)
}

func provideOrchestrator(db *store.DB, p *pool.Pool, writer *ops.BatchedWriter, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *ops.Orchestrator {
	return ops.New(db, p, writer, b, cfg.Jobs, logger)
}

func provideGateway(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(b, cfg.ListenAddr, logger)
}

// seedAccounts upserts the accounts declared in config.toml so they
// are managed from the next connect pass on.
func seedAccounts(p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) error {
	for _, a := range cfg.Accounts {
		phone := store.NormalizePhone(a.Phone)
		if phone == "" {
			logger.Warn("skipping account with empty phone", zap.String("name", a.Name))
			continue
		}
		sessionPath := a.SessionPath
		if sessionPath == "" {
			sessionPath = paths.SessionPath(p.DataDir, phone)
		}
		err := db.UpsertAccount(&store.Account{
			Phone:       phone,
			Name:        a.Name,
			APIID:       a.APIID,
			APIHash:     a.APIHash,
			SessionPath: sessionPath,
			Proxy:       a.Proxy,
			Status:      store.AccountActive,
		})
		if err != nil {
			return err
		}
	}
	if len(cfg.Accounts) > 0 {
		logger.Info("accounts seeded", zap.Int("count", len(cfg.Accounts)))
	}
	return nil
}

func registerOperations(p Params, db *store.DB, sender *send.Sender, engine *intsync.Engine, pacer *ratelimit.Pacer, orch *ops.Orchestrator, logger *zap.Logger) {
	builtins := &ops.Builtins{
		DB:         db,
		Sender:     sender,
		Engine:     engine,
		Pacer:      pacer,
		BackupsDir: paths.BackupsDir(p.DataDir),
		Log:        logger,
	}
	builtins.RegisterAll(orch)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, p *pool.Pool, proc *events.Processor, scheduler *intsync.Scheduler, writer *ops.BatchedWriter, gw *gateway.Gateway, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			p.SetHandlerFactory(proc.HandlerFor)

			if err := gw.Start(); err != nil {
				return err
			}
			writer.Start()
			scheduler.Start()

			// Connections come up in the background so startup stays
			// fast with many accounts.
			go p.ConnectAllActive(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			writer.Stop()
			p.Shutdown()
			proc.Stop()
			if err := gw.Stop(ctx); err != nil {
				logger.Warn("gateway stop", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
