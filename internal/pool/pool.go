// Package pool owns one transport client per account and hands out
// exclusive leases for operations that must not interleave.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valmat-dev/inboxd/internal/status"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// ErrUnavailable is returned by WithExclusive when the account cannot
// be brought online.
var ErrUnavailable = errors.New("account unavailable")

// HandlerFactory builds the live-update sink installed on each client
// before it connects.
type HandlerFactory func(phone string) transport.Handler

// Pool manages at most one client per phone. Connect attempts for the
// same phone are serialized, and WithExclusive serializes operations.
type Pool struct {
	db       *store.DB
	factory  transport.Factory
	registry *status.Registry
	log      *zap.Logger

	mu         sync.Mutex
	sessions   map[string]transport.Client
	connectMu  map[string]*sync.Mutex
	opMu       map[string]*sync.Mutex
	inUse      map[string]string
	handlerFor HandlerFactory
}

// New returns an empty pool.
func New(db *store.DB, factory transport.Factory, registry *status.Registry, log *zap.Logger) *Pool {
	return &Pool{
		db:        db,
		factory:   factory,
		registry:  registry,
		log:       log.Named("pool"),
		sessions:  make(map[string]transport.Client),
		connectMu: make(map[string]*sync.Mutex),
		opMu:      make(map[string]*sync.Mutex),
		inUse:     make(map[string]string),
	}
}

// SetHandlerFactory installs the update-sink factory. Must be called
// before the first Acquire.
func (p *Pool) SetHandlerFactory(f HandlerFactory) {
	p.mu.Lock()
	p.handlerFor = f
	p.mu.Unlock()
}

func lockFor(mu *sync.Mutex, m map[string]*sync.Mutex, phone string) *sync.Mutex {
	mu.Lock()
	defer mu.Unlock()
	l, ok := m[phone]
	if !ok {
		l = &sync.Mutex{}
		m[phone] = l
	}
	return l
}

// Acquire returns a connected client for phone, establishing the
// connection if needed. Returns nil when the account cannot connect;
// the failure reason lands in the account row and the status registry
// rather than an error, so callers can treat nil as skip.
func (p *Pool) Acquire(ctx context.Context, phone string) transport.Client {
	connect := lockFor(&p.mu, p.connectMu, phone)
	connect.Lock()
	defer connect.Unlock()

	p.mu.Lock()
	existing := p.sessions[phone]
	p.mu.Unlock()
	if existing != nil {
		if existing.Connected() {
			return existing
		}
		// The cached client's run loop died. Tear it down before
		// building a fresh one so its session file handle is freed.
		p.mu.Lock()
		delete(p.sessions, phone)
		p.mu.Unlock()
		if err := existing.Close(); err != nil {
			p.log.Warn("acquire: close dead client", zap.String("account", phone), zap.Error(err))
		}
	}

	acc, err := p.db.GetAccount(phone)
	if err != nil {
		p.log.Warn("acquire: unknown account", zap.String("account", phone), zap.Error(err))
		return nil
	}
	if acc.Status == store.AccountDisabled || acc.Status == store.AccountBanned {
		return nil
	}

	client, err := p.factory.New(transport.Credentials{
		Phone:       acc.Phone,
		APIID:       acc.APIID,
		APIHash:     acc.APIHash,
		SessionPath: acc.SessionPath,
		Proxy:       acc.Proxy,
	})
	if err != nil {
		p.log.Error("acquire: build client", zap.String("account", phone), zap.Error(err))
		return nil
	}

	p.mu.Lock()
	if p.handlerFor != nil {
		client.SetHandler(p.handlerFor(phone))
	}
	p.mu.Unlock()

	if err := p.registry.Set(phone, status.Connecting, ""); err != nil {
		p.log.Warn("status transition", zap.String("account", phone), zap.Error(err))
	}
	if err := client.Connect(ctx); err != nil {
		p.markFailed(phone, err)
		return nil
	}

	p.mu.Lock()
	p.sessions[phone] = client
	p.mu.Unlock()

	if err := p.registry.Set(phone, status.Connected, ""); err != nil {
		p.log.Warn("status transition", zap.String("account", phone), zap.Error(err))
	}
	if err := p.db.SetAccountConnState(phone, true, store.AccountActive, ""); err != nil {
		p.log.Warn("acquire: persist state", zap.String("account", phone), zap.Error(err))
	}
	if err := p.db.TouchAccount(phone); err != nil {
		p.log.Warn("acquire: touch account", zap.String("account", phone), zap.Error(err))
	}
	return client
}

func (p *Pool) markFailed(phone string, err error) {
	var state status.State
	var accStatus string
	switch {
	case errors.Is(err, transport.ErrAuthRequired):
		state, accStatus = status.AuthRequired, store.AccountAuthRequired
	case errors.Is(err, transport.ErrBanned):
		state, accStatus = status.Banned, store.AccountBanned
	default:
		state, accStatus = status.Errored, store.AccountErrored
	}
	p.log.Warn("connect failed",
		zap.String("account", phone),
		zap.String("state", string(state)),
		zap.Error(err))
	p.registry.Force(phone, state, err.Error())
	if dbErr := p.db.SetAccountConnState(phone, false, accStatus, err.Error()); dbErr != nil {
		p.log.Warn("persist failure state", zap.String("account", phone), zap.Error(dbErr))
	}
}

// WithExclusive runs fn holding the account's operation lock, so sync
// passes, sends and jobs on the same account never interleave. The tag
// names the holder and is visible through InUseBy until fn returns.
func (p *Pool) WithExclusive(ctx context.Context, phone, tag string, fn func(transport.Client) error) error {
	op := lockFor(&p.mu, p.opMu, phone)
	op.Lock()
	defer op.Unlock()

	p.mu.Lock()
	p.inUse[phone] = tag
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inUse, phone)
		p.mu.Unlock()
	}()

	client := p.Acquire(ctx, phone)
	if client == nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, phone)
	}
	return fn(client)
}

// InUseBy names the operation currently leasing phone, empty when idle.
func (p *Pool) InUseBy(phone string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[phone]
}

// Peek returns the cached client without connecting, nil when absent.
func (p *Pool) Peek(phone string) transport.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[phone]
}

// Connected reports whether phone has a live cached client.
func (p *Pool) Connected(phone string) bool {
	c := p.Peek(phone)
	return c != nil && c.Connected()
}

// ConnectedPhones lists accounts with a live client.
func (p *Pool) ConnectedPhones() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for phone, c := range p.sessions {
		if c.Connected() {
			out = append(out, phone)
		}
	}
	return out
}

// Release closes and drops the cached client for phone.
func (p *Pool) Release(phone string) {
	p.mu.Lock()
	client := p.sessions[phone]
	delete(p.sessions, phone)
	p.mu.Unlock()

	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		p.log.Warn("release: close", zap.String("account", phone), zap.Error(err))
	}
	if err := p.registry.Set(phone, status.Offline, "released"); err != nil {
		p.log.Warn("status transition", zap.String("account", phone), zap.Error(err))
	}
	if err := p.db.SetAccountConnState(phone, false, store.AccountActive, ""); err != nil {
		p.log.Warn("release: persist state", zap.String("account", phone), zap.Error(err))
	}
}

// connectSpacing staggers startup connections so a fleet of accounts
// does not hit the server at once.
var connectSpacing = 500 * time.Millisecond

// ConnectAllActive brings every eligible account online. Individual
// failures are recorded per account and do not stop the rest.
func (p *Pool) ConnectAllActive(ctx context.Context) {
	accounts, err := p.db.ActiveAccounts()
	if err != nil {
		p.log.Error("connect all: list accounts", zap.Error(err))
		return
	}
	for i, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-time.After(connectSpacing):
			case <-ctx.Done():
				return
			}
		}
		if p.Acquire(ctx, acc.Phone) == nil {
			p.log.Info("account not connected", zap.String("account", acc.Phone))
		}
	}
}

// Shutdown closes every cached client.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	phones := make([]string, 0, len(p.sessions))
	for phone := range p.sessions {
		phones = append(phones, phone)
	}
	p.mu.Unlock()

	for _, phone := range phones {
		p.Release(phone)
	}
}
