// Package telegram implements the transport contract on MTProto via gotd.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// Client is one account's MTProto connection. The underlying gotd
// client runs in a background goroutine; Connect blocks until the
// connection is authorized or fails.
type Client struct {
	creds   transport.Credentials
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	handler transport.Handler
	inner   *telegram.Client
	api     *tg.Client
	cancel  context.CancelFunc
	stopped chan struct{}
	exitErr error

	selfID    atomic.Int64
	connected atomic.Bool
}

// New builds a disconnected client for the given credentials.
func New(creds transport.Credentials, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		creds:   creds,
		timeout: timeout,
		log:     log.With(zap.String("account", creds.Phone)),
	}
}

// SetHandler installs the update sink. Must precede Connect.
func (c *Client) SetHandler(h transport.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect brings the connection up and verifies the stored session is
// authorized. The gotd run loop keeps going in the background until
// Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	resolver, err := newResolver(c.creds.Proxy)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	dispatcher := tg.NewUpdateDispatcher()
	c.wireDispatcher(&dispatcher)

	inner := telegram.NewClient(c.creds.APIID, c.creds.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.creds.SessionPath},
		UpdateHandler:  dispatcher,
		Resolver:       resolver,
		Logger:         c.log.Named("mtproto"),
	})

	ready := make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- inner.Run(runCtx, func(ctx context.Context) error {
			status, err := inner.Auth().Status(ctx)
			if err != nil {
				return err
			}
			if !status.Authorized {
				return transport.ErrAuthRequired
			}
			self, err := inner.Self(ctx)
			if err != nil {
				return err
			}
			c.selfID.Store(self.ID)
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	connectCtx, cancelWait := context.WithTimeout(ctx, c.timeout)
	defer cancelWait()

	select {
	case <-ready:
		stopped := make(chan struct{})
		c.inner = inner
		c.api = inner.API()
		c.cancel = cancel
		c.stopped = stopped
		c.connected.Store(true)
		go c.monitor(done, stopped)
		c.log.Info("connected")
		return nil
	case err := <-done:
		cancel()
		if err == nil {
			err = errors.New("run loop exited before authorization")
		}
		return mapError(err)
	case <-connectCtx.Done():
		cancel()
		<-done
		return fmt.Errorf("connect timeout after %s", c.timeout)
	}
}

// monitor flips the connected flag the moment the run loop exits, so
// a session revoked or dropped mid-flight is visible to the pool
// without waiting for Close.
func (c *Client) monitor(done chan error, stopped chan struct{}) {
	err := <-done
	c.connected.Store(false)
	c.exitErr = err
	close(stopped)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("run loop exited", zap.Error(err))
	}
}

// Close stops the run loop and waits for it to exit. Safe to call on a
// client whose run loop already died on its own.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.stopped
	err := c.exitErr
	c.connected.Store(false)
	c.inner = nil
	c.api = nil
	c.cancel = nil
	c.stopped = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Connected reports whether the run loop is up and authorized.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, transport.ErrNotConnected
	}
	return c.api, nil
}

// Self returns the authorized user's identity.
func (c *Client) Self(ctx context.Context) (transport.Peer, transport.Profile, error) {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return transport.Peer{}, transport.Profile{}, transport.ErrNotConnected
	}
	self, err := inner.Self(ctx)
	if err != nil {
		return transport.Peer{}, transport.Profile{}, mapError(err)
	}
	return transport.Peer{ID: self.ID, AccessHash: self.AccessHash}, userProfile(self), nil
}

const floodMargin = 10 * time.Second

// mapError translates gotd failures into transport sentinels. Flood
// cooldowns get a fixed safety margin on top of the server value.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrAuthRequired) {
		return transport.ErrAuthRequired
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &transport.FloodWaitError{Wait: wait + floodMargin}
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "AUTH_KEY_DUPLICATED") {
		return transport.ErrAuthRequired
	}
	if tgerr.Is(err, "USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "PHONE_NUMBER_BANNED") {
		return transport.ErrBanned
	}
	return err
}
