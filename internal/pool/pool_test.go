package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/status"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

type fakeClient struct {
	connectErr error
	connected  atomic.Bool
	closed     atomic.Bool
	handler    transport.Handler
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeClient) Close() error {
	f.connected.Store(false)
	f.closed.Store(true)
	return nil
}

func (f *fakeClient) Connected() bool { return f.connected.Load() }

func (f *fakeClient) Self(ctx context.Context) (transport.Peer, transport.Profile, error) {
	return transport.Peer{ID: 1}, transport.Profile{}, nil
}

func (f *fakeClient) Dialogs(ctx context.Context, limit int) ([]transport.DialogSummary, error) {
	return nil, nil
}

func (f *fakeClient) History(ctx context.Context, peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error) {
	return nil, nil
}

func (f *fakeClient) Send(ctx context.Context, peer transport.Peer, text string) (int64, error) {
	return 1, nil
}

func (f *fakeClient) AddContact(ctx context.Context, phone, first, last string) (transport.Peer, error) {
	return transport.Peer{}, nil
}

func (f *fakeClient) MutateContactLabel(ctx context.Context, peer transport.Peer, from, to string) (bool, error) {
	return false, nil
}

func (f *fakeClient) SetHandler(h transport.Handler) { f.handler = h }

type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	built   int
}

func (f *fakeFactory) New(creds transport.Credentials) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built++
	c, ok := f.clients[creds.Phone]
	if !ok {
		c = &fakeClient{}
	}
	return c, nil
}

func testPool(t *testing.T) (*Pool, *store.DB, *fakeFactory) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	factory := &fakeFactory{clients: make(map[string]*fakeClient)}
	p := New(db, factory, status.NewRegistry(bus.New()), zap.NewNop())
	return p, db, factory
}

func addAccount(t *testing.T, db *store.DB, phone string) {
	t.Helper()
	err := db.UpsertAccount(&store.Account{
		Phone: phone, APIID: 1, APIHash: "h", SessionPath: "s",
		Status: store.AccountActive,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAcquireCachesClient(t *testing.T) {
	p, db, factory := testPool(t)
	addAccount(t, db, "1")

	c1 := p.Acquire(context.Background(), "1")
	if c1 == nil {
		t.Fatal("acquire returned nil")
	}
	c2 := p.Acquire(context.Background(), "1")
	if c1 != c2 {
		t.Error("second acquire built a new client")
	}
	if factory.built != 1 {
		t.Errorf("factory built %d clients, want 1", factory.built)
	}

	acc, err := db.GetAccount("1")
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Connected {
		t.Error("account not marked connected")
	}
}

func TestAcquireAuthFailureReturnsNil(t *testing.T) {
	p, db, factory := testPool(t)
	addAccount(t, db, "1")
	factory.clients["1"] = &fakeClient{connectErr: transport.ErrAuthRequired}

	if c := p.Acquire(context.Background(), "1"); c != nil {
		t.Fatal("acquire returned client despite auth failure")
	}

	acc, err := db.GetAccount("1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Status != store.AccountAuthRequired {
		t.Errorf("status = %q, want auth_required", acc.Status)
	}
	if acc.Connected {
		t.Error("account marked connected")
	}
}

func TestAcquireUnknownAccountReturnsNil(t *testing.T) {
	p, _, _ := testPool(t)
	if c := p.Acquire(context.Background(), "missing"); c != nil {
		t.Error("acquire returned client for unknown account")
	}
}

func TestAcquireSkipsDisabled(t *testing.T) {
	p, db, _ := testPool(t)
	err := db.UpsertAccount(&store.Account{
		Phone: "1", APIID: 1, APIHash: "h", SessionPath: "s",
		Status: store.AccountDisabled,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := p.Acquire(context.Background(), "1"); c != nil {
		t.Error("acquire returned client for disabled account")
	}
}

func TestWithExclusiveSerializes(t *testing.T) {
	p, db, _ := testPool(t)
	addAccount(t, db, "1")

	var inside atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithExclusive(context.Background(), "1", "job", func(transport.Client) error {
				if inside.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("exclusive sections overlapped")
	}
}

func TestWithExclusiveUnavailable(t *testing.T) {
	p, db, factory := testPool(t)
	addAccount(t, db, "1")
	factory.clients["1"] = &fakeClient{connectErr: errors.New("dial tcp: refused")}

	err := p.WithExclusive(context.Background(), "1", "job", func(transport.Client) error {
		t.Error("fn ran despite unavailable account")
		return nil
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestWithExclusiveTagsInUse(t *testing.T) {
	p, db, _ := testPool(t)
	addAccount(t, db, "1")

	err := p.WithExclusive(context.Background(), "1", "import", func(transport.Client) error {
		if got := p.InUseBy("1"); got != "import" {
			t.Errorf("InUseBy = %q, want import", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.InUseBy("1"); got != "" {
		t.Errorf("InUseBy after release = %q, want empty", got)
	}
}

func TestAcquireConcurrentBuildsOnce(t *testing.T) {
	p, db, factory := testPool(t)
	addAccount(t, db, "1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c := p.Acquire(context.Background(), "1"); c == nil {
				t.Error("acquire returned nil")
			}
		}()
	}
	wg.Wait()

	factory.mu.Lock()
	built := factory.built
	factory.mu.Unlock()
	if built != 1 {
		t.Errorf("factory built %d clients, want 1", built)
	}
}

func TestAcquireRebuildsDeadClient(t *testing.T) {
	p, db, factory := testPool(t)
	addAccount(t, db, "1")
	fc := &fakeClient{}
	factory.clients["1"] = fc

	if c := p.Acquire(context.Background(), "1"); c == nil {
		t.Fatal("acquire failed")
	}

	// Simulate the run loop dying underneath the cached client.
	fc.connected.Store(false)
	delete(factory.clients, "1")

	c := p.Acquire(context.Background(), "1")
	if c == nil {
		t.Fatal("reacquire failed")
	}
	if c == transport.Client(fc) {
		t.Error("dead client handed out again")
	}
	if !fc.closed.Load() {
		t.Error("dead client not closed")
	}
	if factory.built != 2 {
		t.Errorf("factory built %d clients, want 2", factory.built)
	}
}

func TestReleaseClosesClient(t *testing.T) {
	p, db, factory := testPool(t)
	addAccount(t, db, "1")
	fc := &fakeClient{}
	factory.clients["1"] = fc

	if c := p.Acquire(context.Background(), "1"); c == nil {
		t.Fatal("acquire failed")
	}
	p.Release("1")

	if !fc.closed.Load() {
		t.Error("client not closed")
	}
	if p.Peek("1") != nil {
		t.Error("client still cached")
	}
}

func TestConnectAllActive(t *testing.T) {
	old := connectSpacing
	connectSpacing = 0
	t.Cleanup(func() { connectSpacing = old })

	p, db, _ := testPool(t)
	addAccount(t, db, "1")
	addAccount(t, db, "2")

	p.ConnectAllActive(context.Background())

	phones := p.ConnectedPhones()
	if len(phones) != 2 {
		t.Errorf("connected = %v, want both", phones)
	}
}
