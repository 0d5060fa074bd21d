package send

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/pool"
	"github.com/valmat-dev/inboxd/internal/ratelimit"
	"github.com/valmat-dev/inboxd/internal/status"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

type fakeClient struct {
	connected atomic.Bool

	sendID    int64
	sendErr   error
	sendCalls atomic.Int32

	contactPeer  transport.Peer
	contactErr   error
	contactName  string
	contactCalls atomic.Int32
}

func (f *fakeClient) Connect(context.Context) error {
	f.connected.Store(true)
	return nil
}

func (f *fakeClient) Close() error {
	f.connected.Store(false)
	return nil
}

func (f *fakeClient) Connected() bool { return f.connected.Load() }

func (f *fakeClient) Self(context.Context) (transport.Peer, transport.Profile, error) {
	return transport.Peer{ID: 999}, transport.Profile{}, nil
}

func (f *fakeClient) Dialogs(context.Context, int) ([]transport.DialogSummary, error) {
	return nil, nil
}

func (f *fakeClient) History(context.Context, transport.Peer, int64, int64, int) ([]transport.Message, error) {
	return nil, nil
}

func (f *fakeClient) Send(ctx context.Context, peer transport.Peer, text string) (int64, error) {
	f.sendCalls.Add(1)
	return f.sendID, f.sendErr
}

func (f *fakeClient) AddContact(ctx context.Context, phone, first, last string) (transport.Peer, error) {
	f.contactCalls.Add(1)
	f.contactName = first
	return f.contactPeer, f.contactErr
}

func (f *fakeClient) MutateContactLabel(context.Context, transport.Peer, string, string) (bool, error) {
	return false, nil
}

func (f *fakeClient) SetHandler(transport.Handler) {}

type fakeFactory struct{ client *fakeClient }

func (f *fakeFactory) New(transport.Credentials) (transport.Client, error) {
	return f.client, nil
}

func testSender(t *testing.T) (*Sender, *store.DB, *fakeClient, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	err = db.UpsertAccount(&store.Account{
		Phone: "1", APIID: 1, APIHash: "h", SessionPath: "s",
		Status: store.AccountActive,
	})
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	client := &fakeClient{sendID: 42, contactPeer: transport.Peer{ID: 100, AccessHash: 7}}
	p := pool.New(db, &fakeFactory{client: client}, status.NewRegistry(b), zap.NewNop())
	limiter := ratelimit.New(db, config.Default().RateLimit)
	return New(db, p, limiter, b, zap.NewNop()), db, client, b
}

func TestSendDeliversAndMirrors(t *testing.T) {
	s, db, client, b := testSender(t)
	ch, cancel := b.Subscribe(bus.KindMessageNew, 4)
	defer cancel()

	if err := db.EnsureCampaign("c1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetOrCreateConversation("1", 100, store.Profile{AccessHash: 7}); err != nil {
		t.Fatal(err)
	}

	msgID, err := s.Send(context.Background(), "1", 100, "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msgID != 42 {
		t.Errorf("msg id = %d, want 42", msgID)
	}
	if client.sendCalls.Load() != 1 {
		t.Errorf("send calls = %d", client.sendCalls.Load())
	}

	has, err := db.HasSend("1", 100, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("ledger row missing")
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.Tag != store.TagBlue || conv.CampaignID != "c1" || conv.LastMsgID != 42 {
		t.Errorf("conversation %+v", conv)
	}
	n, _ := db.CountMessages("1", 100)
	if n != 1 {
		t.Errorf("mirrored messages = %d", n)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestSendDeniedSkipsTransport(t *testing.T) {
	s, db, client, _ := testSender(t)
	if _, err := db.GetOrCreateConversation("1", 100, store.Profile{}); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordSend(&store.LedgerEntry{
		AccountPhone: "1", PeerID: 100, CampaignID: "c1",
		SentAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Send(context.Background(), "1", 100, "c1", "again")
	var denied *ratelimit.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if denied.Decision.Reason != ratelimit.ReasonDuplicate {
		t.Errorf("reason = %q", denied.Decision.Reason)
	}
	if client.sendCalls.Load() != 0 {
		t.Error("transport touched despite denial")
	}
}

func TestSendUnknownPeer(t *testing.T) {
	s, _, _, _ := testSender(t)
	if _, err := s.Send(context.Background(), "1", 777, "", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSendTransportFailureNotRecorded(t *testing.T) {
	s, db, client, _ := testSender(t)
	client.sendErr = errors.New("network down")
	if _, err := db.GetOrCreateConversation("1", 100, store.Profile{}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Send(context.Background(), "1", 100, "c1", "hi"); err == nil {
		t.Fatal("want error")
	}
	if has, _ := db.HasSend("1", 100, "c1"); has {
		t.Error("failed send landed in ledger")
	}
}

func TestOutreachImportsTagsAndSends(t *testing.T) {
	s, db, client, _ := testSender(t)
	if err := db.EnsureCampaign("c1", ""); err != nil {
		t.Fatal(err)
	}

	msgID, err := s.Outreach(context.Background(), "1", Contact{
		Phone: "15550001111", FirstName: "Bea",
	}, "c1", "hi Bea")
	if err != nil {
		t.Fatal(err)
	}
	if msgID != 42 {
		t.Errorf("msg id = %d", msgID)
	}
	if !strings.HasPrefix(client.contactName, markerContacted) {
		t.Errorf("contact name %q lacks marker", client.contactName)
	}

	conv, err := db.GetConversation("1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Tag != store.TagBlue || conv.CampaignID != "c1" || conv.AccessHash != 7 {
		t.Errorf("conversation %+v", conv)
	}
	camp, _ := db.GetCampaign("c1")
	if camp.Contacted != 1 {
		t.Errorf("contacted = %d", camp.Contacted)
	}
}

func TestOutreachDeniedAfterResolve(t *testing.T) {
	s, db, client, _ := testSender(t)
	if err := db.RecordSend(&store.LedgerEntry{
		AccountPhone: "1", PeerID: 100, CampaignID: "c1",
		SentAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Outreach(context.Background(), "1", Contact{Phone: "15550001111"}, "c1", "hi")
	var denied *ratelimit.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if client.contactCalls.Load() != 1 {
		t.Error("contact not resolved before denial")
	}
	if client.sendCalls.Load() != 0 {
		t.Error("send attempted despite denial")
	}
}
