package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

type fakeClient struct {
	dialogs      []transport.DialogSummary
	dialogsErr   error
	history      func(peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error)
	historyCalls int
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Close() error                  { return nil }
func (f *fakeClient) Connected() bool               { return true }

func (f *fakeClient) Self(context.Context) (transport.Peer, transport.Profile, error) {
	return transport.Peer{ID: 999}, transport.Profile{}, nil
}

func (f *fakeClient) Dialogs(context.Context, int) ([]transport.DialogSummary, error) {
	return f.dialogs, f.dialogsErr
}

func (f *fakeClient) History(ctx context.Context, peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error) {
	f.historyCalls++
	if f.history == nil {
		return nil, nil
	}
	return f.history(peer, minID, offsetID, limit)
}

func (f *fakeClient) Send(context.Context, transport.Peer, string) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeClient) AddContact(context.Context, string, string, string) (transport.Peer, error) {
	return transport.Peer{}, errors.New("not implemented")
}

func (f *fakeClient) MutateContactLabel(context.Context, transport.Peer, string, string) (bool, error) {
	return false, nil
}

func (f *fakeClient) SetHandler(transport.Handler) {}

func testEngine(t *testing.T) (*Engine, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return New(db, config.Default().Sync, bus.New(), zap.NewNop()), db
}

func dialog(peerID, topID int64, unread int) transport.DialogSummary {
	return transport.DialogSummary{
		Peer:        transport.Peer{ID: peerID, AccessHash: 7},
		Profile:     transport.Profile{FirstName: "Ana"},
		Last:        transport.Message{ID: topID, PeerID: peerID, FromID: peerID, Text: "top", Date: topID * 1000},
		UnreadCount: unread,
	}
}

// seedConversation plants a dialog row with an established cursor,
// bypassing the sync path.
func seedConversation(t *testing.T, db *store.DB, phone string, peerID, cursor int64, text string) {
	t.Helper()
	if _, err := db.GetOrCreateConversation(phone, peerID, store.Profile{AccessHash: 7}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateLastMessage(phone, peerID, cursor, cursor*1000, text, peerID, false); err != nil {
		t.Fatal(err)
	}
}

func TestSyncDialogsFreshDialogFlagsBackfill(t *testing.T) {
	engine, db := testEngine(t)
	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 50, 3)}}

	res, err := engine.SyncDialogs(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	if res.Gaps != 1 {
		t.Errorf("result %+v", res)
	}

	conv, err := db.GetConversation("1", 100)
	if err != nil {
		t.Fatal(err)
	}
	// A zero cursor is an ordinary gap: the whole history below the
	// snapshot is owed, starting from 0.
	if !conv.NeedsBackfill || conv.BackfillFromMsgID != 0 {
		t.Errorf("conversation %+v", conv)
	}
	if conv.LastMsgID != 50 || conv.UnreadCount != 3 {
		t.Errorf("conversation %+v", conv)
	}
	if conv.AccessHash != 7 || conv.FirstName != "Ana" {
		t.Errorf("profile not stored: %+v", conv)
	}
}

func TestSyncDialogsFreshDialogSingleMessage(t *testing.T) {
	engine, db := testEngine(t)
	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 1, 1)}}

	res, err := engine.SyncDialogs(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 1 || res.Gaps != 0 {
		t.Errorf("result %+v", res)
	}
	conv, _ := db.GetConversation("1", 100)
	if conv.LastMsgID != 1 || conv.NeedsBackfill {
		t.Errorf("conversation %+v", conv)
	}
}

func TestSyncDialogsCurrentCursorNoop(t *testing.T) {
	engine, db := testEngine(t)
	seedConversation(t, db, "1", 100, 10, "top")

	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 10, 0)}}
	res, err := engine.SyncDialogs(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 0 || res.Gaps != 0 {
		t.Errorf("result %+v", res)
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.LastMsgID != 10 || conv.NeedsBackfill {
		t.Errorf("conversation %+v", conv)
	}
}

func TestSyncDialogsGapZeroRefreshesEmptyPreview(t *testing.T) {
	engine, db := testEngine(t)
	seedConversation(t, db, "1", 100, 10, "")

	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 10, 0)}}
	if _, err := engine.SyncDialogs(context.Background(), "1", client); err != nil {
		t.Fatal(err)
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.LastMsgText != "top" {
		t.Errorf("preview = %q, want refreshed from snapshot", conv.LastMsgText)
	}
	if conv.LastMsgID != 10 {
		t.Errorf("cursor = %d, moved by a preview refresh", conv.LastMsgID)
	}
}

func TestSyncDialogsGapOneMirrorsDirectly(t *testing.T) {
	engine, db := testEngine(t)
	seedConversation(t, db, "1", 100, 10, "top")

	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 11, 1)}}
	res, err := engine.SyncDialogs(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 1 || res.Gaps != 0 {
		t.Errorf("result %+v", res)
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.LastMsgID != 11 || conv.NeedsBackfill {
		t.Errorf("conversation %+v", conv)
	}
	// The missing message is the snapshot itself.
	if client.historyCalls != 0 {
		t.Errorf("history calls = %d, want 0", client.historyCalls)
	}
}

func TestSyncDialogsLargeGapFlagsBackfill(t *testing.T) {
	engine, db := testEngine(t)

	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 5, 0)}}
	if _, err := engine.SyncDialogs(context.Background(), "1", client); err != nil {
		t.Fatal(err)
	}

	client.dialogs = []transport.DialogSummary{dialog(100, 10, 5)}
	res, err := engine.SyncDialogs(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	if res.Gaps != 1 {
		t.Errorf("result %+v", res)
	}

	conv, _ := db.GetConversation("1", 100)
	if !conv.NeedsBackfill || conv.BackfillFromMsgID != 5 {
		t.Errorf("conversation %+v", conv)
	}
	// Cursor advances to the snapshot even before the backfill runs.
	if conv.LastMsgID != 10 {
		t.Errorf("cursor = %d, want 10", conv.LastMsgID)
	}
}

func TestSyncDialogsNegativeGapKeepsCursor(t *testing.T) {
	engine, db := testEngine(t)
	seedConversation(t, db, "1", 100, 10, "top")

	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 8, 0)}}
	if _, err := engine.SyncDialogs(context.Background(), "1", client); err != nil {
		t.Fatal(err)
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.LastMsgID != 10 || conv.NeedsBackfill {
		t.Errorf("conversation %+v", conv)
	}
}

func TestBackfillFillsGapAndClearsFlag(t *testing.T) {
	engine, db := testEngine(t)

	client := &fakeClient{dialogs: []transport.DialogSummary{dialog(100, 5, 0)}}
	if _, err := engine.SyncDialogs(context.Background(), "1", client); err != nil {
		t.Fatal(err)
	}
	client.dialogs = []transport.DialogSummary{dialog(100, 10, 0)}
	if _, err := engine.SyncDialogs(context.Background(), "1", client); err != nil {
		t.Fatal(err)
	}

	client.history = func(peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error) {
		if minID != 5 {
			t.Errorf("minID = %d, want stored cursor 5", minID)
		}
		var out []transport.Message
		for id := int64(6); id <= 10; id++ {
			out = append(out, transport.Message{ID: id, PeerID: 100, Text: "m", Date: id})
		}
		return out, nil
	}

	n, err := engine.ProcessPendingBackfills(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	// Message 10 was already mirrored from the snapshot.
	if n != 4 {
		t.Errorf("fetched = %d, want 4", n)
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.NeedsBackfill || conv.LastMsgID != 10 {
		t.Errorf("conversation %+v", conv)
	}
	count, _ := db.CountMessages("1", 100)
	if count != 6 {
		t.Errorf("messages = %d, want 6", count)
	}
}

func TestBackfillFloodWaitSurfaces(t *testing.T) {
	engine, db := testEngine(t)
	if _, err := db.GetOrCreateConversation("1", 100, store.Profile{}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetNeedsBackfill("1", 100, 5); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{
		history: func(transport.Peer, int64, int64, int) ([]transport.Message, error) {
			return nil, &transport.FloodWaitError{Wait: 30 * time.Second}
		},
	}
	_, err := engine.ProcessPendingBackfills(context.Background(), "1", client)
	if _, ok := transport.AsFloodWait(err); !ok {
		t.Errorf("err = %v, want flood wait", err)
	}

	conv, _ := db.GetConversation("1", 100)
	if !conv.NeedsBackfill {
		t.Error("flag cleared despite flood abort")
	}
}

func TestFetchFullHistoryPaginatesAndIsIdempotent(t *testing.T) {
	engine, db := testEngine(t)
	conv, err := db.GetOrCreateConversation("1", 100, store.Profile{})
	if err != nil {
		t.Fatal(err)
	}

	pages := 0
	client := &fakeClient{
		history: func(peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error) {
			pages++
			switch offsetID {
			case 0:
				// Newest page: ids 101..200.
				return idRange(101, 200), nil
			case 101:
				return idRange(1, 100), nil
			default:
				return nil, nil
			}
		},
	}

	n, err := engine.FetchFullHistory(context.Background(), "1", client, conv)
	if err != nil {
		t.Fatal(err)
	}
	if n != 200 {
		t.Errorf("fetched = %d, want 200", n)
	}
	if pages != 2 {
		t.Errorf("pages = %d, want 2", pages)
	}

	conv, _ = db.GetConversation("1", 100)
	if !conv.HistoryFetched {
		t.Error("history_fetched not set")
	}

	n, err = engine.FetchFullHistory(context.Background(), "1", client, conv)
	if err != nil || n != 0 {
		t.Errorf("second run fetched %d err %v, want 0 nil", n, err)
	}
}

func TestFullSyncDrainsPendingBackfills(t *testing.T) {
	engine, db := testEngine(t)
	seedConversation(t, db, "1", 100, 5, "top")
	if err := db.MarkHistoryFetched("1", 100); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(&store.Message{
		AccountPhone: "1", PeerID: 100, MsgID: 5, Text: "m", Date: 5,
		SyncedVia: store.ViaDialog,
	}); err != nil {
		t.Fatal(err)
	}

	// The dialog pass inside FullSync detects a 5-message gap; the
	// drain must close it even though full history was fetched before.
	client := &fakeClient{
		dialogs: []transport.DialogSummary{dialog(100, 10, 0)},
		history: func(peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error) {
			if minID != 5 {
				t.Errorf("minID = %d, want stored cursor 5", minID)
			}
			var out []transport.Message
			for id := int64(6); id <= 10; id++ {
				out = append(out, transport.Message{ID: id, PeerID: 100, Text: "m", Date: id})
			}
			return out, nil
		},
	}

	res, err := engine.FullSync(context.Background(), "1", client)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != "full" || res.Gaps != 1 {
		t.Errorf("result %+v", res)
	}

	conv, _ := db.GetConversation("1", 100)
	if conv.NeedsBackfill {
		t.Error("gap survived the integrity pass")
	}
	count, _ := db.CountMessages("1", 100)
	if count != 6 {
		t.Errorf("messages = %d, want 6", count)
	}
	if client.historyCalls != 1 {
		t.Errorf("history calls = %d, want the single backfill", client.historyCalls)
	}
}

func idRange(lo, hi int64) []transport.Message {
	var out []transport.Message
	for id := hi; id >= lo; id-- {
		out = append(out, transport.Message{ID: id, PeerID: 100, Text: "m", Date: id})
	}
	return out
}
