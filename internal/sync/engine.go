// Package sync reconciles the local mirror against the server using
// dialog-list snapshots, targeted backfills and full history fetches.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/config"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// dialogPageSize bounds one dialog-list snapshot.
const dialogPageSize = 100

// backfillPause spaces consecutive backfill calls on one account.
const backfillPause = 2 * time.Second

// Engine runs sync passes for a single account at a time. Callers are
// expected to hold the account's exclusive lease.
type Engine struct {
	db  *store.DB
	cfg config.Sync
	bus *bus.Bus
	log *zap.Logger
}

// New returns a sync engine.
func New(db *store.DB, cfg config.Sync, b *bus.Bus, log *zap.Logger) *Engine {
	return &Engine{db: db, cfg: cfg, bus: b, log: log.Named("sync")}
}

// DialogResult summarizes one dialog sync pass.
type DialogResult struct {
	Account  string `json:"account"`
	Dialogs  int    `json:"dialogs"`
	New      int    `json:"new"`
	Gaps     int    `json:"gaps"`
	Errors   int    `json:"errors"`
	Kind     string `json:"kind"`
	Duration int64  `json:"duration_ms"`
}

// SyncDialogs compares the dialog-list snapshot against local cursors.
// A gap of one mirrors the snapshot's top message directly; a larger
// gap flags the dialog for backfill. A flood wait aborts the pass and
// surfaces to the caller; any other per-dialog failure is counted and
// the pass continues.
func (e *Engine) SyncDialogs(ctx context.Context, phone string, client transport.Client) (*DialogResult, error) {
	started := time.Now()
	log := e.log.With(zap.String("account", phone))

	dialogs, err := client.Dialogs(ctx, dialogPageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch dialogs: %w", err)
	}

	res := &DialogResult{Account: phone, Dialogs: len(dialogs), Kind: "dialog"}
	for _, d := range dialogs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.syncDialog(phone, d, res); err != nil {
			if _, ok := transport.AsFloodWait(err); ok {
				return res, err
			}
			res.Errors++
			log.Warn("dialog sync", zap.Int64("peer", d.Peer.ID), zap.Error(err))
		}
	}

	if err := e.db.SetDialogSyncTime(phone, time.Now().UnixMilli()); err != nil {
		log.Warn("record sync time", zap.Error(err))
	}
	res.Duration = time.Since(started).Milliseconds()
	log.Info("dialog sync done",
		zap.Int("dialogs", res.Dialogs),
		zap.Int("new", res.New),
		zap.Int("gaps", res.Gaps),
		zap.Int("errors", res.Errors))
	e.bus.Emit(bus.KindSyncCompleted, res)
	return res, nil
}

func (e *Engine) syncDialog(phone string, d transport.DialogSummary, res *DialogResult) error {
	conv, err := e.db.GetOrCreateConversation(phone, d.Peer.ID, store.Profile{
		AccessHash: d.Peer.AccessHash,
		Username:   d.Profile.Username,
		FirstName:  d.Profile.FirstName,
		LastName:   d.Profile.LastName,
	})
	if err != nil {
		return err
	}

	if err := e.db.SetUnread(phone, d.Peer.ID, d.UnreadCount); err != nil {
		return err
	}
	if d.PeerReadMaxID > 0 {
		if err := e.db.SetPeerReadMax(phone, d.Peer.ID, d.PeerReadMaxID); err != nil {
			return err
		}
	}

	remote := d.Last.ID
	local := conv.LastMsgID
	gap := remote - local

	switch {
	case gap == 0:
		// Cursor is current. Cold-start rows may still lack a preview;
		// refresh it from the snapshot without moving the cursor.
		if conv.LastMsgText == "" && d.Last.Text != "" {
			if err := e.db.RefreshLastText(phone, d.Peer.ID, local, d.Last.Text); err != nil {
				return err
			}
		}
	case gap == 1:
		if err := e.mirrorTop(phone, d, store.ViaDialog); err != nil {
			return err
		}
		res.New++
	case gap >= 2:
		// Covers fresh dialogs too: a zero cursor backfills from 0, so
		// the whole visible history is fetched in this same pass.
		if err := e.db.SetNeedsBackfill(phone, d.Peer.ID, local); err != nil {
			return err
		}
		if err := e.mirrorTop(phone, d, store.ViaDialog); err != nil {
			return err
		}
		res.Gaps++
	default:
		// Local cursor ahead of the server, seen after message
		// deletions. Keep the local cursor and note it.
		e.log.Warn("negative gap",
			zap.String("account", phone),
			zap.Int64("peer", d.Peer.ID),
			zap.Int64("local", local),
			zap.Int64("remote", remote))
	}
	return nil
}

// mirrorTop stores the snapshot's top message and advances the cursor.
func (e *Engine) mirrorTop(phone string, d transport.DialogSummary, via string) error {
	m := d.Last
	if m.ID == 0 {
		return nil
	}
	if m.Text != "" || m.MediaType != "" {
		_, err := e.db.InsertMessage(&store.Message{
			AccountPhone: phone,
			PeerID:       d.Peer.ID,
			MsgID:        m.ID,
			FromID:       m.FromID,
			Outgoing:     m.Outgoing,
			Text:         m.Text,
			Date:         m.Date,
			ReplyToMsgID: m.ReplyToID,
			MediaType:    m.MediaType,
			SyncedVia:    via,
		})
		if err != nil {
			return err
		}
	}
	return e.db.UpdateLastMessage(phone, d.Peer.ID, m.ID, m.Date, m.Text, m.FromID, m.Outgoing)
}

// Backfill fetches the messages missed between the stored cursor and
// the server, then clears the flag. The cursor advances to the highest
// id seen.
func (e *Engine) Backfill(ctx context.Context, phone string, client transport.Client, conv *store.Conversation) (int, error) {
	peer := transport.Peer{ID: conv.PeerID, AccessHash: conv.AccessHash}
	msgs, err := client.History(ctx, peer, conv.BackfillFromMsgID, 0, e.cfg.BackfillLimit)
	if err != nil {
		return 0, fmt.Errorf("backfill history: %w", err)
	}

	fetched := 0
	maxID := conv.LastMsgID
	for _, m := range msgs {
		inserted, err := e.db.InsertMessage(&store.Message{
			AccountPhone: phone,
			PeerID:       conv.PeerID,
			MsgID:        m.ID,
			FromID:       m.FromID,
			Outgoing:     m.Outgoing,
			Text:         m.Text,
			Date:         m.Date,
			ReplyToMsgID: m.ReplyToID,
			MediaType:    m.MediaType,
			SyncedVia:    store.ViaBackfill,
		})
		if err != nil {
			return fetched, err
		}
		if inserted {
			fetched++
		}
		if m.ID > maxID {
			maxID = m.ID
		}
	}

	if err := e.db.ClearBackfill(phone, conv.PeerID, maxID); err != nil {
		return fetched, err
	}
	e.log.Debug("backfilled",
		zap.String("account", phone),
		zap.Int64("peer", conv.PeerID),
		zap.Int("fetched", fetched))
	return fetched, nil
}

// ProcessPendingBackfills drains the backfill queue for one account,
// pausing between dialogs. A flood wait aborts and surfaces; other
// failures skip to the next dialog.
func (e *Engine) ProcessPendingBackfills(ctx context.Context, phone string, client transport.Client) (int, error) {
	pending, err := e.db.NeedingBackfill(phone)
	if err != nil {
		return 0, err
	}

	total := 0
	for i, conv := range pending {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if i > 0 {
			select {
			case <-time.After(backfillPause):
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}
		n, err := e.Backfill(ctx, phone, client, conv)
		total += n
		if err != nil {
			if _, ok := transport.AsFloodWait(err); ok {
				return total, err
			}
			e.log.Warn("backfill",
				zap.String("account", phone),
				zap.Int64("peer", conv.PeerID),
				zap.Error(err))
		}
	}
	return total, nil
}

// FetchFullHistory pages the entire dialog backwards until exhausted.
// Already-fetched dialogs are skipped, making repeated runs cheap.
func (e *Engine) FetchFullHistory(ctx context.Context, phone string, client transport.Client, conv *store.Conversation) (int, error) {
	if conv.HistoryFetched {
		return 0, nil
	}

	peer := transport.Peer{ID: conv.PeerID, AccessHash: conv.AccessHash}
	fetched := 0
	var offsetID int64
	for {
		if ctx.Err() != nil {
			return fetched, ctx.Err()
		}
		msgs, err := client.History(ctx, peer, 0, offsetID, e.cfg.HistoryPageSize)
		if err != nil {
			return fetched, fmt.Errorf("history page: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		minSeen := msgs[0].ID
		for _, m := range msgs {
			inserted, err := e.db.InsertMessage(&store.Message{
				AccountPhone: phone,
				PeerID:       conv.PeerID,
				MsgID:        m.ID,
				FromID:       m.FromID,
				Outgoing:     m.Outgoing,
				Text:         m.Text,
				Date:         m.Date,
				ReplyToMsgID: m.ReplyToID,
				MediaType:    m.MediaType,
				SyncedVia:    store.ViaHistory,
			})
			if err != nil {
				return fetched, err
			}
			if inserted {
				fetched++
			}
			if m.ID < minSeen {
				minSeen = m.ID
			}
		}
		if minSeen <= 1 || int64(len(msgs)) < int64(e.cfg.HistoryPageSize) {
			break
		}
		offsetID = minSeen
	}

	if err := e.db.MarkHistoryFetched(phone, conv.PeerID); err != nil {
		return fetched, err
	}
	return fetched, nil
}

// FullSync refreshes the dialog list, drains every pending backfill,
// then fetches complete history for every dialog that still lacks it.
func (e *Engine) FullSync(ctx context.Context, phone string, client transport.Client) (*DialogResult, error) {
	started := time.Now()

	res, err := e.SyncDialogs(ctx, phone, client)
	if err != nil {
		return res, err
	}
	res.Kind = "full"

	// Unconditional drain: gaps flagged on earlier passes must not
	// survive the integrity sweep, fetched history or not.
	n, err := e.ProcessPendingBackfills(ctx, phone, client)
	res.New += n
	if err != nil {
		if _, ok := transport.AsFloodWait(err); ok {
			return res, err
		}
		res.Errors++
		e.log.Warn("full sync backfill", zap.String("account", phone), zap.Error(err))
	}

	convs, err := e.db.ListConversations(phone, dialogPageSize, 0)
	if err != nil {
		return res, err
	}
	for i, conv := range convs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if conv.HistoryFetched {
			continue
		}
		if i > 0 {
			select {
			case <-time.After(backfillPause):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		n, err := e.FetchFullHistory(ctx, phone, client, conv)
		res.New += n
		if err != nil {
			if _, ok := transport.AsFloodWait(err); ok {
				return res, err
			}
			res.Errors++
			e.log.Warn("full history",
				zap.String("account", phone),
				zap.Int64("peer", conv.PeerID),
				zap.Error(err))
		}
	}

	if err := e.db.SetFullSyncTime(phone, time.Now().UnixMilli()); err != nil {
		e.log.Warn("record full sync time", zap.String("account", phone), zap.Error(err))
	}
	res.Duration = time.Since(started).Milliseconds()
	return res, nil
}
