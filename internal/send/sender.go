// Package send delivers outbound messages through the rate limiter and
// mirrors them locally.
package send

import (
	"context"
	"fmt"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/events"
	"github.com/valmat-dev/inboxd/internal/pool"
	"github.com/valmat-dev/inboxd/internal/ratelimit"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// markerContacted prefixes the stored contact name of a fresh outreach
// target, later rewritten by the first-reply promotion.
const markerContacted = "🔵"

// Contact is an outreach target not yet in the local mirror.
type Contact struct {
	Phone     string
	FirstName string
	LastName  string
}

// Sender performs guarded sends on behalf of one or more accounts.
type Sender struct {
	db      *store.DB
	pool    *pool.Pool
	limiter *ratelimit.Limiter
	bus     *bus.Bus
	log     *zap.Logger
}

// New returns a sender.
func New(db *store.DB, p *pool.Pool, l *ratelimit.Limiter, b *bus.Bus, log *zap.Logger) *Sender {
	return &Sender{db: db, pool: p, limiter: l, bus: b, log: log.Named("send")}
}

// Send delivers text to an already-mirrored peer under a fresh
// exclusive lease. Callers already holding the lease use SendWith.
func (s *Sender) Send(ctx context.Context, phone string, peerID int64, campaignID, text string) (int64, error) {
	var msgID int64
	err := s.pool.WithExclusive(ctx, phone, "send", func(client transport.Client) error {
		id, err := s.SendWith(ctx, client, phone, peerID, campaignID, text)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// SendWith delivers text through an already-leased client. The limiter
// decides first; a denial comes back as *ratelimit.DeniedError without
// touching the transport.
func (s *Sender) SendWith(ctx context.Context, client transport.Client, phone string, peerID int64, campaignID, text string) (int64, error) {
	conv, err := s.db.GetConversation(phone, peerID)
	if err != nil {
		return 0, fmt.Errorf("peer %d: %w", peerID, err)
	}

	decision, err := s.limiter.Check(phone, peerID, campaignID)
	if err != nil {
		return 0, err
	}
	if !decision.Allowed {
		return 0, &ratelimit.DeniedError{Decision: decision}
	}

	msgID, err := client.Send(ctx, transport.Peer{ID: conv.PeerID, AccessHash: conv.AccessHash}, text)
	if err != nil {
		return 0, err
	}
	s.finish(phone, peerID, campaignID, msgID, text)
	return msgID, nil
}

// Outreach imports a new contact and delivers the first message under
// a fresh exclusive lease.
func (s *Sender) Outreach(ctx context.Context, phone string, contact Contact, campaignID, text string) (int64, error) {
	var msgID int64
	err := s.pool.WithExclusive(ctx, phone, "outreach", func(client transport.Client) error {
		id, err := s.OutreachWith(ctx, client, phone, contact, campaignID, text)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// OutreachWith imports a new contact through an already-leased client,
// opens the dialog with the contacted marker and tag, and delivers the
// first message. The limiter is consulted after the contact resolves,
// keyed by the resolved peer.
func (s *Sender) OutreachWith(ctx context.Context, client transport.Client, phone string, contact Contact, campaignID, text string) (int64, error) {
	target := store.NormalizePhone(contact.Phone)
	if target == "" {
		return 0, fmt.Errorf("contact %q: no phone digits", contact.Phone)
	}
	peer, err := client.AddContact(ctx, target, markerContacted+" "+contact.FirstName, contact.LastName)
	if err != nil {
		return 0, fmt.Errorf("add contact: %w", err)
	}

	if _, err := s.db.GetOrCreateConversation(phone, peer.ID, store.Profile{
		AccessHash: peer.AccessHash,
		FirstName:  contact.FirstName,
		LastName:   contact.LastName,
	}); err != nil {
		return 0, err
	}

	decision, err := s.limiter.Check(phone, peer.ID, campaignID)
	if err != nil {
		return 0, err
	}
	if !decision.Allowed {
		return 0, &ratelimit.DeniedError{Decision: decision}
	}

	msgID, err := client.Send(ctx, peer, text)
	if err != nil {
		return 0, err
	}
	s.finish(phone, peer.ID, campaignID, msgID, text)
	return msgID, nil
}

// finish records the ledger entry, mirrors the sent message and
// broadcasts it. Failures here are logged, not returned: the message
// is already on the wire.
func (s *Sender) finish(phone string, peerID int64, campaignID string, msgID int64, text string) {
	log := s.log.With(zap.String("account", phone), zap.Int64("peer", peerID), zap.Int64("msg", msgID))

	if err := s.limiter.Record(phone, peerID, campaignID, msgID); err != nil {
		log.Error("ledger record", zap.Error(err))
	}

	now := time.Now().UnixMilli()
	if _, err := s.db.InsertMessage(&store.Message{
		AccountPhone: phone,
		PeerID:       peerID,
		MsgID:        msgID,
		Outgoing:     true,
		Text:         text,
		Date:         now,
		SyncedVia:    store.ViaSend,
	}); err != nil {
		log.Error("mirror sent message", zap.Error(err))
	}
	if err := s.db.UpdateLastMessage(phone, peerID, msgID, now, text, 0, true); err != nil {
		log.Error("update cursor", zap.Error(err))
	}

	if campaignID != "" {
		if err := s.db.SetCampaign(phone, peerID, campaignID); err != nil {
			log.Error("set campaign", zap.Error(err))
		}
		if _, err := s.db.SetTagIf(phone, peerID, store.TagNone, store.TagBlue); err != nil {
			log.Error("tag contacted", zap.Error(err))
		}
		if err := s.db.RecountCampaign(campaignID); err != nil {
			log.Error("recount campaign", zap.Error(err))
		}
	}

	s.bus.Emit(bus.KindMessageNew, events.MessagePayload{
		Account:  phone,
		PeerID:   peerID,
		MsgID:    msgID,
		Outgoing: true,
		Text:     text,
		Date:     now,
	})
}
