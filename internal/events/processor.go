// Package events normalizes live transport updates into the local
// mirror and broadcasts them on the bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
	"github.com/valmat-dev/inboxd/internal/pool"
	"github.com/valmat-dev/inboxd/internal/store"
	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// Contact name markers mirrored into the remote address book on the
// first reply.
const (
	markerContacted = "🔵"
	markerReplied   = "🟡"
)

// MessagePayload is broadcast for message.new and message.edited.
type MessagePayload struct {
	Account   string `json:"account"`
	PeerID    int64  `json:"peer_id"`
	MsgID     int64  `json:"msg_id"`
	FromID    int64  `json:"from_id,omitempty"`
	Outgoing  bool   `json:"outgoing"`
	Text      string `json:"text,omitempty"`
	Date      int64  `json:"date,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ReadPayload is broadcast for message.read.
type ReadPayload struct {
	Account string `json:"account"`
	PeerID  int64  `json:"peer_id"`
	MaxID   int64  `json:"max_id"`
	Marked  int    `json:"marked"`
}

// DeletedPayload is broadcast for message.deleted.
type DeletedPayload struct {
	Account string `json:"account"`
	PeerID  int64  `json:"peer_id"`
	MsgID   int64  `json:"msg_id"`
}

// PresencePayload is broadcast for user.status and user.typing.
type PresencePayload struct {
	Account string `json:"account"`
	UserID  int64  `json:"user_id"`
	Online  bool   `json:"online,omitempty"`
	Typing  bool   `json:"typing,omitempty"`
}

// FirstReplyPayload is broadcast for contact.first_reply.
type FirstReplyPayload struct {
	Account    string `json:"account"`
	PeerID     int64  `json:"peer_id"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// Processor turns raw updates into mirror writes and bus events. One
// processor serves all accounts; HandlerFor binds it to a phone.
type Processor struct {
	db     *store.DB
	bus    *bus.Bus
	pool   *pool.Pool
	log    *zap.Logger
	typing *typingTracker
}

// New returns a processor.
func New(db *store.DB, b *bus.Bus, p *pool.Pool, log *zap.Logger) *Processor {
	proc := &Processor{
		db:   db,
		bus:  b,
		pool: p,
		log:  log.Named("events"),
	}
	proc.typing = newTypingTracker(func(phone string, userID int64, typing bool) {
		b.Emit(bus.KindUserTyping, PresencePayload{Account: phone, UserID: userID, Typing: typing})
	})
	return proc
}

// Stop cancels pending typing timers.
func (p *Processor) Stop() {
	p.typing.Stop()
}

// HandlerFor returns the update sink for one account, suitable for
// pool.SetHandlerFactory.
func (p *Processor) HandlerFor(phone string) transport.Handler {
	return &accountHandler{proc: p, phone: phone}
}

type accountHandler struct {
	proc  *Processor
	phone string
}

func (h *accountHandler) OnMessage(msg transport.Message, sender transport.Profile, incoming bool) {
	h.proc.onMessage(h.phone, msg, sender, incoming)
}

func (h *accountHandler) OnRead(peerID, maxID int64) {
	h.proc.onRead(h.phone, peerID, maxID)
}

func (h *accountHandler) OnEdited(msgID int64, text string, editDate int64) {
	h.proc.onEdited(h.phone, msgID, text, editDate)
}

func (h *accountHandler) OnDeleted(msgIDs []int64) {
	h.proc.onDeleted(h.phone, msgIDs)
}

func (h *accountHandler) OnStatus(userID int64, online bool) {
	h.proc.bus.Emit(bus.KindUserStatus, PresencePayload{Account: h.phone, UserID: userID, Online: online})
}

func (h *accountHandler) OnTyping(userID int64, typing bool) {
	h.proc.typing.Observe(h.phone, userID, typing)
}

func (p *Processor) onMessage(phone string, msg transport.Message, sender transport.Profile, incoming bool) {
	log := p.log.With(zap.String("account", phone), zap.Int64("peer", msg.PeerID), zap.Int64("msg", msg.ID))

	conv, err := p.db.GetOrCreateConversation(phone, msg.PeerID, store.Profile{
		Username:  sender.Username,
		FirstName: sender.FirstName,
		LastName:  sender.LastName,
	})
	if err != nil {
		log.Error("upsert conversation", zap.Error(err))
		return
	}

	inserted, err := p.db.InsertMessage(&store.Message{
		AccountPhone: phone,
		PeerID:       msg.PeerID,
		MsgID:        msg.ID,
		FromID:       msg.FromID,
		Outgoing:     msg.Outgoing,
		Text:         msg.Text,
		Date:         msg.Date,
		ReplyToMsgID: msg.ReplyToID,
		MediaType:    msg.MediaType,
		SyncedVia:    store.ViaEvent,
	})
	if err != nil {
		log.Error("insert message", zap.Error(err))
		return
	}
	if !inserted {
		// Already mirrored through a sync pass, nothing to recount.
		return
	}

	if err := p.db.UpdateLastMessage(phone, msg.PeerID, msg.ID, msg.Date, msg.Text, msg.FromID, msg.Outgoing); err != nil {
		log.Error("update cursor", zap.Error(err))
	}

	if incoming {
		if err := p.db.IncrementUnread(phone, msg.PeerID); err != nil {
			log.Error("increment unread", zap.Error(err))
		}
		if conv.Tag == store.TagBlue {
			p.promoteFirstReply(phone, conv, msg.ID)
		}
	}

	p.bus.Emit(bus.KindMessageNew, MessagePayload{
		Account:   phone,
		PeerID:    msg.PeerID,
		MsgID:     msg.ID,
		FromID:    msg.FromID,
		Outgoing:  msg.Outgoing,
		Text:      msg.Text,
		Date:      msg.Date,
		MediaType: msg.MediaType,
	})
}

// promoteFirstReply flips a contacted lead to replied exactly once.
// The tag swap is the gate; everything downstream only runs for the
// event that won it.
func (p *Processor) promoteFirstReply(phone string, conv *store.Conversation, msgID int64) {
	log := p.log.With(zap.String("account", phone), zap.Int64("peer", conv.PeerID))

	won, err := p.db.SetTagIf(phone, conv.PeerID, store.TagBlue, store.TagYellow)
	if err != nil {
		log.Error("first reply tag swap", zap.Error(err))
		return
	}
	if !won {
		return
	}
	log.Info("first reply", zap.String("campaign", conv.CampaignID))

	if conv.CampaignID != "" {
		if err := p.db.RecountCampaign(conv.CampaignID); err != nil {
			log.Error("recount campaign", zap.Error(err))
		}
	}

	payload := FirstReplyPayload{Account: phone, PeerID: conv.PeerID, CampaignID: conv.CampaignID}
	raw, _ := json.Marshal(payload)
	if err := p.db.LogEvent(phone, conv.PeerID, bus.KindFirstReply, msgID, conv.CampaignID, string(raw)); err != nil {
		log.Error("log event", zap.Error(err))
	}
	p.bus.Emit(bus.KindFirstReply, payload)

	// Best effort: mirror the promotion into the remote address book.
	// Only a cached client is used, a reply must never trigger a
	// connect.
	client := p.pool.Peek(phone)
	if client == nil || !client.Connected() {
		return
	}
	peer := transport.Peer{ID: conv.PeerID, AccessHash: conv.AccessHash}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := client.MutateContactLabel(ctx, peer, markerContacted, markerReplied); err != nil {
			log.Warn("contact label", zap.Error(err))
		}
	}()
}

func (p *Processor) onRead(phone string, peerID, maxID int64) {
	log := p.log.With(zap.String("account", phone), zap.Int64("peer", peerID))

	if err := p.db.SetPeerReadMax(phone, peerID, maxID); err != nil {
		log.Error("set read watermark", zap.Error(err))
	}
	marked, err := p.db.MarkMessagesRead(phone, peerID, maxID, time.Now().UnixMilli())
	if err != nil {
		log.Error("mark read", zap.Error(err))
		return
	}
	p.bus.Emit(bus.KindMessageRead, ReadPayload{Account: phone, PeerID: peerID, MaxID: maxID, Marked: marked})
}

func (p *Processor) onEdited(phone string, msgID int64, text string, editDate int64) {
	log := p.log.With(zap.String("account", phone), zap.Int64("msg", msgID))

	peerID, ok, err := p.db.FindMessagePeer(phone, msgID)
	if err != nil {
		log.Error("find edited message", zap.Error(err))
		return
	}
	if !ok {
		// Edit for a message never mirrored, drop it.
		return
	}
	if err := p.db.MarkEdited(phone, peerID, msgID, text, editDate); err != nil {
		log.Error("mark edited", zap.Error(err))
		return
	}
	if err := p.db.RefreshLastText(phone, peerID, msgID, text); err != nil {
		log.Error("refresh preview", zap.Error(err))
	}
	p.bus.Emit(bus.KindMessageEdited, MessagePayload{Account: phone, PeerID: peerID, MsgID: msgID, Text: text, Date: editDate})
}

func (p *Processor) onDeleted(phone string, msgIDs []int64) {
	for _, msgID := range msgIDs {
		peerID, ok, err := p.db.FindMessagePeer(phone, msgID)
		if err != nil {
			p.log.Error("find deleted message", zap.String("account", phone), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := p.db.SoftDeleteMessage(phone, peerID, msgID); err != nil {
			p.log.Error("soft delete", zap.String("account", phone), zap.Error(err))
			continue
		}
		p.bus.Emit(bus.KindMessageDeleted, DeletedPayload{Account: phone, PeerID: peerID, MsgID: msgID})
	}
}
