package telegram

import (
	"context"

	"github.com/gotd/td/tg"
	"github.com/valmat-dev/inboxd/internal/transport"
)

func (c *Client) currentHandler() transport.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// wireDispatcher routes live updates into the installed handler.
// Updates arriving on non-user peers are ignored.
func (c *Client) wireDispatcher(d *tg.UpdateDispatcher) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		h := c.currentHandler()
		if h == nil {
			return nil
		}
		m, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		peerID, ok := peerUserID(m.PeerID)
		if !ok {
			return nil
		}
		msg := convertMessage(m, c.selfID.Load())
		var sender transport.Profile
		if su := e.Users[msg.FromID]; su != nil {
			sender = userProfile(su)
		} else if pu := e.Users[peerID]; pu != nil && !m.Out {
			sender = userProfile(pu)
		}
		h.OnMessage(msg, sender, !m.Out)
		return nil
	})

	d.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		h := c.currentHandler()
		if h == nil {
			return nil
		}
		if m, ok := u.Message.(*tg.Message); ok {
			editDate := int64(m.Date) * 1000
			if d, ok := m.GetEditDate(); ok {
				editDate = int64(d) * 1000
			}
			h.OnEdited(int64(m.ID), m.Message, editDate)
		}
		return nil
	})

	d.OnDeleteMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteMessages) error {
		h := c.currentHandler()
		if h == nil || len(u.Messages) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(u.Messages))
		for _, id := range u.Messages {
			ids = append(ids, int64(id))
		}
		h.OnDeleted(ids)
		return nil
	})

	d.OnReadHistoryOutbox(func(ctx context.Context, e tg.Entities, u *tg.UpdateReadHistoryOutbox) error {
		h := c.currentHandler()
		if h == nil {
			return nil
		}
		if peerID, ok := peerUserID(u.Peer); ok {
			h.OnRead(peerID, int64(u.MaxID))
		}
		return nil
	})

	d.OnUserStatus(func(ctx context.Context, e tg.Entities, u *tg.UpdateUserStatus) error {
		h := c.currentHandler()
		if h == nil {
			return nil
		}
		_, online := u.Status.(*tg.UserStatusOnline)
		h.OnStatus(u.UserID, online)
		return nil
	})

	d.OnUserTyping(func(ctx context.Context, e tg.Entities, u *tg.UpdateUserTyping) error {
		h := c.currentHandler()
		if h == nil {
			return nil
		}
		_, cancelled := u.Action.(*tg.SendMessageCancelAction)
		h.OnTyping(u.UserID, !cancelled)
		return nil
	})
}
