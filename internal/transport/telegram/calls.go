package telegram

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/gotd/td/tg"
	"github.com/valmat-dev/inboxd/internal/transport"
)

// Dialogs fetches the dialog list snapshot, user dialogs only.
func (c *Client) Dialogs(ctx context.Context, limit int) ([]transport.DialogSummary, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	raw, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, mapError(err)
	}
	modified, ok := raw.AsModified()
	if !ok {
		return nil, nil
	}

	users := make(map[int64]*tg.User)
	for _, uc := range modified.GetUsers() {
		if u, ok := uc.(*tg.User); ok {
			users[u.ID] = u
		}
	}

	// Top messages are keyed by (peer, id) so each dialog can find its
	// latest entry.
	type topKey struct {
		peer int64
		id   int
	}
	tops := make(map[topKey]*tg.Message)
	for _, mc := range modified.GetMessages() {
		if m, ok := mc.(*tg.Message); ok {
			if peer, ok := peerUserID(m.PeerID); ok {
				tops[topKey{peer, m.ID}] = m
			}
		}
	}

	selfID := c.selfID.Load()
	var out []transport.DialogSummary
	for _, dc := range modified.GetDialogs() {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		peerID, ok := peerUserID(d.Peer)
		if !ok {
			continue
		}
		u := users[peerID]
		if u == nil || u.Bot || u.Deleted {
			continue
		}
		summary := transport.DialogSummary{
			Peer:          transport.Peer{ID: peerID, AccessHash: u.AccessHash},
			Profile:       userProfile(u),
			UnreadCount:   d.UnreadCount,
			PeerReadMaxID: int64(d.ReadOutboxMaxID),
		}
		if top := tops[topKey{peerID, d.TopMessage}]; top != nil {
			summary.Last = convertMessage(top, selfID)
		} else {
			summary.Last = transport.Message{ID: int64(d.TopMessage), PeerID: peerID}
		}
		out = append(out, summary)
	}
	return out, nil
}

// History pages the dialog backwards from offsetID, returning messages
// with id above minID.
func (c *Client) History(ctx context.Context, peer transport.Peer, minID, offsetID int64, limit int) ([]transport.Message, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	raw, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     &tg.InputPeerUser{UserID: peer.ID, AccessHash: peer.AccessHash},
		OffsetID: int(offsetID),
		MinID:    int(minID),
		Limit:    limit,
	})
	if err != nil {
		return nil, mapError(err)
	}
	modified, ok := raw.AsModified()
	if !ok {
		return nil, nil
	}

	selfID := c.selfID.Load()
	var out []transport.Message
	for _, mc := range modified.GetMessages() {
		if m, ok := mc.(*tg.Message); ok {
			out = append(out, convertMessage(m, selfID))
		}
	}
	return out, nil
}

// Send delivers a text message and returns the server-assigned id.
func (c *Client) Send(ctx context.Context, peer transport.Peer, text string) (int64, error) {
	api, err := c.apiClient()
	if err != nil {
		return 0, err
	}

	updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     &tg.InputPeerUser{UserID: peer.ID, AccessHash: peer.AccessHash},
		Message:  text,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return 0, mapError(err)
	}
	return sentMessageID(updates)
}

func sentMessageID(updates tg.UpdatesClass) (int64, error) {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return int64(u.ID), nil
	case *tg.Updates:
		for _, upd := range u.Updates {
			if id, ok := upd.(*tg.UpdateMessageID); ok {
				return int64(id.ID), nil
			}
			if nm, ok := upd.(*tg.UpdateNewMessage); ok {
				if m, ok := nm.Message.(*tg.Message); ok {
					return int64(m.ID), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("sent message id missing in %T", updates)
}

// AddContact imports a phone number into the account's address book
// and resolves it to a peer. Numbers not registered on the platform
// produce an error.
func (c *Client) AddContact(ctx context.Context, phone, firstName, lastName string) (transport.Peer, error) {
	api, err := c.apiClient()
	if err != nil {
		return transport.Peer{}, err
	}

	res, err := api.ContactsImportContacts(ctx, []tg.InputPhoneContact{{
		ClientID:  rand.Int63(),
		Phone:     phone,
		FirstName: firstName,
		LastName:  lastName,
	}})
	if err != nil {
		return transport.Peer{}, mapError(err)
	}
	if len(res.Imported) == 0 {
		return transport.Peer{}, fmt.Errorf("phone %s not registered", phone)
	}
	userID := res.Imported[0].UserID
	for _, uc := range res.Users {
		if u, ok := uc.(*tg.User); ok && u.ID == userID {
			return transport.Peer{ID: u.ID, AccessHash: u.AccessHash}, nil
		}
	}
	return transport.Peer{}, fmt.Errorf("imported user %d missing from response", userID)
}

// MutateContactLabel rewrites the first occurrence of a marker in the
// contact's stored first name. Returns false when the marker is absent.
func (c *Client) MutateContactLabel(ctx context.Context, peer transport.Peer, from, to string) (bool, error) {
	api, err := c.apiClient()
	if err != nil {
		return false, err
	}

	input := &tg.InputUser{UserID: peer.ID, AccessHash: peer.AccessHash}
	users, err := api.UsersGetUsers(ctx, []tg.InputUserClass{input})
	if err != nil {
		return false, mapError(err)
	}
	if len(users) == 0 {
		return false, fmt.Errorf("user %d not found", peer.ID)
	}
	u, ok := users[0].(*tg.User)
	if !ok {
		return false, fmt.Errorf("user %d not resolvable", peer.ID)
	}
	if !strings.Contains(u.FirstName, from) {
		return false, nil
	}

	_, err = api.ContactsAddContact(ctx, &tg.ContactsAddContactRequest{
		ID:        input,
		FirstName: strings.Replace(u.FirstName, from, to, 1),
		LastName:  u.LastName,
		Phone:     u.Phone,
	})
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}
