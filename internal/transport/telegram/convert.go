package telegram

import (
	"github.com/gotd/td/tg"
	"github.com/valmat-dev/inboxd/internal/transport"
)

func userProfile(u *tg.User) transport.Profile {
	return transport.Profile{
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Phone:     u.Phone,
	}
}

func mediaKind(media tg.MessageMediaClass) string {
	switch media.(type) {
	case nil, *tg.MessageMediaEmpty:
		return ""
	case *tg.MessageMediaPhoto:
		return "photo"
	case *tg.MessageMediaDocument:
		return "document"
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return "location"
	case *tg.MessageMediaContact:
		return "contact"
	case *tg.MessageMediaPoll:
		return "poll"
	case *tg.MessageMediaWebPage:
		return "webpage"
	default:
		return "other"
	}
}

func peerUserID(p tg.PeerClass) (int64, bool) {
	u, ok := p.(*tg.PeerUser)
	if !ok {
		return 0, false
	}
	return u.UserID, true
}

// convertMessage normalizes a wire message. selfID resolves the sender
// of outgoing messages, which carry no explicit from peer.
func convertMessage(m *tg.Message, selfID int64) transport.Message {
	out := transport.Message{
		ID:       int64(m.ID),
		Outgoing: m.Out,
		Text:     m.Message,
		Date:     int64(m.Date) * 1000,
	}
	if id, ok := peerUserID(m.PeerID); ok {
		out.PeerID = id
	}
	if from, ok := m.GetFromID(); ok {
		if id, ok := peerUserID(from); ok {
			out.FromID = id
		}
	} else if m.Out {
		out.FromID = selfID
	} else {
		out.FromID = out.PeerID
	}
	if hdr, ok := m.GetReplyTo(); ok {
		if r, ok := hdr.(*tg.MessageReplyHeader); ok {
			if id, ok := r.GetReplyToMsgID(); ok {
				out.ReplyToID = int64(id)
			}
		}
	}
	if media, ok := m.GetMedia(); ok {
		out.MediaType = mediaKind(media)
	}
	return out
}
