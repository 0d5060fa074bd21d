// Package transport defines the messaging backend contract the rest of
// the daemon programs against. The telegram subpackage provides the
// MTProto implementation.
package transport

import "context"

// Peer identifies a remote user on the wire.
type Peer struct {
	ID         int64
	AccessHash int64
}

// Profile carries the display identity of a peer.
type Profile struct {
	Username  string
	FirstName string
	LastName  string
	Phone     string
}

// Message is one wire message in normalized form.
type Message struct {
	ID        int64
	PeerID    int64
	FromID    int64
	Outgoing  bool
	Text      string
	Date      int64
	ReplyToID int64
	MediaType string
}

// DialogSummary is one entry of the dialog list snapshot.
type DialogSummary struct {
	Peer          Peer
	Profile       Profile
	Last          Message
	UnreadCount   int
	PeerReadMaxID int64
}

// Handler receives live updates from a connected client. Implementations
// must not block; heavy work belongs on the caller's side.
type Handler interface {
	OnMessage(msg Message, sender Profile, incoming bool)
	OnRead(peerID, maxID int64)
	OnEdited(msgID int64, text string, editDate int64)
	OnDeleted(msgIDs []int64)
	OnStatus(userID int64, online bool)
	OnTyping(userID int64, typing bool)
}

// Credentials holds everything needed to bring one account online.
type Credentials struct {
	Phone       string
	APIID       int
	APIHash     string
	SessionPath string
	Proxy       string
}

// Client is one account's connection to the messaging backend.
type Client interface {
	// Connect establishes the connection and verifies authorization.
	// Returns ErrAuthRequired when the stored session is missing or
	// revoked, ErrBanned when the account is deactivated.
	Connect(ctx context.Context) error
	Close() error
	Connected() bool

	// Self returns the authorized user's identity.
	Self(ctx context.Context) (Peer, Profile, error)

	// Dialogs fetches up to limit entries of the dialog list.
	Dialogs(ctx context.Context, limit int) ([]DialogSummary, error)

	// History fetches up to limit messages for peer with id > minID,
	// paging backwards from offsetID (0 means the newest).
	History(ctx context.Context, peer Peer, minID, offsetID int64, limit int) ([]Message, error)

	// Send delivers a text message and returns the assigned message id.
	Send(ctx context.Context, peer Peer, text string) (int64, error)

	// AddContact imports a phone number into the account's contacts
	// and resolves it to a peer.
	AddContact(ctx context.Context, phone, firstName, lastName string) (Peer, error)

	// MutateContactLabel rewrites a marker in the contact's stored
	// first name. Returns false when the marker was not present.
	MutateContactLabel(ctx context.Context, peer Peer, from, to string) (bool, error)

	// SetHandler installs the live update sink. Must be called before
	// Connect.
	SetHandler(h Handler)
}

// Factory builds clients from stored credentials.
type Factory interface {
	New(creds Credentials) (Client, error)
}
