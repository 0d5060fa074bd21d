package store

// Account is one managed messaging account, keyed by normalized phone.
type Account struct {
	Phone          string
	Name           string
	APIID          int
	APIHash        string
	SessionPath    string
	Proxy          string
	Status         string
	Connected      bool
	LastError      string
	LastDialogSync int64
	LastFullSync   int64
	CreatedAt      int64
	LastUsed       int64
}

// Account lifecycle statuses.
const (
	AccountActive       = "active"
	AccountAuthRequired = "auth_required"
	AccountBanned       = "banned"
	AccountErrored      = "errored"
	AccountDisabled     = "disabled"
)

// Conversation is the local mirror of one dialog, including the sync
// cursor used for gap detection.
type Conversation struct {
	ID                int64
	AccountPhone      string
	PeerID            int64
	AccessHash        int64
	Username          string
	FirstName         string
	LastName          string
	UnreadCount       int
	LastMsgID         int64
	LastMsgDate       int64
	LastMsgText       string
	LastMsgFromID     int64
	LastMsgOutgoing   bool
	PeerReadMaxID     int64
	NeedsBackfill     bool
	BackfillFromMsgID int64
	HistoryFetched    bool
	Tag               string
	CampaignID        string
}

// Conversation tags. Blue marks a contacted lead, yellow a lead that
// has replied at least once.
const (
	TagNone   = "none"
	TagBlue   = "blue"
	TagYellow = "yellow"
)

// Message is one mirrored message. ReadAt is zero until the peer read
// receipt covers it, EditedAt is zero until the first edit.
type Message struct {
	ID           int64
	AccountPhone string
	PeerID       int64
	MsgID        int64
	FromID       int64
	Outgoing     bool
	Text         string
	Date         int64
	ReplyToMsgID int64
	MediaType    string
	EditedAt     int64
	Deleted      bool
	ReadAt       int64
	SyncedVia    string
}

// Origins recorded in messages.synced_via.
const (
	ViaEvent    = "event"
	ViaDialog   = "dialog"
	ViaBackfill = "backfill"
	ViaHistory  = "history"
	ViaSend     = "send"
)

// LedgerEntry is one row of the outbound send ledger.
type LedgerEntry struct {
	AccountPhone string
	PeerID       int64
	CampaignID   string
	MsgID        int64
	SentAt       int64
}

// Campaign aggregates per-campaign outreach counters.
type Campaign struct {
	ID        string
	Name      string
	Contacted int
	Replied   int
	UpdatedAt int64
}

// Operation is one multi-account job.
type Operation struct {
	ID          string
	Type        string
	Params      string
	Status      string
	Error       string
	CreatedAt   int64
	StartedAt   int64
	CompletedAt int64
}

// Operation and per-account statuses.
const (
	OpPending   = "pending"
	OpRunning   = "running"
	OpCompleted = "completed"
	OpPartial   = "completed_with_errors"
	OpFailed    = "failed"
	OpCancelled = "cancelled"
)

// OperationAccount is the per-account slice of an operation.
type OperationAccount struct {
	OperationID  string
	AccountPhone string
	Status       string
	Progress     int
	Total        int
	Message      string
	Error        string
	Stats        string
	UpdatedAt    int64
}

// OperationLog is one log line attached to an operation.
type OperationLog struct {
	ID           int64
	OperationID  string
	AccountPhone string
	Level        string
	Message      string
	CreatedAt    int64
}

// Backup records one completed per-account export.
type Backup struct {
	ID            int64
	AccountPhone  string
	Filename      string
	Path          string
	Conversations int
	CreatedAt     int64
}
