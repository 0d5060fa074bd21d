package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Event kinds published by the daemon. Payloads are normalized,
// transport-agnostic structs owned by the publishing package.
const (
	KindConnectionStatus = "connection.status"
	KindMessageNew       = "message.new"
	KindMessageRead      = "message.read"
	KindMessageEdited    = "message.edited"
	KindMessageDeleted   = "message.deleted"
	KindUserStatus       = "user.status"
	KindUserTyping       = "user.typing"
	KindFirstReply       = "contact.first_reply"
	KindJobProgress      = "job.progress"
	KindJobLog           = "job.log"
	KindJobComplete      = "job.complete"
	KindSyncCompleted    = "sync.completed"
)
