package store

// Sync statuses for a message, in forward order.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// statusRank orders the forward-moving statuses. failed sits outside the
// rank order: it is reachable only from pending, and leaving it is always
// allowed (retry or late acknowledgment).
var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// mergeStatus applies the forward-only rule: a status never moves backward,
// except failed -> pending on retry.
func mergeStatus(old, incoming string) string {
	if incoming == "" || old == incoming {
		return old
	}
	if old == "" {
		return incoming
	}
	if incoming == StatusFailed {
		if old == StatusPending {
			return StatusFailed
		}
		return old
	}
	if old == StatusFailed {
		return incoming
	}
	if statusRank[incoming] > statusRank[old] {
		return incoming
	}
	return old
}

// Message is a cached message row. LocalID is device-unique and stable for
// the lifetime of the message on this device; RemoteID is set once the
// remote store acknowledges the write. CreatedAtServer is 0 until then.
type Message struct {
	LocalID         string
	RemoteID        string
	ConversationID  string
	SenderID        string
	Body            string
	CreatedAtClient int64
	CreatedAtServer int64
	SyncStatus      string
}

// SortKey is the display ordering key: acknowledged messages order by server
// timestamp, pending ones by client timestamp.
func (m *Message) SortKey() int64 {
	if m.CreatedAtServer > 0 {
		return m.CreatedAtServer
	}
	return m.CreatedAtClient
}

// Acknowledged reports whether the remote store has confirmed this message.
func (m *Message) Acknowledged() bool {
	return m.CreatedAtServer > 0
}

// Conversation is a cached conversation row with denormalized preview fields.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	LastMessagePreview string
	LastActivityAt     int64
	UnreadCount        int
}

// PendingWrite is an outstanding send intent owned by the retry manager.
// It references a message by LocalID and never owns the row itself.
type PendingWrite struct {
	LocalID        string
	ConversationID string
	AttemptCount   int
	NextAttemptAt  int64
	LastError      string
	CreatedAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
