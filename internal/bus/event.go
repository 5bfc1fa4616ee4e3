package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine. Subscribers filter by prefix,
// e.g. "message." for everything message-related.
const (
	KindMessageUpserted     = "message.upserted"
	KindMessageSendAck      = "message.send_ack"
	KindMessageSendFailed   = "message.send_failed"
	KindConversationUpdated = "conversation.updated"
	KindAppForeground       = "app.foreground"
)

// MessageRef identifies a message in event payloads without carrying the row.
type MessageRef struct {
	ConversationID string
	LocalID        string
}
