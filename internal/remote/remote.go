// Package remote defines the contracts the sync engine consumes from its
// external collaborators: the remote real-time store and the network-state
// provider. The engine never depends on a concrete transport.
package remote

import (
	"context"
	"errors"
)

// Record is a message record as delivered by the remote store. ClientID is
// the idempotency key echoed back by the store; it is empty for records
// authored by other devices or clients that predate idempotency keys.
type Record struct {
	RemoteID        string
	ClientID        string
	ConversationID  string
	SenderID        string
	Body            string
	CreatedAtServer int64
	Status          string
}

// Ack is the remote store's acknowledgment of a successful write.
type Ack struct {
	RemoteID        string
	CreatedAtServer int64
}

// Page is one page of a backward history query. NextCursor is opaque and
// empty when no older messages remain.
type Page struct {
	Records    []Record
	NextCursor string
}

// Batch is one subscription delivery. Cursor marks the position after the
// last record in the batch; handing it back to Subscribe resumes the stream
// without replaying everything.
type Batch struct {
	Records []Record
	Cursor  string
}

// Store is the remote real-time store collaborator. Subscribe delivers
// batches with at-least-once semantics: the same record may arrive more
// than once and the consumer must absorb duplicates. The channel closes
// when the stream breaks; resubscribing with the last cursor resumes it.
type Store interface {
	Write(ctx context.Context, conversationID string, rec Record, idempotencyKey string) (Ack, error)
	Subscribe(ctx context.Context, conversationID, sinceCursor string) (<-chan Batch, error)
	QueryPage(ctx context.Context, conversationID, beforeCursor string, limit int) (Page, error)
}

// NetworkMonitor is the network-state provider collaborator. Watch emits
// true on offline->online transitions and false on the reverse, until ctx
// is cancelled.
type NetworkMonitor interface {
	Watch(ctx context.Context) <-chan bool
}

// PermanentError marks a write rejection that retrying cannot fix
// (e.g. authorization revoked). Everything else is treated as transient.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "remote: permanent rejection: " + e.Reason
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
