// Package sync merges remote records into the local cache and maintains
// per-conversation subscriptions to the remote store.
package sync

import (
	"fmt"
	"time"

	"github.com/mvbatista/tether/internal/bus"
	"github.com/mvbatista/tether/internal/clock"
	"github.com/mvbatista/tether/internal/remote"
	"github.com/mvbatista/tether/internal/store"
	"go.uber.org/zap"
)

// Merger turns remote records into cache rows. Every record goes through
// the store's single upsert, so duplicate delivery collapses to one row and
// an echo of our own write becomes its acknowledgment instead of a twin.
type Merger struct {
	db     *store.DB
	bus    *bus.Bus
	clock  *clock.Clock
	userID string
	logger *zap.Logger
}

// NewMerger creates a merger for the given viewing user.
func NewMerger(db *store.DB, b *bus.Bus, clk *clock.Clock, userID string, logger *zap.Logger) *Merger {
	return &Merger{
		db:     db,
		bus:    b,
		clock:  clk,
		userID: userID,
		logger: logger,
	}
}

// Merge processes a single remote record (idempotent).
func (m *Merger) Merge(rec remote.Record) error {
	if rec.RemoteID == "" {
		return fmt.Errorf("merge record: no remote id")
	}

	msg := &store.Message{
		LocalID:         rec.ClientID,
		RemoteID:        rec.RemoteID,
		ConversationID:  rec.ConversationID,
		SenderID:        rec.SenderID,
		Body:            rec.Body,
		CreatedAtClient: rec.CreatedAtServer,
		CreatedAtServer: rec.CreatedAtServer,
		SyncStatus:      recordStatus(rec),
	}
	if msg.LocalID == "" {
		// Authored elsewhere: mint a local identity for the row. If the
		// record was seen before, the remote_id match wins and this ID is
		// discarded.
		msg.LocalID = m.clock.NewLocalID()
	}

	res, err := m.db.UpsertMessage(msg, m.userID)
	if err != nil {
		return fmt.Errorf("merge record %s: %w", rec.RemoteID, err)
	}

	if res.Acked {
		// This record confirmed one of our own pending writes; the retry
		// manager no longer needs its intent.
		if err := m.db.DeletePendingWrite(res.LocalID); err != nil {
			m.logger.Error("failed to drop acknowledged pending write",
				zap.Error(err), zap.String("local_id", res.LocalID))
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: time.Now(),
			Payload:   bus.MessageRef{ConversationID: rec.ConversationID, LocalID: res.LocalID},
		})
	}

	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: rec.ConversationID, LocalID: res.LocalID},
	})
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   rec.ConversationID,
	})
	return nil
}

// MergeBatch processes a batch of records, stopping at the first error.
func (m *Merger) MergeBatch(recs []remote.Record) error {
	for _, rec := range recs {
		if err := m.Merge(rec); err != nil {
			return err
		}
	}
	return nil
}

// recordStatus maps a record's server-side delivery state onto a sync
// status. Records without one are at least sent: the server stored them.
func recordStatus(rec remote.Record) string {
	switch rec.Status {
	case store.StatusDelivered, store.StatusRead:
		return rec.Status
	default:
		return store.StatusSent
	}
}
