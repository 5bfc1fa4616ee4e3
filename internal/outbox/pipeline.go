// Package outbox implements the optimistic send pipeline: a message is
// durable and visible locally before any network I/O happens.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mvbatista/tether/internal/bus"
	"github.com/mvbatista/tether/internal/clock"
	"github.com/mvbatista/tether/internal/store"
	"go.uber.org/zap"
)

// ValidationError rejects input before it enters the pipeline. It is the
// only error Send returns for bad input; no row is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kicker is the retry manager's trigger surface. The pipeline never talks
// to the network itself; it persists the intent and pokes the manager for
// an immediate first attempt.
type Kicker interface {
	Kick()
}

// Pipeline accepts user-authored messages. Send returns as soon as the
// message is durable locally; delivery is the retry manager's problem.
type Pipeline struct {
	db           *store.DB
	clock        *clock.Clock
	bus          *bus.Bus
	retries      Kicker
	maxBodyBytes int
	logger       *zap.Logger
}

// NewPipeline creates a send pipeline.
func NewPipeline(db *store.DB, clk *clock.Clock, b *bus.Bus, retries Kicker, maxBodyBytes int, logger *zap.Logger) *Pipeline {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 5000
	}
	return &Pipeline{
		db:           db,
		clock:        clk,
		bus:          b,
		retries:      retries,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Send validates and persists a message with pending status, then triggers
// a remote write attempt. Returns the message's local ID immediately.
// After this returns, the message never disappears: only its status moves.
func (p *Pipeline) Send(_ context.Context, conversationID, senderID, body string) (string, error) {
	if err := p.validate(conversationID, senderID, body); err != nil {
		return "", err
	}

	msg := &store.Message{
		LocalID:         p.clock.NewLocalID(),
		ConversationID:  conversationID,
		SenderID:        senderID,
		Body:            body,
		CreatedAtClient: p.clock.NowUnixMilli(),
		SyncStatus:      store.StatusPending,
	}

	if _, err := p.db.CreateOutgoing(msg, time.Now().UnixMilli()); err != nil {
		return "", fmt.Errorf("persist outgoing message: %w", err)
	}

	p.logger.Info("message queued",
		zap.String("local_id", msg.LocalID),
		zap.String("conversation_id", conversationID))

	ref := bus.MessageRef{ConversationID: conversationID, LocalID: msg.LocalID}
	p.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Timestamp: time.Now(), Payload: ref})
	p.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Timestamp: time.Now(), Payload: conversationID})

	if p.retries != nil {
		p.retries.Kick()
	}
	return msg.LocalID, nil
}

func (p *Pipeline) validate(conversationID, senderID, body string) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversation", Reason: "empty conversation id"}
	}
	if senderID == "" {
		return &ValidationError{Field: "sender", Reason: "no valid session"}
	}
	if body == "" {
		return &ValidationError{Field: "body", Reason: "empty body"}
	}
	if len(body) > p.maxBodyBytes {
		return &ValidationError{Field: "body", Reason: fmt.Sprintf("body exceeds %d bytes", p.maxBodyBytes)}
	}
	return nil
}
