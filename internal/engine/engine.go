// Package engine is the exposed surface of the sync engine: sending,
// observing, history and manual retry. The UI and any command layer (the AI
// tool layer included) talk only to this type; there is no privileged path
// around validation or idempotency.
package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mvbatista/tether/internal/bus"
	"github.com/mvbatista/tether/internal/history"
	"github.com/mvbatista/tether/internal/outbox"
	"github.com/mvbatista/tether/internal/retry"
	"github.com/mvbatista/tether/internal/store"
	syncpkg "github.com/mvbatista/tether/internal/sync"
	"go.uber.org/zap"
)

// Session is the auth collaborator: it supplies the sender identity and
// session validity. An empty user ID means no valid session.
type Session interface {
	CurrentUserID() string
}

// StaticSession is a Session with a fixed user, for tests and local runs.
type StaticSession string

// CurrentUserID returns the fixed user ID.
func (s StaticSession) CurrentUserID() string { return string(s) }

// Engine wires the sync engine's components behind the exposed contract.
// It is a plain service object owned by the composition root.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	pipeline  *outbox.Pipeline
	retries   *retry.Manager
	listeners *syncpkg.ListenerManager
	history   *history.Loader
	session   Session
	window    int
	logger    *zap.Logger
}

// New creates the engine facade.
func New(db *store.DB, b *bus.Bus, pipeline *outbox.Pipeline, retries *retry.Manager,
	listeners *syncpkg.ListenerManager, loader *history.Loader, session Session, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		bus:       b,
		pipeline:  pipeline,
		retries:   retries,
		listeners: listeners,
		history:   loader,
		session:   session,
		window:    50,
		logger:    logger,
	}
}

// Send validates and enqueues a message, returning its local ID as soon as
// it is durable locally. Without a valid session the call is rejected
// before entering the pipeline.
func (e *Engine) Send(ctx context.Context, conversationID, body string) (string, error) {
	return e.pipeline.Send(ctx, conversationID, e.session.CurrentUserID(), body)
}

// RetryMessage re-queues a terminally failed message.
func (e *Engine) RetryMessage(localID string) error {
	return e.retries.RetryMessage(localID)
}

// LoadOlder pages backward through a conversation's history.
func (e *Engine) LoadOlder(ctx context.Context, conversationID, beforeLocalID string, limit int) ([]store.Message, bool, error) {
	return e.history.LoadOlder(ctx, conversationID, beforeLocalID, limit)
}

// MarkRead clears a conversation's unread counter.
func (e *Engine) MarkRead(conversationID string) error {
	if err := e.db.MarkConversationRead(conversationID); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
	return nil
}

// Search performs a full-text search over cached messages.
func (e *Engine) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return e.db.SearchMessages(query, conversationID, limit)
}

// NotifyForeground signals that the app returned to the foreground; the
// retry manager sweeps immediately.
func (e *Engine) NotifyForeground() {
	e.bus.Publish(bus.Event{Kind: bus.KindAppForeground, Timestamp: time.Now()})
}

// ObserveConversation returns a live stream of the conversation's message
// window in display order (oldest first, pending trailing). The stream
// emits a snapshot immediately, then again on every change; slow consumers
// only ever see the latest snapshot. Cancelling detaches the observer and
// releases its hold on the remote subscription, without touching in-flight
// sends or pending retries.
func (e *Engine) ObserveConversation(conversationID string) (<-chan []store.Message, func()) {
	out := make(chan []store.Message, 1)
	events, unsub := e.bus.Subscribe("message.", 64)
	release := e.listeners.Subscribe(conversationID)
	done := make(chan struct{})

	emit := func() {
		msgs, err := e.db.ListMessages(conversationID, nil, e.window)
		if err != nil {
			e.logger.Error("failed to read conversation window",
				zap.Error(err), zap.String("conversation_id", conversationID))
			return
		}
		slices.Reverse(msgs)
		pushLatest(out, msgs)
	}
	emit()

	go func() {
		defer close(out)
		defer unsub()
		defer release()
		for {
			select {
			case evt := <-events:
				if eventConversation(evt) == conversationID {
					emit()
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(func() { close(done) }) }
}

// ObserveConversations returns a live stream of the conversation list
// ordered by most recent activity.
func (e *Engine) ObserveConversations() (<-chan []store.Conversation, func()) {
	out := make(chan []store.Conversation, 1)
	events, unsub := e.bus.Subscribe("conversation.", 64)
	done := make(chan struct{})

	emit := func() {
		convs, err := e.db.ListConversations(0, 0)
		if err != nil {
			e.logger.Error("failed to read conversation list", zap.Error(err))
			return
		}
		pushLatest(out, convs)
	}
	emit()

	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case <-events:
				emit()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(func() { close(done) }) }
}

// eventConversation extracts the conversation an event belongs to.
func eventConversation(evt bus.Event) string {
	switch p := evt.Payload.(type) {
	case bus.MessageRef:
		return p.ConversationID
	case retry.SendFailure:
		return p.ConversationID
	case string:
		return p
	default:
		return ""
	}
}

// pushLatest delivers v with latest-wins semantics: if the consumer has not
// drained the previous snapshot, it is replaced rather than queued.
func pushLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
