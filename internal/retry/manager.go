// Package retry owns every outstanding remote write. It replays pending
// writes with capped exponential backoff and is the only component that
// mutates pending_writes records.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mvbatista/tether/internal/bus"
	"github.com/mvbatista/tether/internal/remote"
	"github.com/mvbatista/tether/internal/status"
	"github.com/mvbatista/tether/internal/store"
	"go.uber.org/zap"
)

// Options tunes the manager. Zero values fall back to the defaults below.
type Options struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	WriteTimeout time.Duration
	Tick         time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 2 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = 500 * time.Millisecond
	}
	return o
}

// Manager drains the pending-write queue. Sweeps run on a timer, on an
// explicit Kick (new send), on the offline->online transition and on app
// foreground events. Within one conversation writes are attempted in
// original send order and a failure blocks that conversation's successors
// until the next sweep.
type Manager struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a retry manager.
func NewManager(db *store.DB, r remote.Store, b *bus.Bus, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		remote: r,
		bus:    b,
		logger: logger,
		opts:   opts.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// Start begins the sweep loop. Pending writes persisted by a previous run
// are picked up here, so retries resume across restarts.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	netCh, netUnsub := m.bus.Subscribe("network.", 16)
	appCh, appUnsub := m.bus.Subscribe("app.", 16)

	go func() {
		defer close(m.done)
		defer netUnsub()
		defer appUnsub()

		ticker := time.NewTicker(m.opts.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-m.kick:
				m.sweep(ctx)
			case evt := <-netCh:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online {
					m.sweep(ctx)
				}
			case <-appCh:
				m.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Kick requests an immediate sweep. Non-blocking; coalesces with a sweep
// already requested.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RetryMessage re-queues a terminally failed message at the user's request,
// resetting its attempt counter. Acknowledged messages are left alone.
func (m *Manager) RetryMessage(localID string) error {
	msg, err := m.db.GetMessage(localID)
	if err != nil {
		return err
	}
	if msg.Acknowledged() {
		return nil
	}
	if _, err := m.db.MarkStatus(localID, store.StatusPending); err != nil {
		return err
	}
	if err := m.db.EnqueuePendingWrite(localID, msg.ConversationID, time.Now().UnixMilli()); err != nil {
		return err
	}
	m.publishUpserted(msg.ConversationID, localID)
	m.Kick()
	return nil
}

func (m *Manager) sweep(ctx context.Context) {
	writes, err := m.db.ListPendingWrites()
	if err != nil {
		m.logger.Error("failed to read pending writes", zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	blocked := make(map[string]bool)
	for _, w := range writes {
		if ctx.Err() != nil {
			return
		}
		if blocked[w.ConversationID] {
			continue
		}
		if w.NextAttemptAt > now {
			// Not due yet; later sends in the same conversation must
			// keep waiting behind it to preserve send order.
			blocked[w.ConversationID] = true
			continue
		}
		if !m.attempt(ctx, w) {
			blocked[w.ConversationID] = true
		}
	}
}

// attempt performs one remote write for a pending write. Returns false when
// the rest of the conversation's queue should wait for the next sweep.
func (m *Manager) attempt(ctx context.Context, w store.PendingWrite) bool {
	msg, err := m.db.GetMessage(w.LocalID)
	if errors.Is(err, store.ErrNotFound) {
		_ = m.db.DeletePendingWrite(w.LocalID)
		return true
	}
	if err != nil {
		m.logger.Error("failed to load pending message", zap.Error(err), zap.String("local_id", w.LocalID))
		return false
	}
	if msg.Acknowledged() {
		// The listener echo beat us to it.
		_ = m.db.DeletePendingWrite(w.LocalID)
		return true
	}

	if _, err := m.db.MarkStatus(w.LocalID, store.StatusPending); err != nil {
		m.logger.Error("failed to mark pending", zap.Error(err), zap.String("local_id", w.LocalID))
	}

	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	ack, err := m.remote.Write(wctx, msg.ConversationID, remote.Record{
		SenderID: msg.SenderID,
		Body:     msg.Body,
	}, msg.LocalID)
	cancel()

	if err != nil {
		return m.handleFailure(w, msg, err)
	}

	if _, err := m.db.UpsertMessage(&store.Message{
		LocalID:         msg.LocalID,
		RemoteID:        ack.RemoteID,
		ConversationID:  msg.ConversationID,
		CreatedAtServer: ack.CreatedAtServer,
		SyncStatus:      store.StatusSent,
	}, ""); err != nil {
		m.logger.Error("failed to merge acknowledgment", zap.Error(err), zap.String("local_id", msg.LocalID))
		return false
	}
	if err := m.db.DeletePendingWrite(msg.LocalID); err != nil {
		m.logger.Error("failed to delete pending write", zap.Error(err), zap.String("local_id", msg.LocalID))
	}

	m.logger.Info("message sent",
		zap.String("local_id", msg.LocalID),
		zap.String("remote_id", ack.RemoteID),
		zap.Int("attempts", w.AttemptCount+1))
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: msg.ConversationID, LocalID: msg.LocalID},
	})
	m.publishUpserted(msg.ConversationID, msg.LocalID)
	return true
}

func (m *Manager) handleFailure(w store.PendingWrite, msg *store.Message, cause error) bool {
	attempts := w.AttemptCount + 1
	terminal := remote.IsPermanent(cause) || attempts >= m.opts.MaxAttempts

	if _, err := m.db.MarkStatus(msg.LocalID, store.StatusFailed); err != nil {
		m.logger.Error("failed to mark failed", zap.Error(err), zap.String("local_id", msg.LocalID))
	}

	if terminal {
		if err := m.db.DeletePendingWrite(msg.LocalID); err != nil {
			m.logger.Error("failed to delete pending write", zap.Error(err), zap.String("local_id", msg.LocalID))
		}
		m.logger.Warn("message failed permanently",
			zap.String("local_id", msg.LocalID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
	} else {
		delay := m.backoff(attempts)
		if err := m.db.RecordAttemptFailure(msg.LocalID, time.Now().Add(delay).UnixMilli(), cause.Error()); err != nil {
			m.logger.Error("failed to record attempt", zap.Error(err), zap.String("local_id", msg.LocalID))
		}
		m.logger.Warn("send attempt failed",
			zap.String("local_id", msg.LocalID),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(cause))
	}

	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: SendFailure{
			ConversationID: msg.ConversationID,
			LocalID:        msg.LocalID,
			Attempts:       attempts,
			Terminal:       terminal,
			Cause:          cause.Error(),
		},
	})
	m.publishUpserted(msg.ConversationID, msg.LocalID)

	// A terminally failed message leaves the queue; its successors may
	// proceed. A transient failure blocks the conversation.
	return terminal
}

// backoff doubles from the base per attempt, capped, with +-20% jitter so a
// reconnect does not fire every queued client at once.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.opts.BackoffBase
	for i := 1; i < attempts && d < m.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > m.opts.BackoffMax {
		d = m.opts.BackoffMax
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func (m *Manager) publishUpserted(conversationID, localID string) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: conversationID, LocalID: localID},
	})
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}

// SendFailure is the payload for message.send_failed events.
type SendFailure struct {
	ConversationID string
	LocalID        string
	Attempts       int
	Terminal       bool
	Cause          string
}
