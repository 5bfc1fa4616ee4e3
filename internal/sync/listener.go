package sync

import (
	"context"
	"sync"
	"time"

	"github.com/mvbatista/tether/internal/remote"
	"github.com/mvbatista/tether/internal/store"
	"go.uber.org/zap"
)

// cursorKey is the sync_state key holding a conversation's live cursor.
func cursorKey(conversationID string) string {
	return "cursor:" + conversationID
}

// ListenerManager holds one remote subscription per conversation, reference
// counted across observers. Each subscription resumes from the cursor
// persisted in sync_state and advances it as batches arrive, so a restart
// replays only what was missed.
type ListenerManager struct {
	remote    remote.Store
	merger    *Merger
	db        *store.DB
	logger    *zap.Logger
	resubWait time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	subs    map[string]*convSub
}

type convSub struct {
	refs   int
	cancel context.CancelFunc
}

// NewListenerManager creates a listener manager.
func NewListenerManager(r remote.Store, merger *Merger, db *store.DB, logger *zap.Logger) *ListenerManager {
	return &ListenerManager{
		remote:    r,
		merger:    merger,
		db:        db,
		logger:    logger,
		resubWait: 2 * time.Second,
		subs:      make(map[string]*convSub),
	}
}

// Start establishes the lifetime for all subscriptions.
func (l *ListenerManager) Start(ctx context.Context) {
	l.mu.Lock()
	l.baseCtx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
}

// Stop tears down every subscription.
func (l *ListenerManager) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.subs = make(map[string]*convSub)
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe attaches to a conversation's remote feed. The returned cancel
// releases this observer's interest; the underlying subscription ends when
// the last observer is gone. Cancel is safe to call more than once.
func (l *ListenerManager) Subscribe(conversationID string) func() {
	l.mu.Lock()
	if l.baseCtx == nil {
		l.baseCtx, l.cancel = context.WithCancel(context.Background())
	}
	sub, ok := l.subs[conversationID]
	if !ok {
		ctx, cancel := context.WithCancel(l.baseCtx)
		sub = &convSub{cancel: cancel}
		l.subs[conversationID] = sub
		go l.run(ctx, conversationID)
	}
	sub.refs++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			s, ok := l.subs[conversationID]
			if !ok {
				return
			}
			s.refs--
			if s.refs <= 0 {
				s.cancel()
				delete(l.subs, conversationID)
			}
		})
	}
}

// run keeps one conversation's stream alive, resubscribing from the stored
// cursor whenever the remote closes the channel.
func (l *ListenerManager) run(ctx context.Context, conversationID string) {
	for ctx.Err() == nil {
		cursor, err := l.db.GetCheckpoint(cursorKey(conversationID))
		if err != nil {
			l.logger.Error("failed to load cursor", zap.Error(err), zap.String("conversation_id", conversationID))
		}

		subCtx, subCancel := context.WithCancel(ctx)
		ch, err := l.remote.Subscribe(subCtx, conversationID, cursor)
		if err != nil {
			subCancel()
			l.logger.Warn("subscribe failed, will retry",
				zap.Error(err), zap.String("conversation_id", conversationID))
			select {
			case <-time.After(l.resubWait):
				continue
			case <-ctx.Done():
				return
			}
		}

		for batch := range ch {
			if err := l.merger.MergeBatch(batch.Records); err != nil {
				// Tear the stream down without advancing the cursor: a
				// later batch's cursor would skip these records forever.
				// Resubscribing replays the failed batch.
				l.logger.Error("failed to merge batch, resubscribing",
					zap.Error(err), zap.String("conversation_id", conversationID))
				break
			}
			if batch.Cursor != "" {
				if err := l.db.SetCheckpoint(cursorKey(conversationID), batch.Cursor); err != nil {
					l.logger.Error("failed to store cursor",
						zap.Error(err), zap.String("conversation_id", conversationID))
				}
			}
		}
		subCancel()

		select {
		case <-time.After(l.resubWait):
		case <-ctx.Done():
			return
		}
	}
}
