// Package history paginates backward through a conversation, serving from
// the cache when it can and falling back to the remote store's cursor.
package history

import (
	"context"
	"fmt"

	"github.com/mvbatista/tether/internal/remote"
	"github.com/mvbatista/tether/internal/store"
	syncpkg "github.com/mvbatista/tether/internal/sync"
	"go.uber.org/zap"
)

// cursorExhausted marks a conversation whose full remote history is cached.
const cursorExhausted = "end"

func historyKey(conversationID string) string {
	return "history:" + conversationID
}

// Loader pages older messages into the cache. Because fetched records flow
// through the same merge as live ones, LoadOlder is idempotent and safe to
// re-invoke after a failed fetch.
type Loader struct {
	db       *store.DB
	remote   remote.Store
	merger   *syncpkg.Merger
	pageSize int
	logger   *zap.Logger
}

// NewLoader creates a history loader.
func NewLoader(db *store.DB, r remote.Store, merger *syncpkg.Merger, pageSize int, logger *zap.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Loader{
		db:       db,
		remote:   r,
		merger:   merger,
		pageSize: pageSize,
		logger:   logger,
	}
}

// LoadOlder returns up to limit messages older than beforeLocalID
// (newest-first), plus whether more remain. An empty beforeLocalID starts
// from the newest message. The cache is consulted first; a short page
// triggers one remote fetch through the stored history cursor.
func (l *Loader) LoadOlder(ctx context.Context, conversationID, beforeLocalID string, limit int) ([]store.Message, bool, error) {
	if limit <= 0 {
		limit = l.pageSize
	}

	var before *store.Message
	if beforeLocalID != "" {
		msg, err := l.db.GetMessage(beforeLocalID)
		if err != nil {
			return nil, false, fmt.Errorf("resolve cursor message: %w", err)
		}
		before = msg
	}

	msgs, err := l.db.ListMessages(conversationID, before, limit)
	if err != nil {
		return nil, false, err
	}

	cursor, err := l.db.GetCheckpoint(historyKey(conversationID))
	if err != nil {
		return nil, false, err
	}

	if len(msgs) >= limit {
		return msgs, true, nil
	}
	if cursor == cursorExhausted {
		return msgs, false, nil
	}

	page, err := l.remote.QueryPage(ctx, conversationID, cursor, limit)
	if err != nil {
		// The cached slice is still valid; the caller may retry the fetch.
		return msgs, true, fmt.Errorf("fetch history page: %w", err)
	}
	if err := l.merger.MergeBatch(page.Records); err != nil {
		return msgs, true, err
	}

	next := page.NextCursor
	if next == "" {
		next = cursorExhausted
	}
	if err := l.db.SetCheckpoint(historyKey(conversationID), next); err != nil {
		return nil, false, err
	}

	l.logger.Info("history page fetched",
		zap.String("conversation_id", conversationID),
		zap.Int("records", len(page.Records)),
		zap.Bool("exhausted", page.NextCursor == ""))

	msgs, err = l.db.ListMessages(conversationID, before, limit)
	if err != nil {
		return nil, false, err
	}
	return msgs, page.NextCursor != "" || len(msgs) >= limit, nil
}
