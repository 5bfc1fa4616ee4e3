package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a message or conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// UpsertResult describes what UpsertMessage did.
type UpsertResult struct {
	LocalID  string
	Inserted bool
	Acked    bool // remote ID newly attached to an existing local row
	Status   string
}

// UpsertMessage is the single merge point for all message writes: the send
// pipeline, the remote listener, the history loader and the retry manager
// all funnel through here. It is idempotent: matching is by remote_id first,
// then by local_id, and fields only ever fill in (remote_id and
// created_at_server are set once, sync_status moves forward only).
//
// The owning conversation's preview, last_activity_at and unread count are
// updated in the same transaction; viewerID identifies the local user so
// that only messages authored by others bump the unread count.
func (db *DB) UpsertMessage(m *Message, viewerID string) (*UpsertResult, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := upsertMessageTx(tx, m, viewerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// CreateOutgoing persists a freshly composed message and its pending-write
// intent in one transaction, so a crash can never leave a pending message
// the retry manager does not know about.
func (db *DB) CreateOutgoing(m *Message, nextAttemptAt int64) (*UpsertResult, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := upsertMessageTx(tx, m, m.SenderID)
	if err != nil {
		return nil, err
	}
	// The client timestamp is strictly monotonic per device; wall-clock
	// millis can tie across rapid sends and scramble the drain order.
	if _, err := tx.Exec(`
		INSERT INTO pending_writes (local_id, conversation_id, attempt_count, next_attempt_at, created_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			attempt_count = 0,
			next_attempt_at = excluded.next_attempt_at,
			last_error = ''`,
		res.LocalID, m.ConversationID, nextAttemptAt, m.CreatedAtClient); err != nil {
		return nil, fmt.Errorf("enqueue pending write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outgoing: %w", err)
	}
	return res, nil
}

func upsertMessageTx(tx *sql.Tx, m *Message, viewerID string) (*UpsertResult, error) {
	if m.LocalID == "" && m.RemoteID == "" {
		return nil, fmt.Errorf("upsert message: no local or remote id")
	}

	existing, err := findExisting(tx, m)
	if err != nil {
		return nil, err
	}

	res := &UpsertResult{}
	now := time.Now().UnixMilli()

	if existing == nil {
		if m.LocalID == "" {
			return nil, fmt.Errorf("upsert message: insert requires a local id")
		}
		status := m.SyncStatus
		if status == "" {
			status = StatusPending
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (local_id, remote_id, conversation_id, sender_id, body, created_at_client, created_at_server, sync_status, created_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, 0), ?, ?)`,
			m.LocalID, m.RemoteID, m.ConversationID, m.SenderID, m.Body, m.CreatedAtClient, m.CreatedAtServer, status, now); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		res.LocalID = m.LocalID
		res.Inserted = true
		res.Status = status
	} else {
		merged := *existing
		if merged.RemoteID == "" && m.RemoteID != "" {
			merged.RemoteID = m.RemoteID
			res.Acked = true
		}
		if merged.CreatedAtServer == 0 && m.CreatedAtServer > 0 {
			merged.CreatedAtServer = m.CreatedAtServer
		}
		if m.Body != "" {
			merged.Body = m.Body
		}
		if merged.SenderID == "" {
			merged.SenderID = m.SenderID
		}
		merged.SyncStatus = mergeStatus(existing.SyncStatus, m.SyncStatus)
		if _, err := tx.Exec(`
			UPDATE messages SET remote_id = NULLIF(?, ''), sender_id = ?, body = ?, created_at_server = NULLIF(?, 0), sync_status = ?
			WHERE local_id = ?`,
			merged.RemoteID, merged.SenderID, merged.Body, merged.CreatedAtServer, merged.SyncStatus, existing.LocalID); err != nil {
			return nil, fmt.Errorf("update message: %w", err)
		}
		res.LocalID = existing.LocalID
		res.Status = merged.SyncStatus
		m = &merged
	}

	unreadDelta := 0
	if res.Inserted && viewerID != "" && m.SenderID != viewerID && res.Status != StatusRead {
		unreadDelta = 1
	}
	if err := upsertConversationTx(tx, m.ConversationID, truncate(m.Body, 100), m.SortKey(), unreadDelta, now); err != nil {
		return nil, err
	}
	return res, nil
}

// findExisting matches by remote_id first, falling back to local_id. The
// local_id fallback is what turns a listener echo of our own write into an
// acknowledgment of the existing row instead of a duplicate.
func findExisting(tx *sql.Tx, m *Message) (*Message, error) {
	if m.RemoteID != "" {
		existing, err := scanMessageRow(tx.QueryRow(selectMessage+` WHERE remote_id = ?`, m.RemoteID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	if m.LocalID == "" {
		return nil, nil
	}
	existing, err := scanMessageRow(tx.QueryRow(selectMessage+` WHERE local_id = ?`, m.LocalID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return existing, nil
}

const selectMessage = `
	SELECT local_id, COALESCE(remote_id, ''), conversation_id, sender_id, body,
		created_at_client, COALESCE(created_at_server, 0), sync_status
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.LocalID, &m.RemoteID, &m.ConversationID, &m.SenderID, &m.Body,
		&m.CreatedAtClient, &m.CreatedAtServer, &m.SyncStatus)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns a message by local ID, or ErrNotFound.
func (db *DB) GetMessage(localID string) (*Message, error) {
	return scanMessageRow(db.QueryRow(selectMessage+` WHERE local_id = ?`, localID))
}

// GetMessageByRemoteID returns a message by remote ID, or ErrNotFound.
func (db *DB) GetMessageByRemoteID(remoteID string) (*Message, error) {
	return scanMessageRow(db.QueryRow(selectMessage+` WHERE remote_id = ?`, remoteID))
}

// ListMessages returns messages for a conversation newest-first using keyset
// pagination. Pending messages (no server timestamp) always sort after every
// acknowledged message. before is the last message of the previous page, or
// nil for the first page. The cursor is composite: server timestamps carry
// millisecond precision, so ties on the sort key are real and the local ID
// tie-break must appear in the predicate too or tied siblings fall between
// pages.
func (db *DB) ListMessages(conversationID string, before *Message, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := selectMessage + ` WHERE conversation_id = ?`
	args := []any{conversationID}
	if before != nil {
		pend := 0
		if !before.Acknowledged() {
			pend = 1
		}
		q += `
			AND ((created_at_server IS NULL) < ?
				OR ((created_at_server IS NULL) = ? AND COALESCE(created_at_server, created_at_client) < ?)
				OR ((created_at_server IS NULL) = ? AND COALESCE(created_at_server, created_at_client) = ? AND local_id < ?))`
		args = append(args, pend, pend, before.SortKey(), pend, before.SortKey(), before.LocalID)
	}
	q += `
		ORDER BY (created_at_server IS NULL) DESC, COALESCE(created_at_server, created_at_client) DESC, local_id DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// OldestAcknowledged returns the oldest message in the conversation that has
// a server timestamp, or ErrNotFound. The history loader uses it to decide
// whether the cache can serve a page without going remote.
func (db *DB) OldestAcknowledged(conversationID string) (*Message, error) {
	return scanMessageRow(db.QueryRow(selectMessage+`
		WHERE conversation_id = ? AND created_at_server IS NOT NULL
		ORDER BY created_at_server ASC LIMIT 1`, conversationID))
}

// MarkStatus updates a message's sync status through the same forward-only
// rule as UpsertMessage. Returns the resulting status.
func (db *DB) MarkStatus(localID, status string) (string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	existing, err := db.GetMessage(localID)
	if err != nil {
		return "", err
	}
	merged := mergeStatus(existing.SyncStatus, status)
	if merged == existing.SyncStatus {
		return merged, nil
	}
	if _, err := db.Exec(`UPDATE messages SET sync_status = ? WHERE local_id = ?`, merged, localID); err != nil {
		return "", err
	}
	return merged, nil
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
