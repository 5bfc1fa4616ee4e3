package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// upsertConversationTx keeps the denormalized conversation fields in step
// with a message write, inside the message's own transaction. Activity is
// monotonic: an older message never rolls back last_activity_at or the
// preview.
func upsertConversationTx(tx *sql.Tx, conversationID, preview string, activityAt int64, unreadDelta int, now int64) error {
	_, err := tx.Exec(`
		INSERT INTO conversations (id, last_message_preview, last_activity_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			last_message_preview = CASE WHEN excluded.last_activity_at >= conversations.last_activity_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			unread_count = conversations.unread_count + excluded.unread_count,
			updated_at = excluded.updated_at`,
		conversationID, preview, activityAt, unreadDelta, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// UpsertConversation inserts or updates a conversation's identity fields.
// Participant IDs are stored sorted so that set equality survives encoding.
func (db *DB) UpsertConversation(c *Conversation) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	participants := append([]string(nil), c.ParticipantIDs...)
	sort.Strings(participants)
	encoded, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, last_message_preview, last_activity_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.ID, string(encoded), c.LastMessagePreview, c.LastActivityAt, c.UnreadCount, now)
	return err
}

// ListConversations returns conversations ordered by most recent activity.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_ids, last_message_preview, last_activity_at, unread_count
		FROM conversations
		ORDER BY last_activity_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by ID, or ErrNotFound.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	return scanConversation(db.QueryRow(`
		SELECT id, participant_ids, last_message_preview, last_activity_at, unread_count
		FROM conversations WHERE id = ?`, id))
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants string
	err := row.Scan(&c.ID, &participants, &c.LastMessagePreview, &c.LastActivityAt, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
	}
	return &c, nil
}

// MarkConversationRead zeroes the unread counter for a conversation.
func (db *DB) MarkConversationRead(id string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}
