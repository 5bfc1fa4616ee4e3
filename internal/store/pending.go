package store

import (
	"database/sql"
	"time"
)

// EnqueuePendingWrite records a send intent for a message, together with the
// message row itself when both must appear or neither. The retry manager is
// the only component that mutates these records afterwards.
func (db *DB) EnqueuePendingWrite(localID, conversationID string, nextAttemptAt int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO pending_writes (local_id, conversation_id, attempt_count, next_attempt_at, created_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			attempt_count = 0,
			next_attempt_at = excluded.next_attempt_at,
			last_error = ''`,
		localID, conversationID, nextAttemptAt, now)
	return err
}

// RecordAttemptFailure bumps the attempt counter and schedules the next try.
func (db *DB) RecordAttemptFailure(localID string, nextAttemptAt int64, lastError string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`
		UPDATE pending_writes
		SET attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?
		WHERE local_id = ?`,
		nextAttemptAt, lastError, localID)
	return err
}

// DeletePendingWrite removes a write intent (acknowledged or given up on).
func (db *DB) DeletePendingWrite(localID string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`DELETE FROM pending_writes WHERE local_id = ?`, localID)
	return err
}

// GetPendingWrite returns a single write intent, or ErrNotFound.
func (db *DB) GetPendingWrite(localID string) (*PendingWrite, error) {
	return scanPendingWrite(db.QueryRow(selectPending+` WHERE local_id = ?`, localID))
}

// ListPendingWrites returns all outstanding write intents in original send
// order. The retry manager drains each conversation's intents in this order
// to preserve conversational causality.
func (db *DB) ListPendingWrites() ([]PendingWrite, error) {
	rows, err := db.Query(selectPending + ` ORDER BY created_at ASC, local_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var writes []PendingWrite
	for rows.Next() {
		w, err := scanPendingWrite(rows)
		if err != nil {
			return nil, err
		}
		writes = append(writes, *w)
	}
	return writes, rows.Err()
}

const selectPending = `
	SELECT local_id, conversation_id, attempt_count, next_attempt_at, last_error, created_at
	FROM pending_writes`

func scanPendingWrite(row rowScanner) (*PendingWrite, error) {
	var w PendingWrite
	err := row.Scan(&w.LocalID, &w.ConversationID, &w.AttemptCount, &w.NextAttemptAt, &w.LastError, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
