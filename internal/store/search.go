package store

// SearchMessages performs a full-text search on message bodies. Results come
// back newest-first; the fts4 module has no relevance ranking.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.local_id, COALESCE(m.remote_id, ''), m.conversation_id, m.sender_id, m.body,
		       m.created_at_client, COALESCE(m.created_at_server, 0), m.sync_status,
		       snippet(messages_fts, '<<', '>>', '...', 0, 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY COALESCE(m.created_at_server, m.created_at_client) DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.LocalID, &r.Message.RemoteID, &r.Message.ConversationID,
			&r.Message.SenderID, &r.Message.Body,
			&r.Message.CreatedAtClient, &r.Message.CreatedAtServer,
			&r.Message.SyncStatus, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
