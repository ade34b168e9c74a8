package cache

import (
	"database/sql"
	"time"

	"github.com/pigeonchat/pigeon/internal/chat"
)

// SearchResult is one full-text match with a highlighted snippet.
type SearchResult struct {
	Message *chat.Message
	Snippet string
}

// SearchMessages performs a full-text search over cached message bodies.
// Pass a conversation id to scope the search to one conversation.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.server_id, m.conversation_id, m.sender_id, m.receiver_id,
		       m.body, m.kind, m.sent_at, m.from_me, m.state,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid_pk = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			m      chat.Message
			sentAt int64
			state  int
			r      SearchResult
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Body, &m.Kind, &sentAt, &m.FromMe, &state, &r.Snippet); err != nil {
			return nil, err
		}
		m.SentAt = time.UnixMilli(sentAt)
		m.State = chat.DeliveryState(state)
		r.Message = &m
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*chat.Message, error) {
	var msgs []*chat.Message
	for rows.Next() {
		var (
			m      chat.Message
			sentAt int64
			state  int
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Body, &m.Kind, &sentAt, &m.FromMe, &state); err != nil {
			return nil, err
		}
		m.SentAt = time.UnixMilli(sentAt)
		m.State = chat.DeliveryState(state)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
