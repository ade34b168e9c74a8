package cache

import (
	"time"

	"github.com/pigeonchat/pigeon/internal/chat"
)

// UpsertMessage stores a confirmed message, idempotent on the conversation
// plus server id. The delivery state only moves forward so a redelivered
// 'sent' copy never downgrades a row already at 'seen'.
func (db *DB) UpsertMessage(m *chat.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (server_id, conversation_id, sender_id, receiver_id,
			body, kind, sent_at, from_me, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, server_id) DO UPDATE SET
			body = excluded.body,
			state = MAX(state, excluded.state)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID,
		m.Body, m.Kind, m.SentAt.UnixMilli(), m.FromMe, int(m.State), now)
	return err
}

// MarkMessageSeen advances one message to the 'seen' state.
func (db *DB) MarkMessageSeen(conversationID string, serverID int64) error {
	_, err := db.Exec(`
		UPDATE messages
		SET state = ?
		WHERE conversation_id = ? AND server_id = ? AND state < ?`,
		int(chat.StateSeen), conversationID, serverID, int(chat.StateSeen))
	return err
}

// MarkMessagesSeen advances every message a counterpart sent us (or, with
// fromMe=true, every message we sent them) to the 'seen' state.
func (db *DB) MarkMessagesSeen(conversationID string, fromMe bool) error {
	_, err := db.Exec(`
		UPDATE messages
		SET state = ?
		WHERE conversation_id = ? AND from_me = ? AND state < ?`,
		int(chat.StateSeen), conversationID, fromMe, int(chat.StateSeen))
	return err
}

// ListMessages returns cached messages for a conversation using keyset
// pagination by send time, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT server_id, conversation_id, sender_id, receiver_id,
			body, kind, sent_at, from_me, state
		FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}
