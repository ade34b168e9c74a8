package cache

import (
	"database/sql"
	"time"

	"github.com/pigeonchat/pigeon/internal/chat"
)

// UpsertConversation inserts or replaces the summary for a conversation.
func (db *DB) UpsertConversation(id string, c *chat.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, counterpart_id, display_name, username, avatar_ref,
			last_message_preview, last_message_at, unread_count, last_message_from_me,
			last_message_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			avatar_ref = excluded.avatar_ref,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			last_message_from_me = excluded.last_message_from_me,
			last_message_status = excluded.last_message_status,
			updated_at = excluded.updated_at`,
		id, c.CounterpartID, c.DisplayName, c.Username, c.AvatarRef,
		c.LastMessagePreview, c.LastMessageAt.UnixMilli(), c.UnreadCount,
		c.LastMessageFromMe, int(c.LastMessageStatus), now)
	return err
}

// ListConversations returns cached summaries sorted by last activity,
// most recent first.
func (db *DB) ListConversations(limit int) ([]*chat.Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT counterpart_id, display_name, username, avatar_ref,
			last_message_preview, last_message_at, unread_count,
			last_message_from_me, last_message_status
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*chat.Conversation
	for rows.Next() {
		var (
			c      chat.Conversation
			lastAt int64
			status int
		)
		if err := rows.Scan(&c.CounterpartID, &c.DisplayName, &c.Username, &c.AvatarRef,
			&c.LastMessagePreview, &lastAt, &c.UnreadCount,
			&c.LastMessageFromMe, &status); err != nil {
			return nil, err
		}
		c.LastMessageAt = time.UnixMilli(lastAt)
		c.LastMessageStatus = chat.DeliveryState(status)
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single cached summary, or nil when absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	var (
		c      chat.Conversation
		lastAt int64
		status int
	)
	err := db.QueryRow(`
		SELECT counterpart_id, display_name, username, avatar_ref,
			last_message_preview, last_message_at, unread_count,
			last_message_from_me, last_message_status
		FROM conversations
		WHERE id = ?`, id).
		Scan(&c.CounterpartID, &c.DisplayName, &c.Username, &c.AvatarRef,
			&c.LastMessagePreview, &lastAt, &c.UnreadCount,
			&c.LastMessageFromMe, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = time.UnixMilli(lastAt)
	c.LastMessageStatus = chat.DeliveryState(status)
	return &c, nil
}
