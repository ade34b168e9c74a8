package gateway

import (
	"encoding/json"
	"time"

	"github.com/pigeonchat/pigeon/internal/chat"
)

// Raw record shapes of the REST collaborator. The history endpoints speak
// snake_case; see the client package for the camelCase shapes pushed over
// the socket.

type historyResponse struct {
	Success  bool          `json:"success"`
	Messages []wireMessage `json:"messages"`
	Total    int           `json:"total"`
}

type wireMessage struct {
	ID          int64     `json:"id"`
	SenderID    int64     `json:"sender_id"`
	ReceiverID  int64     `json:"receiver_id"`
	MessageText string    `json:"message_text"`
	MessageType string    `json:"message_type"`
	ChatID      string    `json:"chat_id"`
	Timestamp   time.Time `json:"timestamp"`
	IsRead      bool      `json:"is_read"`
}

func (w wireMessage) toMessage(self int64) *chat.Message {
	state := chat.StateSent
	if w.IsRead {
		state = chat.StateSeen
	}
	conversationID := w.ChatID
	if conversationID == "" {
		conversationID = chat.ConversationKey(w.SenderID, w.ReceiverID)
	}
	kind := w.MessageType
	if kind == "" {
		kind = "text"
	}
	return &chat.Message{
		ID:             w.ID,
		ConversationID: conversationID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Body:           w.MessageText,
		Kind:           kind,
		SentAt:         w.Timestamp,
		FromMe:         w.SenderID == self,
		State:          state,
	}
}

type wireChattedUser struct {
	ID                  int64     `json:"id"`
	FirstName           string    `json:"first_name"`
	LastName            string    `json:"last_name"`
	Username            string    `json:"user_name"`
	ProfilePicture      string    `json:"profile_picture"`
	LastMessage         string    `json:"last_message"`
	LastMessageTime     time.Time `json:"last_message_time"`
	UnreadCount         int       `json:"unread_count"`
	IsLastMessageFromMe bool      `json:"is_last_message_from_me"`
	MessageStatus       string    `json:"message_status"`
}

func (w wireChattedUser) toConversation() *chat.Conversation {
	profile := chat.UserProfile{
		ID:        w.ID,
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Username:  w.Username,
		AvatarRef: w.ProfilePicture,
	}
	preview := w.LastMessage
	if w.IsLastMessageFromMe && preview != "" {
		preview = "You: " + preview
	}
	return &chat.Conversation{
		CounterpartID:      w.ID,
		DisplayName:        profile.DisplayName(),
		Username:           w.Username,
		AvatarRef:          w.ProfilePicture,
		LastMessagePreview: preview,
		LastMessageAt:      w.LastMessageTime,
		UnreadCount:        w.UnreadCount,
		LastMessageFromMe:  w.IsLastMessageFromMe,
		LastMessageStatus:  chat.ParseDeliveryState(w.MessageStatus),
	}
}

type wireUser struct {
	ID             int64  `json:"id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Username       string `json:"user_name"`
	ProfilePicture string `json:"profile_picture"`
}

func (w wireUser) toProfile() chat.UserProfile {
	return chat.UserProfile{
		ID:        w.ID,
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Username:  w.Username,
		AvatarRef: w.ProfilePicture,
	}
}

// unwrapList decodes either a wrapped list ({"key": [...]}) or a bare JSON
// array, which the server emits interchangeably across versions.
func unwrapList(data []byte, key string, out any) error {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if raw, ok := wrapped[key]; ok {
			return json.Unmarshal(raw, out)
		}
		// Wrapped object without the key: treat as empty.
		if len(wrapped) > 0 {
			return nil
		}
	}
	return json.Unmarshal(data, out)
}
