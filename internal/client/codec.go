package client

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pigeonchat/pigeon/internal/chat"
)

// flexID decodes an id the server sends as either a JSON number or a
// quoted numeric string, which varies by event.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return err
		}
		s = unquoted
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

// socketMessage is the camelCase message shape carried on live events,
// distinct from the snake_case REST history shape.
type socketMessage struct {
	ID          flexID `json:"id"`
	ClientID    string `json:"clientId,omitempty"`
	SenderID    flexID `json:"senderId"`
	ReceiverID  flexID `json:"receiverId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	IsRead      bool   `json:"isRead,omitempty"`
}

func (w socketMessage) toMessage(self int64) *chat.Message {
	sender, receiver := int64(w.SenderID), int64(w.ReceiverID)
	conv := w.ChatID
	if conv == "" {
		conv = chat.ConversationKey(sender, receiver)
	}
	kind := w.MessageType
	if kind == "" {
		kind = "text"
	}
	state := chat.StateSent
	if w.IsRead {
		state = chat.StateSeen
	}
	sentAt := time.Now()
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			sentAt = ts
		}
	}
	return &chat.Message{
		ID:             int64(w.ID),
		ClientID:       w.ClientID,
		ConversationID: conv,
		SenderID:       sender,
		ReceiverID:     receiver,
		Body:           w.Message,
		Kind:           kind,
		SentAt:         sentAt,
		FromMe:         sender == self,
		State:          state,
	}
}

// sendPayload is the send_message publish body. The clientId rides along so
// the echo event can be correlated even when the ack is lost to a reconnect.
type sendPayload struct {
	ClientID    string `json:"clientId"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
	ChatID      string `json:"chatId"`
}

type sendAck struct {
	Success bool          `json:"success"`
	Message socketMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

type messageReadEvent struct {
	MessageID flexID `json:"messageId"`
	ReadBy    flexID `json:"readBy"`
	ReadAt    string `json:"readAt"`
}

func (e messageReadEvent) toReceipt() chat.ReadReceipt {
	r := chat.ReadReceipt{MessageID: int64(e.MessageID), ReadBy: int64(e.ReadBy)}
	if e.ReadAt != "" {
		if ts, err := time.Parse(time.RFC3339, e.ReadAt); err == nil {
			r.ReadAt = ts
		}
	}
	return r
}

type messagesReadEvent struct {
	ReadBy flexID `json:"readBy"`
	Count  int    `json:"count"`
}

func (e messagesReadEvent) toReceipt() chat.ReadReceipt {
	return chat.ReadReceipt{ReadBy: int64(e.ReadBy), Count: e.Count}
}

type markMessageReadPayload struct {
	MessageID int64  `json:"messageId"`
	UserID    string `json:"userId"`
}

// markAllReadPayload and presencePayload carry ids as strings, matching the
// server's expectation for these events.
type markAllReadPayload struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

type presencePayload struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }
