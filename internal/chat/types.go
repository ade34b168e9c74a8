package chat

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryState tracks how far a message has progressed toward being read.
// The order is monotonic: a message never regresses from Seen back to Sent.
type DeliveryState int

const (
	StateSending DeliveryState = iota
	StateSent
	StateDelivered
	StateSeen
)

var stateNames = map[DeliveryState]string{
	StateSending:   "sending",
	StateSent:      "sent",
	StateDelivered: "delivered",
	StateSeen:      "seen",
}

func (s DeliveryState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

// ParseDeliveryState maps a wire status string to a DeliveryState.
// Unknown values map to Sent, the weakest confirmed state.
func ParseDeliveryState(s string) DeliveryState {
	switch strings.ToLower(s) {
	case "sending":
		return StateSending
	case "delivered":
		return StateDelivered
	case "seen", "read":
		return StateSeen
	default:
		return StateSent
	}
}

// Message is one chat message. ID is server-assigned and zero until the send
// is acknowledged; ClientID is the client-generated correlation token that
// links an optimistic entry to its confirmed counterpart.
type Message struct {
	ID             int64
	ClientID       string
	ConversationID string
	SenderID       int64
	ReceiverID     int64
	Body           string
	Kind           string // only "text" is functionally implemented
	SentAt         time.Time
	FromMe         bool
	State          DeliveryState
}

// CounterpartID returns the other user in the message's conversation,
// given the local user id.
func (m *Message) CounterpartID(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation is one entry of the Directory: the summary of a one-to-one
// conversation with a single counterpart user.
type Conversation struct {
	CounterpartID      int64
	DisplayName        string
	Username           string
	AvatarRef          string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
	LastMessageFromMe  bool
	LastMessageStatus  DeliveryState

	// lastMessageID suppresses double-counting when the transport redelivers
	// the same confirmed message.
	lastMessageID int64
}

// UserProfile is a raw user record as returned by the search and
// chatted-users gateway calls.
type UserProfile struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	AvatarRef string
}

// DisplayName derives the name shown for a user: first+last name, else
// username, else a "User {id}" fallback.
func (p UserProfile) DisplayName() string {
	full := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if full != "" {
		return full
	}
	if p.Username != "" {
		return p.Username
	}
	return fmt.Sprintf("User %d", p.ID)
}

// ConversationKey builds the canonical conversation id for a user pair, the
// smaller id first, matching the server's room naming.
func ConversationKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d_%d", a, b)
}

// ReadReceipt is either a single-message receipt (MessageID set) or a bulk
// "all messages from ReadBy marked read" receipt (MessageID zero).
type ReadReceipt struct {
	MessageID int64
	ReadBy    int64
	ReadAt    time.Time
	Count     int
}

// Bulk reports whether the receipt covers all messages rather than one.
func (r ReadReceipt) Bulk() bool { return r.MessageID == 0 }
