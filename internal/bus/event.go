package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, so "directory." matches every directory event and so on.
const (
	KindDirectoryUpdated = "directory.updated"
	KindDirectorySearch  = "directory.search_results"

	KindTimelineUpdated = "timeline.updated"

	KindMessageSendFailed = "message.send_failed"

	KindSessionStateChanged = "session.state_changed"
	KindSessionConnected    = "session.connected"
	KindSessionDisconnected = "session.disconnected"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// New builds an event stamped with the current time.
func New(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
