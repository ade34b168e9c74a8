package chat

import (
	"sort"
	"sync"

	"github.com/pigeonchat/pigeon/internal/bus"
)

// Timeline is the ordered message log for one conversation. Messages are
// kept in sentAt-ascending order; live events append in arrival order, and
// a later history seed is merged in beneath them.
//
// An open/close epoch guards against a history fetch started for one open
// session landing after the timeline was closed and reopened (or a different
// conversation took its place as the active one).
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	counterpartID  int64
	self           int64

	msgs     []*Message
	byID     map[int64]*Message
	byClient map[string]*Message

	epoch int
	open  bool

	bus *bus.Bus
}

func NewTimeline(conversationID string, counterpartID, self int64, b *bus.Bus) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		counterpartID:  counterpartID,
		self:           self,
		byID:           make(map[int64]*Message),
		byClient:       make(map[string]*Message),
		bus:            b,
	}
}

func (t *Timeline) ConversationID() string { return t.conversationID }
func (t *Timeline) CounterpartID() int64   { return t.counterpartID }

// BeginOpen marks the timeline open and returns the epoch token that a
// subsequent SeedHistory call must present. A fetch begun under an older
// epoch is discarded on arrival.
func (t *Timeline) BeginOpen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	t.open = true
	return t.epoch
}

// Close marks the timeline inactive. Local state is kept for fast reopen.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.open = false
	t.epoch++
	t.mu.Unlock()
}

// IsOpen reports whether this timeline is the active one.
func (t *Timeline) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// SeedHistory merges a fetched history page (server order, newest first)
// beneath any live messages that arrived while the fetch was in flight.
// A stale epoch means the timeline was closed or reopened meanwhile; the
// page is dropped to avoid corrupting the now-active state.
func (t *Timeline) SeedHistory(epoch int, page []*Message) bool {
	t.mu.Lock()
	if epoch != t.epoch || !t.open {
		t.mu.Unlock()
		return false
	}

	added := false
	for _, m := range page {
		if m.ID != 0 {
			if _, dup := t.byID[m.ID]; dup {
				continue
			}
			t.byID[m.ID] = m
		}
		t.msgs = append(t.msgs, m)
		added = true
	}
	if added {
		sort.SliceStable(t.msgs, func(i, j int) bool {
			return t.msgs[i].SentAt.Before(t.msgs[j].SentAt)
		})
	}
	t.mu.Unlock()
	if added {
		t.notify()
	}
	return true
}

// AppendOptimistic adds a locally-sent message in the Sending state. It is
// replaced in place when the confirmation for its ClientID arrives.
func (t *Timeline) AppendOptimistic(m *Message) {
	t.mu.Lock()
	m.State = StateSending
	m.FromMe = true
	t.msgs = append(t.msgs, m)
	t.byClient[m.ClientID] = m
	t.mu.Unlock()
	t.notify()
}

// Confirm replaces the optimistic entry matching the correlation id with
// the server-confirmed message, in place. A Seen state that raced in via a
// concurrent receipt wins over the confirmation's weaker state. If the server
// echo for the same id already landed in the log, the optimistic copy is
// dropped in its favor. Without a matching optimistic entry the confirmed
// message is appended, deduped by id.
func (t *Timeline) Confirm(clientID string, confirmed *Message) {
	t.mu.Lock()
	m, ok := t.byClient[clientID]
	if !ok {
		t.applyInboundLocked(confirmed)
		t.mu.Unlock()
		t.notify()
		return
	}
	delete(t.byClient, clientID)

	if confirmed.ID != 0 {
		if echo, dup := t.byID[confirmed.ID]; dup && echo != m {
			// The server echo for this send raced in ahead of the ack and
			// was already appended. Keep that copy and drop the optimistic
			// one, so the id maps to exactly one entry.
			for i, cur := range t.msgs {
				if cur == m {
					t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
					break
				}
			}
			echo.FromMe = true
			if confirmed.State > echo.State {
				echo.State = confirmed.State
			}
			t.mu.Unlock()
			t.notify()
			return
		}
	}

	m.ID = confirmed.ID
	m.Body = confirmed.Body
	if !confirmed.SentAt.IsZero() {
		m.SentAt = confirmed.SentAt
	}
	if confirmed.State > m.State {
		m.State = confirmed.State
	} else if m.State == StateSending {
		m.State = StateSent
	}
	if m.ID != 0 {
		t.byID[m.ID] = m
	}
	t.mu.Unlock()
	t.notify()
}

// RemoveOptimistic rolls back a failed send. The removed message is
// returned so the caller can surface it (for input repopulation).
func (t *Timeline) RemoveOptimistic(clientID string) *Message {
	t.mu.Lock()
	m, ok := t.byClient[clientID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.byClient, clientID)
	for i, cur := range t.msgs {
		if cur == m {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.notify()
	return m
}

// ApplyInbound appends a live message, deduped by server id. Returns true
// when the message was new.
func (t *Timeline) ApplyInbound(m *Message) bool {
	t.mu.Lock()
	added := t.applyInboundLocked(m)
	t.mu.Unlock()
	if added {
		t.notify()
	}
	return added
}

func (t *Timeline) applyInboundLocked(m *Message) bool {
	if m.ID != 0 {
		if _, dup := t.byID[m.ID]; dup {
			return false
		}
		t.byID[m.ID] = m
	}
	// Arrival order, no re-sort: the transport delivers in order.
	t.msgs = append(t.msgs, m)
	return true
}

// ApplyReceipt advances delivery states. A single-message receipt moves
// exactly one message to Seen by id; a bulk receipt moves every message of
// ours. Already-seen messages are left alone, so reapplying is a no-op.
func (t *Timeline) ApplyReceipt(r ReadReceipt) {
	t.mu.Lock()
	changed := false
	if r.Bulk() {
		for _, m := range t.msgs {
			if m.FromMe && m.State < StateSeen {
				m.State = StateSeen
				changed = true
			}
		}
	} else if m, ok := t.byID[r.MessageID]; ok && m.State < StateSeen {
		m.State = StateSeen
		changed = true
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// MarkInboundSeen flips every counterpart message to Seen locally, mirroring
// the bulk mark-all-read we just asked the server for.
func (t *Timeline) MarkInboundSeen() {
	t.mu.Lock()
	changed := false
	for _, m := range t.msgs {
		if !m.FromMe && m.State < StateSeen {
			m.State = StateSeen
			changed = true
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// UnreadInbound returns the ids of counterpart messages not yet seen.
func (t *Timeline) UnreadInbound() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int64
	for _, m := range t.msgs {
		if !m.FromMe && m.State < StateSeen && m.ID != 0 {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Snapshot returns a copy of the log in chronological order.
func (t *Timeline) Snapshot() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, len(t.msgs))
	for i, m := range t.msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}

func (t *Timeline) notify() {
	if t.bus != nil {
		t.bus.Publish(bus.New(bus.KindTimelineUpdated, t.conversationID))
	}
}
