package chat

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pigeonchat/pigeon/internal/bus"
)

// UserSearcher is the gateway call the Directory delegates user search to.
type UserSearcher interface {
	SearchUsers(ctx context.Context, query string) ([]UserProfile, error)
}

// Directory holds the ordered list of conversation summaries, one per
// counterpart, sorted by last activity descending. All mutations go through
// its methods; it owns the list exclusively.
type Directory struct {
	mu       sync.Mutex
	self     int64
	ordered  []*Conversation
	byID     map[int64]*Conversation
	active   int64 // counterpart of the open timeline, 0 when none
	searcher UserSearcher
	bus      *bus.Bus
}

func NewDirectory(self int64, searcher UserSearcher, b *bus.Bus) *Directory {
	return &Directory{
		self:     self,
		byID:     make(map[int64]*Conversation),
		searcher: searcher,
		bus:      b,
	}
}

// Seed replaces the directory contents with the given summaries, most
// recent first. Summaries arriving pre-sorted keep their relative order for
// equal timestamps.
func (d *Directory) Seed(summaries []*Conversation) {
	d.mu.Lock()
	d.ordered = d.ordered[:0]
	d.byID = make(map[int64]*Conversation, len(summaries))
	for _, s := range summaries {
		if _, dup := d.byID[s.CounterpartID]; dup {
			continue
		}
		d.ordered = append(d.ordered, s)
		d.byID[s.CounterpartID] = s
	}
	d.sortLocked()
	d.mu.Unlock()
	d.notify()
}

// stable insertion sort by LastMessageAt descending; summaries mostly arrive
// sorted already, so this is close to a single pass.
func (d *Directory) sortLocked() {
	for i := 1; i < len(d.ordered); i++ {
		for j := i; j > 0 && d.ordered[j].LastMessageAt.After(d.ordered[j-1].LastMessageAt); j-- {
			d.ordered[j], d.ordered[j-1] = d.ordered[j-1], d.ordered[j]
		}
	}
}

// ApplyMessage reconciles a confirmed inbound or outbound message into the
// directory: the counterpart's summary is created if missing, its preview
// and activity timestamp updated, unread count bumped for inbound messages
// to a non-active conversation, and the summary moved to the front.
func (d *Directory) ApplyMessage(m *Message) {
	counterpart := m.CounterpartID(d.self)

	d.mu.Lock()
	s, ok := d.byID[counterpart]
	if !ok {
		s = &Conversation{
			CounterpartID: counterpart,
			DisplayName:   UserProfile{ID: counterpart}.DisplayName(),
		}
		d.byID[counterpart] = s
		d.ordered = append([]*Conversation{s}, d.ordered...)
	}

	// The transport can redeliver a confirmed message; the same id must not
	// bump the unread count twice.
	redelivered := m.ID != 0 && m.ID == s.lastMessageID

	s.LastMessagePreview = previewFor(m)
	if m.SentAt.After(s.LastMessageAt) {
		s.LastMessageAt = m.SentAt
	}
	s.LastMessageFromMe = m.FromMe
	s.LastMessageStatus = m.State
	if m.ID != 0 {
		s.lastMessageID = m.ID
	}
	if !m.FromMe && counterpart != d.active && !redelivered {
		s.UnreadCount++
	}
	d.moveToFrontLocked(s)
	d.mu.Unlock()
	d.notify()
}

func previewFor(m *Message) string {
	if m.FromMe {
		return "You: " + m.Body
	}
	return m.Body
}

func (d *Directory) moveToFrontLocked(s *Conversation) {
	for i, cur := range d.ordered {
		if cur == s {
			copy(d.ordered[1:i+1], d.ordered[:i])
			d.ordered[0] = s
			return
		}
	}
}

// ApplyReadReceipt flips the last-message status to seen when a bulk receipt
// from a counterpart covers a conversation whose last message is ours.
func (d *Directory) ApplyReadReceipt(r ReadReceipt) {
	d.mu.Lock()
	s, ok := d.byID[r.ReadBy]
	changed := false
	if ok && s.LastMessageFromMe && s.LastMessageStatus != StateSeen {
		if r.Bulk() || r.MessageID == s.lastMessageID {
			s.LastMessageStatus = StateSeen
			changed = true
		}
	}
	d.mu.Unlock()
	if changed {
		d.notify()
	}
}

// MarkOpened resets the unread count for the counterpart's conversation and
// records it as the active one, so inbound messages stop counting as unread.
func (d *Directory) MarkOpened(counterpartID int64) {
	d.mu.Lock()
	d.active = counterpartID
	s, ok := d.byID[counterpartID]
	changed := ok && s.UnreadCount != 0
	if ok {
		s.UnreadCount = 0
	}
	d.mu.Unlock()
	if changed {
		d.notify()
	}
}

// ClearActive is called when the open timeline closes; inbound messages
// count as unread again.
func (d *Directory) ClearActive() {
	d.mu.Lock()
	d.active = 0
	d.mu.Unlock()
}

// Contains reports whether a summary exists for the counterpart.
func (d *Directory) Contains(counterpartID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byID[counterpartID]
	return ok
}

// Get returns a copy of one summary, or nil when absent.
func (d *Directory) Get(counterpartID int64) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byID[counterpartID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Snapshot returns a copy of the ordered summaries for rendering.
func (d *Directory) Snapshot() []*Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conversation, len(d.ordered))
	for i, s := range d.ordered {
		cp := *s
		out[i] = &cp
	}
	return out
}

// Search delegates to the gateway, filtering out the current user and any
// counterpart already present in the directory. Queries shorter than two
// characters return empty without a network call.
func (d *Directory) Search(ctx context.Context, query string) ([]UserProfile, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < 2 {
		return nil, nil
	}

	results, err := d.searcher.SearchUsers(ctx, query)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	filtered := results[:0]
	for _, u := range results {
		if u.ID == d.self {
			continue
		}
		if _, known := d.byID[u.ID]; known {
			continue
		}
		filtered = append(filtered, u)
	}
	d.mu.Unlock()
	return filtered, nil
}

func (d *Directory) notify() {
	if d.bus != nil {
		d.bus.Publish(bus.New(bus.KindDirectoryUpdated, nil))
	}
}
