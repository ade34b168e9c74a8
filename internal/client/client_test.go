package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/cache"
	"github.com/pigeonchat/pigeon/internal/chat"
	"github.com/pigeonchat/pigeon/internal/gateway"
	"github.com/pigeonchat/pigeon/internal/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]transport.Handler
	emits     []struct {
		event   string
		payload any
	}
	publishes []struct {
		event   string
		payload any
	}
	ackFn func(event string, payload any) (json.RawMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Publish(_ context.Context, event string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.publishes = append(f.publishes, struct {
		event   string
		payload any
	}{event, payload})
	ackFn := f.ackFn
	f.mu.Unlock()
	if ackFn != nil {
		return ackFn(event, payload)
	}
	return json.RawMessage(`{"success":true}`), nil
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, struct {
		event   string
		payload any
	}{event, payload})
	return nil
}

func (f *fakeTransport) Subscribe(event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	return func() {}
}

func (f *fakeTransport) push(event string, payload string) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(payload))
	}
}

func (f *fakeTransport) emitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	mu           sync.Mutex
	history      []*chat.Message
	historyErr   error
	historyGate  chan struct{} // when set, FetchHistory blocks until closed
	chattedUsers []*chat.Conversation
	searchHits   []chat.UserProfile
}

func (g *fakeGateway) FetchHistory(_ context.Context, _, _ int64, _, _ int) ([]*chat.Message, error) {
	g.mu.Lock()
	gate := g.historyGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	return g.history, nil
}

func (g *fakeGateway) FetchChattedUsers(_ context.Context, _ int64) ([]*chat.Conversation, error) {
	return g.chattedUsers, nil
}

func (g *fakeGateway) SearchUsers(_ context.Context, _ string) ([]chat.UserProfile, error) {
	return g.searchHits, nil
}

func (g *fakeGateway) AccessConversation(_ context.Context, counterpartID int64) (*gateway.AccessResult, error) {
	return &gateway.AccessResult{
		ConversationID: chat.ConversationKey(1, counterpartID),
		Other:          chat.UserProfile{ID: counterpartID, FirstName: "New"},
	}, nil
}

func newTestClient(t *testing.T, tr *fakeTransport, gw *fakeGateway) *Client {
	t.Helper()
	c := New(Options{
		Self:     1,
		Session:  tr,
		Gateway:  gw,
		Bus:      bus.NewBus(),
		Logger:   zap.NewNop(),
		Debounce: chat.NewDebouncer(10 * time.Millisecond),
	})
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartSeedsDirectoryFromGateway(t *testing.T) {
	gw := &fakeGateway{chattedUsers: []*chat.Conversation{
		{CounterpartID: 2, DisplayName: "Ana", LastMessageAt: time.Now()},
	}}
	c := newTestClient(t, newFakeTransport(), gw)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := c.Directory().Snapshot()
	if len(snap) != 1 || snap[0].CounterpartID != 2 {
		t.Fatalf("directory = %+v", snap)
	}
}

func TestLogoutClearsSessionState(t *testing.T) {
	tr := newFakeTransport()
	gw := &fakeGateway{chattedUsers: []*chat.Conversation{
		{CounterpartID: 2, DisplayName: "Ana", LastMessageAt: time.Now()},
	}}
	c := newTestClient(t, tr, gw)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.OpenConversation(context.Background(), 2)

	c.Logout()

	if snap := c.Directory().Snapshot(); len(snap) != 0 {
		t.Fatalf("directory after logout = %+v", snap)
	}
	if tl := c.ActiveTimeline(); tl != nil {
		t.Fatal("active timeline survived logout")
	}
}

func TestOpenConversationMarksAllReadAndAnnounces(t *testing.T) {
	tr := newFakeTransport()
	gw := &fakeGateway{history: []*chat.Message{
		{ID: 3, SenderID: 2, ReceiverID: 1, Body: "c", SentAt: time.Now(), State: chat.StateSent},
	}}
	c := newTestClient(t, tr, gw)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl := c.OpenConversation(context.Background(), 2)

	if tr.emitted(transport.EventMarkAllRead) != 1 {
		t.Error("expected one mark_all_read emit")
	}
	if tr.emitted(transport.EventOpenChat) != 1 {
		t.Error("expected one open_chat emit")
	}
	waitFor(t, func() bool { return len(tl.Snapshot()) == 1 }, "history never seeded")
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	tr := newFakeTransport()
	tr.ackFn = func(event string, payload any) (json.RawMessage, error) {
		p := payload.(sendPayload)
		ack := fmt.Sprintf(`{"success":true,"message":{"id":42,"clientId":%q,"senderId":"1","receiverId":"2","message":%q,"timestamp":"2026-08-29T10:00:00Z"}}`,
			p.ClientID, p.Message)
		return json.RawMessage(ack), nil
	}
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl := c.OpenConversation(context.Background(), 2)
	if err := c.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	snap := tl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len = %d, want exactly one entry", len(snap))
	}
	if snap[0].ID != 42 || snap[0].State != chat.StateSent {
		t.Errorf("confirmed entry: %+v", snap[0])
	}

	dir := c.Directory().Get(2)
	if dir == nil || dir.LastMessagePreview != "You: hello" {
		t.Errorf("directory entry: %+v", dir)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	tr := newFakeTransport()
	tr.ackFn = func(string, any) (json.RawMessage, error) {
		return nil, errors.New("socket gone")
	}
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	failures, unsub := c.bus.Subscribe(bus.KindMessageSendFailed, 1)
	defer unsub()

	tl := c.OpenConversation(context.Background(), 2)
	err := c.Send(context.Background(), "lost")
	if !errors.Is(err, chat.ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if got := len(tl.Snapshot()); got != 0 {
		t.Errorf("residual entries = %d after failed send", got)
	}
	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Error("no send-failed event published")
	}
}

func TestSendWithoutOpenConversation(t *testing.T) {
	c := newTestClient(t, newFakeTransport(), &fakeGateway{})
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, chat.ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
}

func TestInboundWhileOpenMarksReadImmediately(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl := c.OpenConversation(context.Background(), 2)
	waitFor(t, func() bool { return len(tl.Snapshot()) == 0 && tl.IsOpen() }, "timeline not open")

	tr.push(transport.EventReceiveMessage,
		`{"id":7,"senderId":"2","receiverId":"1","message":"hi","timestamp":"2026-08-29T10:00:00Z"}`)

	if tr.emitted(transport.EventMarkMessageRead) != 1 {
		t.Error("expected an immediate single-message receipt")
	}
	snap := tl.Snapshot()
	if len(snap) != 1 || snap[0].State != chat.StateSeen {
		t.Errorf("timeline = %+v", snap)
	}
	if got := c.Directory().Get(2).UnreadCount; got != 0 {
		t.Errorf("unread = %d for the open conversation", got)
	}
}

func TestInboundWhileClosedCountsUnread(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.push(transport.EventReceiveMessage,
		`{"id":8,"senderId":"3","receiverId":"1","message":"psst","timestamp":"2026-08-29T10:00:00Z"}`)

	if tr.emitted(transport.EventMarkMessageRead) != 0 {
		t.Error("receipt emitted for a closed conversation")
	}
	if got := c.Directory().Get(3).UnreadCount; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestDuplicateInboundIsNoOp(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	payload := `{"id":9,"senderId":"3","receiverId":"1","message":"once","timestamp":"2026-08-29T10:00:00Z"}`
	tr.push(transport.EventReceiveMessage, payload)
	tr.push(transport.EventReceiveMessage, payload)

	tl := c.timelineFor(3)
	if got := len(tl.Snapshot()); got != 1 {
		t.Errorf("timeline entries = %d, want 1", got)
	}
	if got := c.Directory().Get(3).UnreadCount; got != 1 {
		t.Errorf("unread = %d after redelivery, want 1", got)
	}
}

func TestRedeliveredOlderInboundLeavesDirectoryAlone(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	older := `{"id":10,"senderId":"3","receiverId":"1","message":"first","timestamp":"2026-08-29T10:00:00Z"}`
	tr.push(transport.EventReceiveMessage, older)
	tr.push(transport.EventReceiveMessage,
		`{"id":11,"senderId":"3","receiverId":"1","message":"second","timestamp":"2026-08-29T10:00:05Z"}`)
	tr.push(transport.EventReceiveMessage, older)

	if got := len(c.timelineFor(3).Snapshot()); got != 2 {
		t.Fatalf("timeline entries = %d, want 2", got)
	}
	conv := c.Directory().Get(3)
	if conv.UnreadCount != 2 {
		t.Errorf("unread = %d after redelivery, want 2", conv.UnreadCount)
	}
	if conv.LastMessagePreview != "second" {
		t.Errorf("preview = %q, want the newest body", conv.LastMessagePreview)
	}
}

func TestBulkReceiptFlowsToDirectoryAndTimeline(t *testing.T) {
	tr := newFakeTransport()
	tr.ackFn = func(_ string, payload any) (json.RawMessage, error) {
		p := payload.(sendPayload)
		return json.RawMessage(fmt.Sprintf(
			`{"success":true,"message":{"id":50,"clientId":%q,"senderId":"1","receiverId":"2","message":%q}}`,
			p.ClientID, p.Message)), nil
	}
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl := c.OpenConversation(context.Background(), 2)
	if err := c.Send(context.Background(), "read me"); err != nil {
		t.Fatal(err)
	}

	tr.push(transport.EventMessagesRead, `{"readBy":2,"count":1}`)

	if got := tl.Snapshot()[0].State; got != chat.StateSeen {
		t.Errorf("timeline state = %v, want seen", got)
	}
	if got := c.Directory().Get(2).LastMessageStatus; got != chat.StateSeen {
		t.Errorf("directory status = %v, want seen", got)
	}
}

func TestStaleHistoryDiscardedAcrossReopen(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	gw := &fakeGateway{
		historyGate: gate,
		history: []*chat.Message{
			{ID: 100, SenderID: 2, ReceiverID: 1, Body: "stale", SentAt: time.Now(), State: chat.StateSent},
		},
	}
	c := newTestClient(t, tr, gw)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Open A; its fetch blocks on the gate. Close it, open B.
	tlA := c.OpenConversation(context.Background(), 2)
	c.CloseConversation()

	gw.mu.Lock()
	gw.historyGate = nil
	gw.history = nil
	gw.mu.Unlock()
	tlB := c.OpenConversation(context.Background(), 3)

	close(gate) // A's fetch resolves now, after A was closed

	time.Sleep(50 * time.Millisecond)
	if got := len(tlA.Snapshot()); got != 0 {
		t.Errorf("closed timeline absorbed %d stale messages", got)
	}
	if got := len(tlB.Snapshot()); got != 0 {
		t.Errorf("timeline B contains %d foreign messages", got)
	}
}

func TestMessageSentEchoDedupes(t *testing.T) {
	tr := newFakeTransport()
	tr.ackFn = func(_ string, payload any) (json.RawMessage, error) {
		p := payload.(sendPayload)
		return json.RawMessage(fmt.Sprintf(
			`{"success":true,"message":{"id":60,"clientId":%q,"senderId":"1","receiverId":"2","message":%q}}`,
			p.ClientID, p.Message)), nil
	}
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl := c.OpenConversation(context.Background(), 2)
	if err := c.Send(context.Background(), "echo"); err != nil {
		t.Fatal(err)
	}

	// Server echoes the confirmed message after the ack already landed.
	tr.push(transport.EventMessageSent, `{"id":60,"senderId":"1","receiverId":"2","message":"echo"}`)

	if got := len(tl.Snapshot()); got != 1 {
		t.Errorf("echo duplicated the message: %d entries", got)
	}
}

func TestEchoBeforeAckKeepsSingleEntry(t *testing.T) {
	tr := newFakeTransport()
	tr.ackFn = func(_ string, payload any) (json.RawMessage, error) {
		p := payload.(sendPayload)
		// The correlation-free echo lands before the ack returns.
		tr.push(transport.EventMessageSent,
			`{"id":61,"senderId":"1","receiverId":"2","message":"hi"}`)
		return json.RawMessage(fmt.Sprintf(
			`{"success":true,"message":{"id":61,"clientId":%q,"senderId":"1","receiverId":"2","message":"hi"}}`,
			p.ClientID)), nil
	}
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl := c.OpenConversation(context.Background(), 2)
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	snap := tl.Snapshot()
	count := 0
	for _, m := range snap {
		if m.ID == 61 {
			count++
		}
	}
	if len(snap) != 1 || count != 1 {
		t.Fatalf("entries = %d (%d with id 61), want exactly one", len(snap), count)
	}
	if !snap[0].FromMe || snap[0].State < chat.StateSent {
		t.Errorf("surviving entry: %+v", snap[0])
	}
}

func TestSearchCachedMessagesFindsPersistedInbound(t *testing.T) {
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	tr := newFakeTransport()
	c := New(Options{
		Self:     1,
		Session:  tr,
		Gateway:  &fakeGateway{},
		Cache:    db,
		Bus:      bus.NewBus(),
		Logger:   zap.NewNop(),
		Debounce: chat.NewDebouncer(10 * time.Millisecond),
	})
	t.Cleanup(c.Stop)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr.push(transport.EventReceiveMessage,
		`{"id":70,"senderId":"3","receiverId":"1","message":"pigeons carry letters","timestamp":"2026-08-29T10:00:00Z"}`)

	hits, err := c.SearchCachedMessages("letters", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Message.ID != 70 {
		t.Fatalf("hits = %+v, want the persisted inbound message", hits)
	}
}

func TestStartConversationFromSearch(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(t, tr, &fakeGateway{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	tl, err := c.StartConversation(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if tl.CounterpartID() != 5 {
		t.Errorf("counterpart = %d", tl.CounterpartID())
	}
	if !c.Directory().Contains(5) {
		t.Error("directory entry not created from access call")
	}
}

func TestSearchAsyncPublishesResults(t *testing.T) {
	gw := &fakeGateway{searchHits: []chat.UserProfile{{ID: 4, FirstName: "Dana"}}}
	tr := newFakeTransport()
	c := newTestClient(t, tr, gw)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	results, unsub := c.bus.Subscribe(bus.KindDirectorySearch, 1)
	defer unsub()

	c.SearchAsync(context.Background(), "da")

	select {
	case evt := <-results:
		hits := evt.Payload.([]chat.UserProfile)
		if len(hits) != 1 || hits[0].ID != 4 {
			t.Errorf("hits = %+v", hits)
		}
	case <-time.After(time.Second):
		t.Fatal("no search results published")
	}
}
