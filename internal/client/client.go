// Package client ties the transport session, the history gateway, the
// conversation directory, and per-conversation timelines into the single
// object the presentation layer talks to.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/cache"
	"github.com/pigeonchat/pigeon/internal/chat"
	"github.com/pigeonchat/pigeon/internal/gateway"
	"github.com/pigeonchat/pigeon/internal/transport"
)

// Gateway is the request/response surface the client depends on; the
// concrete implementation is gateway.Client.
type Gateway interface {
	chat.UserSearcher
	chat.HistoryFetcher
	FetchChattedUsers(ctx context.Context, userID int64) ([]*chat.Conversation, error)
	AccessConversation(ctx context.Context, counterpartID int64) (*gateway.AccessResult, error)
}

// Transport is the live-event surface the client depends on; the concrete
// implementation is transport.Session.
type Transport interface {
	Connect(ctx context.Context, userID int64) error
	Disconnect()
	Publish(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Emit(event string, payload any) error
	Subscribe(event string, h transport.Handler) (cancel func())
}

// Client is the synchronization core for one signed-in user.
type Client struct {
	self    int64
	session Transport
	gateway Gateway
	db      *cache.DB // nil disables the local cache

	directory  *chat.Directory
	receipts   *chat.Receipts
	reconciler *chat.Reconciler
	debounce   *chat.Debouncer

	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu        sync.Mutex
	timelines map[int64]*chat.Timeline
	active    *chat.Timeline
	cancels   []func()
}

// Options groups the collaborators for New.
type Options struct {
	Self       int64
	Session    Transport
	Gateway    Gateway
	Cache      *cache.DB
	Bus        *bus.Bus
	Logger     *zap.Logger
	Debounce   *chat.Debouncer
	Reconciler *chat.Reconciler
	PageSize   int
}

func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	c := &Client{
		self:       opts.Self,
		session:    opts.Session,
		gateway:    opts.Gateway,
		db:         opts.Cache,
		bus:        opts.Bus,
		logger:     opts.Logger,
		debounce:   opts.Debounce,
		reconciler: opts.Reconciler,
		pageSize:   opts.PageSize,
		timelines:  make(map[int64]*chat.Timeline),
	}
	c.directory = chat.NewDirectory(opts.Self, opts.Gateway, opts.Bus)
	c.receipts = chat.NewReceipts(c, c.directory)
	return c
}

// Directory exposes the conversation list for rendering.
func (c *Client) Directory() *chat.Directory { return c.directory }

// ActiveTimeline returns the open timeline, or nil.
func (c *Client) ActiveTimeline() *chat.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start warms the directory from the local cache, connects the transport,
// registers the live-event handlers, and then reseeds the directory from the
// server. Returns once the session is joined.
func (c *Client) Start(ctx context.Context) error {
	c.warmFromCache()
	c.subscribeAll()

	if err := c.session.Connect(ctx, c.self); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	convs, err := c.gateway.FetchChattedUsers(ctx, c.self)
	if err != nil {
		// The cached seed keeps the directory usable; live events will
		// fill in the rest.
		c.logger.Warn("directory seed fetch failed", zap.Error(err))
	} else {
		c.directory.Seed(convs)
		c.persistSummaries(convs)
	}

	if c.reconciler != nil {
		c.reconciler.Start(ctx, c.ActiveTimeline)
	}
	return nil
}

// Stop tears everything down; safe to call more than once.
func (c *Client) Stop() {
	if c.reconciler != nil {
		c.reconciler.Stop()
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.session.Disconnect()
}

// Logout tears the session down and clears all in-session state: the
// directory, every timeline, and the active conversation. The on-disk cache
// is left for the next sign-in to warm from.
func (c *Client) Logout() {
	c.Stop()
	c.mu.Lock()
	c.timelines = make(map[int64]*chat.Timeline)
	c.active = nil
	c.mu.Unlock()
	c.directory.ClearActive()
	c.directory.Seed(nil)
}

func (c *Client) warmFromCache() {
	if c.db == nil {
		return
	}
	convs, err := c.db.ListConversations(0)
	if err != nil {
		c.logger.Warn("cache warm failed", zap.Error(err))
		return
	}
	if len(convs) > 0 {
		c.directory.Seed(convs)
	}
}

func (c *Client) persistSummaries(convs []*chat.Conversation) {
	if c.db == nil {
		return
	}
	for _, s := range convs {
		id := chat.ConversationKey(c.self, s.CounterpartID)
		if err := c.db.UpsertConversation(id, s); err != nil {
			c.logger.Warn("cache conversation upsert failed", zap.Error(err))
			return
		}
	}
}

func (c *Client) persistMessage(m *chat.Message) {
	if c.db == nil || m.ID == 0 {
		return
	}
	if err := c.db.UpsertMessage(m); err != nil {
		c.logger.Warn("cache message upsert failed", zap.Int64("id", m.ID), zap.Error(err))
	}
}

func (c *Client) subscribeAll() {
	subs := map[string]transport.Handler{
		transport.EventReceiveMessage: c.onReceiveMessage,
		transport.EventMessageSent:    c.onMessageSent,
		transport.EventMessageRead:    c.onMessageRead,
		transport.EventMessagesRead:   c.onMessagesRead,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, h := range subs {
		c.cancels = append(c.cancels, c.session.Subscribe(event, h))
	}
}

// timelineFor returns the timeline for a counterpart, creating it lazily.
func (c *Client) timelineFor(counterpartID int64) *chat.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[counterpartID]
	if !ok {
		tl = chat.NewTimeline(chat.ConversationKey(c.self, counterpartID), counterpartID, c.self, c.bus)
		c.timelines[counterpartID] = tl
	}
	return tl
}

// OpenConversation makes the counterpart's timeline the active one: resets
// its unread count, issues the bulk mark-all-read, announces presence, and
// kicks off the history fetch. The fetch completes in the background; a page
// landing after the timeline was closed again is discarded.
func (c *Client) OpenConversation(ctx context.Context, counterpartID int64) *chat.Timeline {
	tl := c.timelineFor(counterpartID)

	c.mu.Lock()
	if c.active != nil && c.active != tl {
		c.closeActiveLocked()
	}
	c.active = tl
	c.mu.Unlock()

	epoch := tl.BeginOpen()
	if err := c.receipts.OnTimelineOpened(ctx, tl); err != nil {
		c.logger.Warn("mark all read failed", zap.Error(err))
	}
	if err := c.session.Emit(transport.EventOpenChat, presencePayload{
		UserID:      idString(c.self),
		OtherUserID: idString(counterpartID),
	}); err != nil {
		c.logger.Debug("open_chat emit failed", zap.Error(err))
	}

	go c.loadHistory(ctx, tl, epoch)
	return tl
}

func (c *Client) loadHistory(ctx context.Context, tl *chat.Timeline, epoch int) {
	page, err := c.gateway.FetchHistory(ctx, c.self, tl.CounterpartID(), c.pageSize, 0)
	if err != nil {
		c.logger.Warn("history fetch failed", zap.Int64("counterpart", tl.CounterpartID()), zap.Error(err))
		page = c.cachedHistory(tl.ConversationID())
		if page == nil {
			return
		}
	}
	if !tl.SeedHistory(epoch, page) {
		return // closed or reopened while the fetch was in flight
	}
	for _, m := range page {
		c.persistMessage(m)
	}
	if c.db != nil {
		if err := c.db.MarkMessagesSeen(tl.ConversationID(), false); err != nil {
			c.logger.Warn("cache mark seen failed", zap.Error(err))
		}
	}
}

func (c *Client) cachedHistory(conversationID string) []*chat.Message {
	if c.db == nil {
		return nil
	}
	msgs, err := c.db.ListMessages(conversationID, 0, c.pageSize)
	if err != nil {
		c.logger.Warn("cache history read failed", zap.Error(err))
		return nil
	}
	return msgs
}

// CloseConversation ends the active timeline's session, keeping its local
// state for a fast reopen.
func (c *Client) CloseConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeActiveLocked()
}

func (c *Client) closeActiveLocked() {
	if c.active == nil {
		return
	}
	tl := c.active
	c.active = nil
	tl.Close()
	c.directory.ClearActive()
	if err := c.session.Emit(transport.EventCloseChat, presencePayload{
		UserID:      idString(c.self),
		OtherUserID: idString(tl.CounterpartID()),
	}); err != nil {
		c.logger.Debug("close_chat emit failed", zap.Error(err))
	}
}

// StartConversation resolves a counterpart picked from search results into a
// directory entry via the access call, then opens it.
func (c *Client) StartConversation(ctx context.Context, counterpartID int64) (*chat.Timeline, error) {
	if !c.directory.Contains(counterpartID) {
		res, err := c.gateway.AccessConversation(ctx, counterpartID)
		if err != nil {
			return nil, err
		}
		c.directory.Seed(append(c.directory.Snapshot(), &chat.Conversation{
			CounterpartID: res.Other.ID,
			DisplayName:   res.Other.DisplayName(),
			Username:      res.Other.Username,
			AvatarRef:     res.Other.AvatarRef,
		}))
	}
	return c.OpenConversation(ctx, counterpartID), nil
}

// Send appends an optimistic message to the active timeline and publishes
// it. On a failed or rejected ack the optimistic entry is rolled back and
// the error surfaces for caller-driven retry.
func (c *Client) Send(ctx context.Context, body string) error {
	c.mu.Lock()
	tl := c.active
	c.mu.Unlock()
	if tl == nil {
		return fmt.Errorf("%w: no open conversation", chat.ErrSendFailed)
	}

	clientID := uuid.NewString()
	optimistic := &chat.Message{
		ClientID:       clientID,
		ConversationID: tl.ConversationID(),
		SenderID:       c.self,
		ReceiverID:     tl.CounterpartID(),
		Body:           body,
		Kind:           "text",
		SentAt:         time.Now(),
	}
	tl.AppendOptimistic(optimistic)

	raw, err := c.session.Publish(ctx, transport.EventSendMessage, sendPayload{
		ClientID:    clientID,
		SenderID:    idString(c.self),
		ReceiverID:  idString(tl.CounterpartID()),
		Message:     body,
		MessageType: "text",
		ChatID:      tl.ConversationID(),
	})
	if err != nil {
		return c.failSend(tl, clientID, err)
	}

	var ack sendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return c.failSend(tl, clientID, fmt.Errorf("decode ack: %w", err))
	}
	if !ack.Success {
		return c.failSend(tl, clientID, fmt.Errorf("server rejected: %s", ack.Error))
	}

	confirmed := ack.Message.toMessage(c.self)
	tl.Confirm(clientID, confirmed)
	c.directory.ApplyMessage(confirmed)
	c.persistMessage(confirmed)
	return nil
}

func (c *Client) failSend(tl *chat.Timeline, clientID string, cause error) error {
	tl.RemoveOptimistic(clientID)
	err := fmt.Errorf("%w: %v", chat.ErrSendFailed, cause)
	c.bus.Publish(bus.New(bus.KindMessageSendFailed, err))
	return err
}

// Search runs a directory-filtered user search. SearchAsync is the debounced
// variant for keystroke-driven input.
func (c *Client) Search(ctx context.Context, query string) ([]chat.UserProfile, error) {
	return c.directory.Search(ctx, query)
}

// SearchAsync collapses rapid queries into one gateway call and publishes
// the results on the bus.
func (c *Client) SearchAsync(ctx context.Context, query string) {
	c.debounce.Call(func() {
		results, err := c.directory.Search(ctx, query)
		if err != nil {
			c.logger.Warn("user search failed", zap.String("query", query), zap.Error(err))
			return
		}
		c.bus.Publish(bus.New(bus.KindDirectorySearch, results))
	})
}

// SearchCachedMessages runs a full-text search over locally cached message
// bodies; it works offline. An empty conversation id searches everything.
func (c *Client) SearchCachedMessages(query, conversationID string) ([]cache.SearchResult, error) {
	if c.db == nil {
		return nil, nil
	}
	return c.db.SearchMessages(query, conversationID, 50)
}

// MarkMessageRead implements chat.ReceiptNotifier.
func (c *Client) MarkMessageRead(_ context.Context, messageID, _ int64) error {
	return c.session.Emit(transport.EventMarkMessageRead, markMessageReadPayload{
		MessageID: messageID,
		UserID:    idString(c.self),
	})
}

// MarkAllRead implements chat.ReceiptNotifier.
func (c *Client) MarkAllRead(_ context.Context, counterpartID int64) error {
	return c.session.Emit(transport.EventMarkAllRead, markAllReadPayload{
		UserID:      idString(c.self),
		OtherUserID: idString(counterpartID),
	})
}

func (c *Client) onReceiveMessage(data json.RawMessage) {
	var w socketMessage
	if err := json.Unmarshal(data, &w); err != nil {
		c.logger.Warn("bad receive_message payload", zap.Error(err))
		return
	}
	m := w.toMessage(c.self)
	counterpart := m.CounterpartID(c.self)

	tl := c.timelineFor(counterpart)
	if !tl.ApplyInbound(m) {
		// Redelivered; the timeline's id index is the authoritative dedupe,
		// so the directory and cache must not see the message twice.
		return
	}
	if err := c.receipts.OnInbound(context.Background(), tl, m); err != nil {
		c.logger.Debug("read receipt emit failed", zap.Error(err))
	}
	c.directory.ApplyMessage(m)
	c.persistMessage(m)
}

func (c *Client) onMessageSent(data json.RawMessage) {
	var w socketMessage
	if err := json.Unmarshal(data, &w); err != nil {
		c.logger.Warn("bad message_sent payload", zap.Error(err))
		return
	}
	m := w.toMessage(c.self)
	m.FromMe = true

	// The echo usually races the publish ack; Confirm dedupes by server id
	// when the ack already replaced the optimistic entry.
	tl := c.timelineFor(m.CounterpartID(c.self))
	if w.ClientID != "" {
		tl.Confirm(w.ClientID, m)
	} else if !tl.ApplyInbound(m) {
		return
	}
	c.directory.ApplyMessage(m)
	c.persistMessage(m)
}

func (c *Client) onMessageRead(data json.RawMessage) {
	var e messageReadEvent
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("bad message_read payload", zap.Error(err))
		return
	}
	receipt := e.toReceipt()
	c.receipts.HandleReceipt(receipt, c.ActiveTimeline())
	if c.db != nil && receipt.MessageID != 0 {
		conv := chat.ConversationKey(c.self, receipt.ReadBy)
		if err := c.db.MarkMessageSeen(conv, receipt.MessageID); err != nil {
			c.logger.Warn("cache receipt update failed", zap.Error(err))
		}
	}
}

func (c *Client) onMessagesRead(data json.RawMessage) {
	var e messagesReadEvent
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("bad messages_read payload", zap.Error(err))
		return
	}
	receipt := e.toReceipt()
	c.receipts.HandleReceipt(receipt, c.ActiveTimeline())
	if c.db != nil {
		conv := chat.ConversationKey(c.self, receipt.ReadBy)
		if err := c.db.MarkMessagesSeen(conv, true); err != nil {
			c.logger.Warn("cache receipt update failed", zap.Error(err))
		}
	}
}
