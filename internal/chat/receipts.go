package chat

import "context"

// ReceiptNotifier sends read-receipt intents to the server.
type ReceiptNotifier interface {
	// MarkMessageRead reports a single message as read.
	MarkMessageRead(ctx context.Context, messageID, senderID int64) error
	// MarkAllRead reports every unread message from the counterpart as read.
	MarkAllRead(ctx context.Context, counterpartID int64) error
}

// Receipts coordinates read receipts between the transport, the Directory,
// and the active Timeline. Outbound: it emits a single-message receipt when
// an inbound message lands in the open timeline, and one bulk mark-all-read
// when a timeline opens. Inbound: server receipt events drive both the
// Directory and the active Timeline off the same event.
type Receipts struct {
	notifier  ReceiptNotifier
	directory *Directory
}

func NewReceipts(notifier ReceiptNotifier, directory *Directory) *Receipts {
	return &Receipts{notifier: notifier, directory: directory}
}

// OnTimelineOpened runs the open-time bulk pass: the counterpart's unread
// inbound messages are marked read server-side and flipped to seen locally.
func (r *Receipts) OnTimelineOpened(ctx context.Context, tl *Timeline) error {
	r.directory.MarkOpened(tl.CounterpartID())
	tl.MarkInboundSeen()
	return r.notifier.MarkAllRead(ctx, tl.CounterpartID())
}

// OnInbound handles a live message for the open timeline: it is marked read
// immediately, without waiting for the next bulk pass.
func (r *Receipts) OnInbound(ctx context.Context, tl *Timeline, m *Message) error {
	if !tl.IsOpen() || m.FromMe || m.ID == 0 {
		return nil
	}
	tl.ApplyReceipt(ReadReceipt{MessageID: m.ID})
	return r.notifier.MarkMessageRead(ctx, m.ID, m.SenderID)
}

// HandleReceipt applies a server receipt event to the Directory and, when
// the receipt concerns the given timeline, to that timeline's messages.
// Reapplying an already-seen state is a no-op in both.
func (r *Receipts) HandleReceipt(receipt ReadReceipt, active *Timeline) {
	r.directory.ApplyReadReceipt(receipt)
	if active != nil && active.CounterpartID() == receipt.ReadBy {
		active.ApplyReceipt(receipt)
	}
}
