package chat

import (
	"context"
	"testing"
	"time"
)

type recordingNotifier struct {
	singles []int64
	bulks   []int64
}

func (n *recordingNotifier) MarkMessageRead(_ context.Context, messageID, _ int64) error {
	n.singles = append(n.singles, messageID)
	return nil
}

func (n *recordingNotifier) MarkAllRead(_ context.Context, counterpartID int64) error {
	n.bulks = append(n.bulks, counterpartID)
	return nil
}

func TestOpenEmitsOneBulkMarkAll(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDirectory(1, nil, nil)
	d.Seed([]*Conversation{{CounterpartID: 2, UnreadCount: 3, LastMessageAt: time.Now()}})
	r := NewReceipts(notifier, d)

	tl := NewTimeline("1_2", 2, 1, nil)
	epoch := tl.BeginOpen()
	t0 := time.Now()
	tl.SeedHistory(epoch, []*Message{
		msgAt(3, 2, 1, "c", t0.Add(3*time.Second), false),
		msgAt(2, 2, 1, "b", t0.Add(2*time.Second), false),
		msgAt(1, 2, 1, "a", t0.Add(time.Second), false),
	})

	if err := r.OnTimelineOpened(context.Background(), tl); err != nil {
		t.Fatal(err)
	}

	if len(notifier.bulks) != 1 || notifier.bulks[0] != 2 {
		t.Fatalf("bulk calls = %v, want one for counterpart 2", notifier.bulks)
	}
	for _, m := range tl.Snapshot() {
		if m.State != StateSeen {
			t.Errorf("message %d state = %v, want seen", m.ID, m.State)
		}
	}
	if got := d.Get(2).UnreadCount; got != 0 {
		t.Errorf("directory unread = %d, want 0", got)
	}
}

func TestInboundWhileOpenEmitsSingleReceipt(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDirectory(1, nil, nil)
	r := NewReceipts(notifier, d)

	tl := NewTimeline("1_2", 2, 1, nil)
	tl.BeginOpen()

	m := msgAt(9, 2, 1, "hi", time.Now(), false)
	tl.ApplyInbound(m)
	if err := r.OnInbound(context.Background(), tl, m); err != nil {
		t.Fatal(err)
	}

	if len(notifier.singles) != 1 || notifier.singles[0] != 9 {
		t.Fatalf("single receipts = %v, want one for message 9", notifier.singles)
	}
	if got := tl.Snapshot()[0].State; got != StateSeen {
		t.Errorf("message state = %v, want seen locally", got)
	}
}

func TestInboundWhileClosedEmitsNothing(t *testing.T) {
	notifier := &recordingNotifier{}
	r := NewReceipts(notifier, NewDirectory(1, nil, nil))

	tl := NewTimeline("1_2", 2, 1, nil)
	tl.BeginOpen()
	tl.Close()

	m := msgAt(9, 2, 1, "hi", time.Now(), false)
	tl.ApplyInbound(m)
	if err := r.OnInbound(context.Background(), tl, m); err != nil {
		t.Fatal(err)
	}

	if len(notifier.singles) != 0 {
		t.Errorf("single receipts = %v for a closed timeline", notifier.singles)
	}
	if got := tl.Snapshot()[0].State; got == StateSeen {
		t.Error("closed timeline marked the message seen")
	}
}

func TestHandleReceiptDrivesBothWithoutDoubleCounting(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDirectory(1, nil, nil)
	r := NewReceipts(notifier, d)

	d.ApplyMessage(msgAt(5, 1, 2, "mine", time.Now(), true))

	tl := NewTimeline("1_2", 2, 1, nil)
	epoch := tl.BeginOpen()
	tl.SeedHistory(epoch, []*Message{msgAt(5, 1, 2, "mine", time.Now(), true)})

	receipt := ReadReceipt{ReadBy: 2, Count: 1}
	r.HandleReceipt(receipt, tl)
	r.HandleReceipt(receipt, tl) // idempotent

	if got := d.Get(2).LastMessageStatus; got != StateSeen {
		t.Errorf("directory status = %v, want seen", got)
	}
	if got := tl.Snapshot()[0].State; got != StateSeen {
		t.Errorf("timeline state = %v, want seen", got)
	}
}

func TestHandleReceiptIgnoresOtherTimeline(t *testing.T) {
	notifier := &recordingNotifier{}
	d := NewDirectory(1, nil, nil)
	r := NewReceipts(notifier, d)

	other := NewTimeline("1_3", 3, 1, nil)
	epoch := other.BeginOpen()
	other.SeedHistory(epoch, []*Message{msgAt(5, 1, 3, "mine", time.Now(), true)})

	// A receipt from counterpart 2 must not touch counterpart 3's timeline.
	r.HandleReceipt(ReadReceipt{ReadBy: 2, Count: 1}, other)

	if got := other.Snapshot()[0].State; got == StateSeen {
		t.Error("receipt leaked into an unrelated timeline")
	}
}
