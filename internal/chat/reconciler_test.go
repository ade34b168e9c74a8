package chat

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubHistory struct {
	page []*Message
}

func (s *stubHistory) FetchHistory(_ context.Context, _, _ int64, _, _ int) ([]*Message, error) {
	return s.page, nil
}

func TestReconcilerReplaysSeenStates(t *testing.T) {
	tl := NewTimeline("1_2", 2, 1, nil)
	epoch := tl.BeginOpen()
	tl.SeedHistory(epoch, []*Message{msgAt(5, 1, 2, "mine", time.Now(), true)})

	seenCopy := msgAt(5, 1, 2, "mine", time.Now(), true)
	seenCopy.State = StateSeen
	r := NewReconciler(&stubHistory{page: []*Message{seenCopy}}, 1, time.Hour, zap.NewNop())

	// Run one pass directly; the ticker cadence is not under test.
	r.runOnce(context.Background(), tl)

	if got := tl.Snapshot()[0].State; got != StateSeen {
		t.Errorf("state = %v after reconcile, want seen", got)
	}

	// Idempotent against already-current state.
	r.runOnce(context.Background(), tl)
	if got := tl.Snapshot()[0].State; got != StateSeen {
		t.Errorf("state = %v after second pass, want seen", got)
	}
}

func TestReconcilerDisabledWithZeroInterval(t *testing.T) {
	r := NewReconciler(&stubHistory{}, 1, 0, zap.NewNop())
	r.Start(context.Background(), func() *Timeline { return nil })
	r.Stop() // must not block or panic
}

func TestReconcilerStartStop(t *testing.T) {
	r := NewReconciler(&stubHistory{}, 1, 10*time.Millisecond, zap.NewNop())
	r.Start(context.Background(), func() *Timeline { return nil })
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
