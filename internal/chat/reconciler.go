package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HistoryFetcher is the gateway call the reconciler re-checks state against.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, self, other int64, limit, offset int) ([]*Message, error)
}

// Reconciler is the optional fallback pass layered on top of the
// event-driven receipt path: it periodically re-fetches the open
// conversation's history and replays the delivery states it finds. Because
// receipt application is idempotent, running it against already-current
// state changes nothing.
type Reconciler struct {
	fetcher  HistoryFetcher
	self     int64
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(fetcher HistoryFetcher, self int64, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		fetcher:  fetcher,
		self:     self,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic pass against the timeline provided by active.
// A nil return from active skips the tick. Start is a no-op when the
// interval is zero (reconciliation disabled).
func (r *Reconciler) Start(ctx context.Context, active func() *Timeline) {
	if r.interval <= 0 || r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if tl := active(); tl != nil {
					r.runOnce(ctx, tl)
				}
			}
		}
	}()
}

// Stop cancels the periodic pass and waits for it to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

func (r *Reconciler) runOnce(ctx context.Context, tl *Timeline) {
	page, err := r.fetcher.FetchHistory(ctx, r.self, tl.CounterpartID(), 100, 0)
	if err != nil {
		r.logger.Debug("reconcile fetch failed", zap.Error(err))
		return
	}
	for _, m := range page {
		if m.FromMe && m.State == StateSeen {
			tl.ApplyReceipt(ReadReceipt{MessageID: m.ID})
		}
	}
}
