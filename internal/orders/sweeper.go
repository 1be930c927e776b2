package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cropstack/settlement/internal/metrics"
)

// Sweeper periodically counts paid orders whose reservation has expired.
// It only reports them; cancelling an overdue order is a decision for the
// operator, made through the normal Reject operation.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewSweeper creates a new overdue pickup sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (w *Sweeper) LastRun() time.Time {
	n := w.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in overdue sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep runs one pass and returns the overdue orders it found.
func (w *Sweeper) Sweep(ctx context.Context) []*Order {
	now := time.Now().UTC()
	overdue, err := w.service.ListOverdue(ctx, now, 500)
	if err != nil {
		w.logger.Warn("failed to list overdue orders", "error", err)
		return nil
	}

	metrics.OverduePickups.Set(float64(len(overdue)))
	for _, o := range overdue {
		w.logger.Warn("pickup overdue",
			"orderId", o.ID,
			"listingId", o.ListingID,
			"sellerId", o.SellerID,
			"buyerId", o.BuyerID,
			"expiredAt", o.ReservationExpiresAt,
		)
	}
	w.lastRun.Store(now.UnixNano())
	return overdue
}
