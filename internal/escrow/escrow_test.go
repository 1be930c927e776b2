package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/uow"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev *realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []realtime.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.EventType
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService() (*Service, *recordingPublisher, *uow.MemoryRunner) {
	runner := uow.NewMemoryRunner()
	pub := &recordingPublisher{}
	svc := NewService(NewMemoryStore(), runner).
		WithAudit(audit.NewMemoryLog()).
		WithPublisher(pub)
	return svc, pub, runner
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertBalance(t *testing.T, svc *Service, seller, available, pending string) {
	t.Helper()
	b, err := svc.BalanceOf(context.Background(), seller)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec(available)), "available = %s, want %s", b.Available, available)
	assert.True(t, b.Pending.Equal(dec(pending)), "pending = %s, want %s", b.Pending, pending)
}

func TestBalance_HoldReleaseWithdraw(t *testing.T) {
	svc, pub, _ := newTestService()
	ctx := context.Background()
	later := time.Now().Add(48 * time.Hour)

	_, err := svc.Hold(ctx, "seller-1", "ord_a", dec("100"), later)
	require.NoError(t, err)
	_, err = svc.Hold(ctx, "seller-1", "ord_b", dec("50"), later)
	require.NoError(t, err)
	assertBalance(t, svc, "seller-1", "0", "150")

	released, err := svc.Release(ctx, "ord_a")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, StatusReleased, released[0].Status)
	assert.NotNil(t, released[0].ReleasedAt)
	assertBalance(t, svc, "seller-1", "100", "50")

	w, err := svc.Withdraw(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, w.Amount.Equal(dec("100")))
	assert.Contains(t, w.Reference, "wd_")
	assertBalance(t, svc, "seller-1", "0", "50")

	history, err := svc.History(ctx, "seller-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	latest := history[0]
	assert.Equal(t, KindWithdrawal, latest.Kind)
	assert.True(t, latest.Amount.Equal(dec("-100")))
	assert.Equal(t, StatusReleased, latest.Status)

	assert.Equal(t, []realtime.EventType{
		realtime.EventEscrowHeld,
		realtime.EventEscrowHeld,
		realtime.EventEscrowReleased,
		realtime.EventEscrowWithdrawn,
	}, pub.types())
}

func TestHold_InvalidAmount(t *testing.T) {
	svc, _, _ := newTestService()
	for _, amt := range []string{"0", "-1"} {
		_, err := svc.Hold(context.Background(), "seller-1", "ord_x", dec(amt), time.Now())
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
}

func TestHold_DuplicateRejected(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Hold(ctx, "seller-1", "ord_a", dec("10"), time.Now())
	require.NoError(t, err)
	_, err = svc.Hold(ctx, "seller-1", "ord_a", dec("10"), time.Now())
	assert.ErrorIs(t, err, ErrDuplicateHold)
	assertBalance(t, svc, "seller-1", "0", "10")
}

func TestRelease_NothingHeldIsNoop(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	released, err := svc.Release(ctx, "ord_missing")
	require.NoError(t, err)
	assert.Empty(t, released)

	_, err = svc.Hold(ctx, "seller-1", "ord_a", dec("10"), time.Now())
	require.NoError(t, err)
	_, err = svc.Release(ctx, "ord_a")
	require.NoError(t, err)

	again, err := svc.Release(ctx, "ord_a")
	require.NoError(t, err)
	assert.Empty(t, again)
	assertBalance(t, svc, "seller-1", "10", "0")
}

func TestWithdraw_NothingToWithdraw(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, "seller-1")
	assert.ErrorIs(t, err, ErrNothingToWithdraw)

	_, err = svc.Hold(ctx, "seller-1", "ord_a", dec("25"), time.Now())
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, "seller-1")
	assert.ErrorIs(t, err, ErrNothingToWithdraw, "held funds are not withdrawable")
}

func TestWithdraw_ConcurrentPaysOnce(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Hold(ctx, "seller-1", "ord_a", dec("60"), time.Now())
	require.NoError(t, err)
	_, err = svc.Release(ctx, "ord_a")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		paid    []decimal.Decimal
		refused int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := svc.Withdraw(ctx, "seller-1")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNothingToWithdraw) {
				refused++
				return
			}
			if assert.NoError(t, err) {
				paid = append(paid, w.Amount)
			}
		}()
	}
	wg.Wait()

	require.Len(t, paid, 1)
	assert.True(t, paid[0].Equal(dec("60")))
	assert.Equal(t, 9, refused)
	assertBalance(t, svc, "seller-1", "0", "0")
}

func TestHold_RolledBackWithUnit(t *testing.T) {
	svc, pub, runner := newTestService()
	ctx := context.Background()

	boom := errors.New("order update failed")
	err := runner.Do(ctx, func(ctx context.Context) error {
		if _, err := svc.Hold(ctx, "seller-1", "ord_a", dec("60"), time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	txs, err := svc.ByOrder(ctx, "ord_a")
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Empty(t, pub.types(), "nothing is published for a rolled back unit")
	assertBalance(t, svc, "seller-1", "0", "0")
}

func TestReconcile(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Hold(ctx, "seller-1", "ord_a", dec("30.25"), time.Now())
	require.NoError(t, err)
	_, err = svc.Hold(ctx, "seller-1", "ord_b", dec("9.75"), time.Now())
	require.NoError(t, err)
	_, err = svc.Release(ctx, "ord_b")
	require.NoError(t, err)

	rec, err := svc.Reconcile(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 2, rec.Entries)
	assert.True(t, rec.Recomputed.Available.Equal(dec("9.75")))
	assert.True(t, rec.Recomputed.Pending.Equal(dec("30.25")))
}

func TestSummarize(t *testing.T) {
	entries := []*Transaction{
		{Amount: dec("100"), Status: StatusHeld},
		{Amount: dec("50"), Status: StatusReleased},
		{Amount: dec("-20"), Status: StatusReleased, Kind: KindWithdrawal},
	}
	b := Summarize("s", entries)
	assert.True(t, b.Available.Equal(dec("30")))
	assert.True(t, b.Pending.Equal(dec("100")))
}
