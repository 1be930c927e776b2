//go:build integration

package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropstack/settlement/internal/testutil"
	"github.com/cropstack/settlement/internal/uow"
)

func newPGService(t *testing.T) *Service {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewService(NewPostgresStore(db), uow.NewSQLRunner(db))
}

func TestPostgres_HoldReleaseWithdraw(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()
	due := time.Now().Add(48 * time.Hour)

	_, err := svc.Hold(ctx, "seller-1", "ord_a", decimal.RequireFromString("40.50"), due)
	require.NoError(t, err)
	_, err = svc.Hold(ctx, "seller-1", "ord_b", decimal.NewFromInt(10), due)
	require.NoError(t, err)

	_, err = svc.Hold(ctx, "seller-1", "ord_a", decimal.NewFromInt(5), due)
	assert.ErrorIs(t, err, ErrDuplicateHold)

	released, err := svc.Release(ctx, "ord_a")
	require.NoError(t, err)
	require.Len(t, released, 1)

	bal, err := svc.BalanceOf(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "40.5", bal.Available.String())
	assert.Equal(t, "10", bal.Pending.String())

	w, err := svc.Withdraw(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "40.5", w.Amount.String())

	bal, err = svc.BalanceOf(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
	assert.Equal(t, "10", bal.Pending.String())

	rec, err := svc.Reconcile(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 3, rec.Entries)
}

func TestPostgres_ConcurrentWithdrawPaysOnce(t *testing.T) {
	svc := newPGService(t)
	ctx := context.Background()

	_, err := svc.Hold(ctx, "seller-1", "ord_a", decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)
	_, err = svc.Release(ctx, "ord_a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var paid, empty atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(context.Background(), "seller-1")
			switch {
			case err == nil:
				paid.Add(1)
			case errors.Is(err, ErrNothingToWithdraw):
				empty.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), paid.Load())
	assert.Equal(t, int32(9), empty.Load())

	bal, err := svc.BalanceOf(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
}
