package orders

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

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/escrow"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/uow"
)

type fixture struct {
	orders    *Service
	inventory *inventory.Ledger
	escrow    *escrow.Service
	audit     *audit.MemoryLog
	events    *recorder
	listing   *inventory.Listing
}

type recorder struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (r *recorder) Publish(_ context.Context, ev *realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []realtime.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newFixture(t *testing.T, qty int64) *fixture {
	t.Helper()
	runner := uow.NewMemoryRunner()
	log := audit.NewMemoryLog()
	events := &recorder{}

	inv := inventory.NewLedger(inventory.NewMemoryStore(), runner).WithAudit(log)
	esc := escrow.NewService(escrow.NewMemoryStore(), runner).WithAudit(log).WithPublisher(events)
	svc := NewService(NewMemoryStore(), runner, inv, esc, Config{FeeRate: decimal.RequireFromString(DefaultFeeRate)}).
		WithAudit(log).
		WithPublisher(events)

	listing, err := inv.CreateListing(context.Background(), inventory.CreateRequest{
		SellerID:  "seller-1",
		Name:      "Tomatoes",
		Unit:      "crate",
		UnitPrice: decimal.NewFromInt(20),
		Quantity:  qty,
	})
	require.NoError(t, err)

	return &fixture{orders: svc, inventory: inv, escrow: esc, audit: log, events: events, listing: listing}
}

func (f *fixture) place(t *testing.T, qty int64) *Order {
	t.Helper()
	o, err := f.orders.Place(context.Background(), PlaceRequest{
		BuyerID:   "buyer-1",
		BuyerName: "Ama",
		ListingID: f.listing.ID,
		Quantity:  qty,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) stock(t *testing.T) int64 {
	t.Helper()
	l, err := f.inventory.Get(context.Background(), f.listing.ID)
	require.NoError(t, err)
	return l.Quantity
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusReserved, false},
		{StatusApproved, StatusReserved, true},
		{StatusApproved, StatusCancelled, true},
		{StatusReserved, StatusCompleted, true},
		{StatusReserved, StatusCancelled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusReserved.IsTerminal())
	assert.False(t, Status("shipped").Valid())
}

func TestLifecycle_EndToEnd(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	o := f.place(t, 3)
	assert.Equal(t, StatusPending, o.Status)
	assert.True(t, o.TotalPrice.Equal(decimal.NewFromInt(60)))
	assert.True(t, o.ReservationFee.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, "seller-1", o.SellerID)
	assert.Contains(t, o.PickupCode, "PIN-")
	assert.Equal(t, int64(7), f.stock(t))

	o, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, o.Status)
	require.NotNil(t, o.ApprovedAt)

	o, err = f.orders.Pay(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, o.Status)
	require.NotNil(t, o.PaidAt)
	require.NotNil(t, o.ReservationExpiresAt)
	assert.Equal(t, DefaultReservationWindow, o.ReservationExpiresAt.Sub(*o.PaidAt))

	bal, err := f.escrow.BalanceOf(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, bal.Pending.Equal(decimal.NewFromInt(60)))
	assert.True(t, bal.Available.IsZero())

	o, err = f.orders.Complete(ctx, o.ID, CompleteRequest{PickupCode: o.PickupCode})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	require.NotNil(t, o.CompletedAt)

	bal, err = f.escrow.BalanceOf(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(60)))
	assert.True(t, bal.Pending.IsZero())

	w, err := f.escrow.Withdraw(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, w.Amount.Equal(decimal.NewFromInt(60)))

	history, err := f.escrow.History(ctx, "seller-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	entries, err := f.audit.ForEntity(ctx, audit.EntityOrder, o.ID, 0)
	require.NoError(t, err)
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{"place", "approve", "pay", "complete"}, ops)

	assert.Equal(t, []realtime.EventType{
		realtime.EventOrderPlaced,
		realtime.EventOrderApproved,
		realtime.EventEscrowHeld,
		realtime.EventOrderReserved,
		realtime.EventEscrowReleased,
		realtime.EventOrderCompleted,
		realtime.EventEscrowWithdrawn,
	}, f.events.types())
}

func TestPlace_InsufficientStock(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.orders.Place(context.Background(), PlaceRequest{BuyerID: "buyer-1", ListingID: f.listing.ID, Quantity: 3})
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, int64(2), f.stock(t))

	orders, err := f.orders.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlace_Rejections(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.orders.Place(ctx, PlaceRequest{BuyerID: "buyer-1", ListingID: f.listing.ID, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.orders.Place(ctx, PlaceRequest{BuyerID: "seller-1", ListingID: f.listing.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrSelfPurchase)

	_, err = f.orders.Place(ctx, PlaceRequest{BuyerID: "buyer-1", ListingID: "lst_missing", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrListingNotFound)

	_, err = f.inventory.SetActive(ctx, f.listing.ID, false)
	require.NoError(t, err)
	_, err = f.orders.Place(ctx, PlaceRequest{BuyerID: "buyer-1", ListingID: f.listing.ID, Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrListingUnavailable)

	assert.Equal(t, int64(5), f.stock(t))
}

func TestPlace_ConcurrentNoOversell(t *testing.T) {
	f := newFixture(t, 10)

	var (
		wg       sync.WaitGroup
		placed   atomic.Int64
		rejected atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.Place(context.Background(), PlaceRequest{BuyerID: "buyer-1", ListingID: f.listing.ID, Quantity: 1})
			switch {
			case err == nil:
				placed.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), placed.Load())
	assert.Equal(t, int64(15), rejected.Load())
	assert.Equal(t, int64(0), f.stock(t))
}

func TestCancel_RestoresStockOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 4)

	cancelled, err := f.orders.Cancel(ctx, o.ID, CancelRequest{Reason: " changed my mind "})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)
	assert.Equal(t, "system", cancelled.CancelledBy)
	assert.Equal(t, int64(10), f.stock(t))

	_, err = f.orders.Cancel(ctx, o.ID, CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.orders.Reject(ctx, o.ID, CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(10), f.stock(t))
}

func TestReject_ApprovedOrder(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 2)

	_, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	o, err = f.orders.Reject(ctx, o.ID, CancelRequest{Reason: "out of season"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, int64(10), f.stock(t))
}

func TestCancel_ReservedOrderRejected(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 2)
	_, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.orders.Pay(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.orders.Cancel(ctx, o.ID, CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(8), f.stock(t))
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 1)

	_, err := f.orders.Pay(ctx, o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.orders.Complete(ctx, o.ID, CompleteRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.orders.Approve(ctx, o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.orders.Approve(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPay_ConcurrentSingleHold(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 3)
	_, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int64
		invalid atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.Pay(ctx, o.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				invalid.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(9), invalid.Load())

	txs, err := f.escrow.ByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestComplete_ConcurrentSingleRelease(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 5)
	_, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.orders.Pay(ctx, o.ID)
	require.NoError(t, err)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orders.Complete(ctx, o.ID, CompleteRequest{}); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	bal, err := f.escrow.BalanceOf(ctx, "seller-1")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
}

func TestComplete_PickupCodeMismatch(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 1)
	_, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.orders.Pay(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.orders.Complete(ctx, o.ID, CompleteRequest{PickupCode: "PIN-0000X"})
	assert.ErrorIs(t, err, ErrPickupCodeMismatch)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, got.Status)
}

type failingEscrow struct{ err error }

func (e failingEscrow) Hold(context.Context, string, string, decimal.Decimal, time.Time) (*escrow.Transaction, error) {
	return nil, e.err
}

func (e failingEscrow) Release(context.Context, string) ([]*escrow.Transaction, error) {
	return nil, e.err
}

func TestPay_RolledBackWhenHoldFails(t *testing.T) {
	runner := uow.NewMemoryRunner()
	log := audit.NewMemoryLog()
	inv := inventory.NewLedger(inventory.NewMemoryStore(), runner)
	events := &recorder{}
	svc := NewService(NewMemoryStore(), runner, inv, failingEscrow{err: errors.New("ledger offline")}, Config{}).
		WithAudit(log).
		WithPublisher(events)
	ctx := context.Background()

	listing, err := inv.CreateListing(ctx, inventory.CreateRequest{SellerID: "seller-1", Name: "Yams", UnitPrice: decimal.NewFromInt(5), Quantity: 4})
	require.NoError(t, err)
	o, err := svc.Place(ctx, PlaceRequest{BuyerID: "buyer-1", ListingID: listing.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, o.ID)
	require.NoError(t, err)

	_, err = svc.Pay(ctx, o.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger offline")

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Nil(t, got.PaidAt)

	entries, err := log.ForEntity(ctx, audit.EntityOrder, o.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NotContains(t, events.types(), realtime.EventOrderReserved)
}

func TestPartyChecks(t *testing.T) {
	f := newFixture(t, 10)
	o := f.place(t, 1)

	otherSeller := audit.WithActor(context.Background(), audit.Actor{ID: "seller-2", Role: audit.RoleSeller})
	buyer := audit.WithActor(context.Background(), audit.Actor{ID: "buyer-1", Role: audit.RoleBuyer})
	otherBuyer := audit.WithActor(context.Background(), audit.Actor{ID: "buyer-2", Role: audit.RoleBuyer})
	seller := audit.WithActor(context.Background(), audit.Actor{ID: "seller-1", Role: audit.RoleSeller})

	_, err := f.orders.Approve(otherSeller, o.ID)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orders.Approve(buyer, o.ID)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orders.Approve(seller, o.ID)
	require.NoError(t, err)

	_, err = f.orders.Pay(otherBuyer, o.ID)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orders.Pay(seller, o.ID)
	assert.ErrorIs(t, err, ErrNotParty)

	o, err = f.orders.Pay(buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, o.Status)

	strangerBuyer := audit.WithActor(context.Background(), audit.Actor{ID: "buyer-999", Role: audit.RoleBuyer})
	for _, ctx := range []context.Context{strangerBuyer, buyer, otherSeller} {
		_, err = f.orders.Complete(ctx, o.ID, CompleteRequest{})
		assert.ErrorIs(t, err, ErrNotParty)
	}
	bal, err := f.escrow.BalanceOf(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "20", bal.Pending.String(), "a refused completion must leave the hold in place")
	assert.True(t, bal.Available.IsZero())

	o, err = f.orders.Complete(seller, o.ID, CompleteRequest{PickupCode: o.PickupCode})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
}

func TestPlace_BuyerIdentity(t *testing.T) {
	f := newFixture(t, 10)
	buyer := audit.WithActor(context.Background(), audit.Actor{ID: "buyer-1", Role: audit.RoleBuyer})
	seller := audit.WithActor(context.Background(), audit.Actor{ID: "seller-2", Role: audit.RoleSeller})
	operator := audit.WithActor(context.Background(), audit.Actor{ID: "ops-1", Role: audit.RoleOperator})

	_, err := f.orders.Place(buyer, PlaceRequest{BuyerID: "buyer-2", ListingID: f.listing.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orders.Place(seller, PlaceRequest{BuyerID: "buyer-1", ListingID: f.listing.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = f.orders.Place(operator, PlaceRequest{ListingID: f.listing.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotParty)
	assert.Equal(t, int64(10), f.stock(t), "refused orders must not take stock")

	o, err := f.orders.Place(buyer, PlaceRequest{ListingID: f.listing.ID, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", o.BuyerID)

	o, err = f.orders.Place(operator, PlaceRequest{BuyerID: "buyer-3", ListingID: f.listing.ID, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "buyer-3", o.BuyerID)
}

func TestListOverdue(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o := f.place(t, 1)
	_, err := f.orders.Approve(ctx, o.ID)
	require.NoError(t, err)
	o, err = f.orders.Pay(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, o.Overdue(time.Now()))

	later := o.ReservationExpiresAt.Add(time.Minute)
	assert.True(t, o.Overdue(later))

	overdue, err := f.orders.ListOverdue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	overdue, err = f.orders.ListOverdue(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, o.ID, overdue[0].ID)
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	a := f.place(t, 1)
	f.place(t, 1)
	_, err := f.orders.Approve(ctx, a.ID)
	require.NoError(t, err)

	all, err := f.orders.List(ctx, Filter{BuyerID: "buyer-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	approved, err := f.orders.List(ctx, Filter{Status: StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, a.ID, approved[0].ID)

	none, err := f.orders.List(ctx, Filter{SellerID: "seller-9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
