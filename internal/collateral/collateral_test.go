package collateral

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/uow"
)

type captured struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (c *captured) Publish(_ context.Context, ev *realtime.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Service, *inventory.Ledger, *inventory.Listing, *audit.MemoryLog, *captured) {
	t.Helper()
	runner := uow.NewMemoryRunner()
	log := audit.NewMemoryLog()
	events := &captured{}
	inv := inventory.NewLedger(inventory.NewMemoryStore(), runner).WithAudit(log)
	svc := NewService(NewMemoryStore(), runner, inv).WithAudit(log).WithPublisher(events)

	listing, err := inv.CreateListing(context.Background(), inventory.CreateRequest{
		SellerID:  "farmer-1",
		Name:      "Cocoa beans",
		Category:  "cocoa",
		Unit:      "sack",
		UnitPrice: decimal.NewFromInt(50),
		Quantity:  10,
	})
	require.NoError(t, err)
	return svc, inv, listing, log, events
}

func pledge(t *testing.T, svc *Service, listingID string) *Pledge {
	t.Helper()
	p, err := svc.Pledge(context.Background(), PledgeRequest{
		OwnerID:    "farmer-1",
		OwnerName:  "Kofi",
		ListingID:  listingID,
		LoanAmount: decimal.NewFromInt(300),
	})
	require.NoError(t, err)
	return p
}

func advance(svc *Service, id string, to Status) (*Pledge, error) {
	return svc.AdvanceStatus(context.Background(), id, AdvanceRequest{Status: to})
}

func TestPledge_SnapshotAndLTV(t *testing.T) {
	svc, inv, listing, _, events := setup(t)
	p := pledge(t, svc, listing.ID)

	assert.True(t, idgen.IsPledgeCode(p.ID), p.ID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, int64(10), p.Listing.Quantity)
	assert.True(t, p.Listing.TotalValue.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "0.6", p.LTV().String())

	l, err := inv.Get(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.True(t, l.Collateral)
	assert.False(t, l.Active)
	assert.False(t, l.Sellable())

	require.Len(t, events.events, 1)
	assert.Equal(t, realtime.EventPledgeCreated, events.events[0].Type)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ltv":"0.6"`)
}

func TestPledge_ForwardOnly(t *testing.T) {
	svc, _, listing, log, _ := setup(t)
	p := pledge(t, svc, listing.ID)

	_, err := advance(svc, p.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	p, err = advance(svc, p.ID, StatusVerified)
	require.NoError(t, err)
	require.NotNil(t, p.VerifiedAt)
	assert.Equal(t, "system", p.VerifiedBy)

	p, err = advance(svc, p.ID, StatusActive)
	require.NoError(t, err)
	require.NotNil(t, p.ActivatedAt)

	_, err = advance(svc, p.ID, StatusVerified)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = advance(svc, p.ID, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = advance(svc, p.ID, Status("forgiven"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	entries, err := log.ForEntity(context.Background(), audit.EntityPledge, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPledge_ReleaseClearsCollateral(t *testing.T) {
	svc, inv, listing, _, _ := setup(t)
	p := pledge(t, svc, listing.ID)
	for _, s := range []Status{StatusVerified, StatusActive, StatusReleased} {
		var err error
		p, err = advance(svc, p.ID, s)
		require.NoError(t, err)
	}
	require.NotNil(t, p.SettledAt)
	assert.True(t, p.Status.IsSettled())

	l, err := inv.Get(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.False(t, l.Collateral)
	assert.False(t, l.Active, "listing stays off the market until its seller reactivates it")

	_, err = advance(svc, p.ID, StatusDefaulted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPledge_DefaultKeepsCollateral(t *testing.T) {
	svc, inv, listing, _, _ := setup(t)
	p := pledge(t, svc, listing.ID)
	for _, s := range []Status{StatusVerified, StatusActive, StatusDefaulted} {
		var err error
		p, err = advance(svc, p.ID, s)
		require.NoError(t, err)
	}

	l, err := inv.Get(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.True(t, l.Collateral)
}

func TestPledge_Rejections(t *testing.T) {
	svc, inv, listing, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: listing.ID, LoanAmount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidLoan)

	_, err = svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-2", ListingID: listing.ID, LoanAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, inventory.ErrNotOwner)

	_, err = svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: "lst_missing", LoanAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, inventory.ErrListingNotFound)

	empty, err := inv.CreateListing(ctx, inventory.CreateRequest{SellerID: "farmer-1", Name: "Empty", UnitPrice: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: empty.ID, LoanAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrEmptyListing)

	pledge(t, svc, listing.ID)
	_, err = svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: listing.ID, LoanAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, inventory.ErrAlreadyCollateral)

	pledges, err := svc.List(ctx, Filter{ListingID: listing.ID})
	require.NoError(t, err)
	assert.Len(t, pledges, 1)
}

// sellingInventory lets an order take stock between the pledge's first
// read of the listing and the collateral flag.
type sellingInventory struct {
	*inventory.Ledger
	sold int64
}

func (s sellingInventory) MarkCollateral(ctx context.Context, id string) (*inventory.Listing, error) {
	if _, err := s.Reserve(ctx, id, s.sold); err != nil {
		return nil, err
	}
	return s.Ledger.MarkCollateral(ctx, id)
}

func TestPledge_SnapshotFromFlaggedRow(t *testing.T) {
	runner := uow.NewMemoryRunner()
	inv := inventory.NewLedger(inventory.NewMemoryStore(), runner)
	ctx := context.Background()
	newListing := func() *inventory.Listing {
		l, err := inv.CreateListing(ctx, inventory.CreateRequest{
			SellerID: "farmer-1", Name: "Cocoa beans", UnitPrice: decimal.NewFromInt(20), Quantity: 10,
		})
		require.NoError(t, err)
		return l
	}

	listing := newListing()
	svc := NewService(NewMemoryStore(), runner, sellingInventory{Ledger: inv, sold: 3})
	p, err := svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: listing.ID, LoanAmount: decimal.NewFromInt(70)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Listing.Quantity)
	assert.Equal(t, "140", p.Listing.TotalValue.String())
	assert.Equal(t, "0.5", p.LTV().String())

	drained := newListing()
	svc = NewService(NewMemoryStore(), runner, sellingInventory{Ledger: inv, sold: 10})
	_, err = svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: drained.ID, LoanAmount: decimal.NewFromInt(70)})
	assert.ErrorIs(t, err, ErrEmptyListing)
	after, err := inv.Get(ctx, drained.ID)
	require.NoError(t, err)
	assert.False(t, after.Collateral, "an empty pledge must roll the flag back")
	assert.Equal(t, int64(10), after.Quantity)
}

func TestPledge_LoanRoundedToCents(t *testing.T) {
	svc, _, listing, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: listing.ID, LoanAmount: decimal.RequireFromString("0.004")})
	assert.ErrorIs(t, err, ErrInvalidLoan)

	p, err := svc.Pledge(ctx, PledgeRequest{OwnerID: "farmer-1", ListingID: listing.ID, LoanAmount: decimal.RequireFromString("250.456")})
	require.NoError(t, err)
	assert.Equal(t, "250.46", p.LoanAmount.String())

	stored, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, p.LoanAmount.Equal(stored.LoanAmount))
	assert.Equal(t, p.LTV().String(), stored.LTV().String())
}

func TestPledge_ConcurrentSingleWinner(t *testing.T) {
	svc, _, listing, _, _ := setup(t)

	var ok, already atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Pledge(context.Background(), PledgeRequest{OwnerID: "farmer-1", ListingID: listing.ID, LoanAmount: decimal.NewFromInt(10)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, inventory.ErrAlreadyCollateral):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(9), already.Load())
}

func TestAdvance_RoleChecks(t *testing.T) {
	svc, _, listing, _, _ := setup(t)
	p := pledge(t, svc, listing.ID)

	seller := audit.WithActor(context.Background(), audit.Actor{ID: "farmer-1", Role: audit.RoleSeller})
	_, err := svc.AdvanceStatus(seller, p.ID, AdvanceRequest{Status: StatusVerified})
	assert.ErrorIs(t, err, ErrForbidden)

	verifier := audit.WithActor(context.Background(), audit.Actor{ID: "field-agent-7", Role: audit.RoleVerifier})
	p, err = svc.AdvanceStatus(verifier, p.ID, AdvanceRequest{Status: StatusVerified, Note: "weighed on site"})
	require.NoError(t, err)
	assert.Equal(t, "field-agent-7", p.VerifiedBy)
	assert.Equal(t, "weighed on site", p.Note)
}

func TestGet_CaseInsensitive(t *testing.T) {
	svc, _, listing, _, _ := setup(t)
	p := pledge(t, svc, listing.ID)

	got, err := svc.Get(context.Background(), " "+strings.ToLower(p.ID)+" ")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = svc.Get(context.Background(), "PLG-2222-2222")
	assert.ErrorIs(t, err, ErrPledgeNotFound)
}
