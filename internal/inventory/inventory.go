// Package inventory keeps the available-quantity counter for every listing.
//
// Quantity only moves through Reserve (decrement, refused when it would go
// negative) and Restore/Restock (increment). Both are single conditional
// updates in the store, so concurrent buyers on one listing can never
// oversell it and concurrent restores never lose an increment.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/traces"
	"github.com/cropstack/settlement/internal/uow"
)

var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidPrice       = errors.New("unit price must be positive")
	ErrListingUnavailable = errors.New("listing is not available for sale")
	ErrAlreadyCollateral  = errors.New("listing is pledged as collateral")
	ErrNotCollateral      = errors.New("listing is not pledged as collateral")
	ErrNotOwner           = errors.New("caller does not own this listing")
)

// Listing is a sellable or pledgeable lot of goods.
type Listing struct {
	ID         string          `json:"id"`
	SellerID   string          `json:"sellerId"`
	SellerName string          `json:"sellerName,omitempty"`
	Name       string          `json:"name"`
	Category   string          `json:"category,omitempty"`
	Unit       string          `json:"unit,omitempty"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	Quantity   int64           `json:"quantity"`
	Active     bool            `json:"active"`
	Collateral bool            `json:"collateral"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Sellable reports whether buyers may order from the listing.
func (l *Listing) Sellable() bool {
	return l.Active && !l.Collateral
}

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	SellerID   string          `json:"sellerId" validate:"required,party_id"`
	SellerName string          `json:"sellerName" validate:"max=200"`
	Name       string          `json:"name" validate:"required,max=200"`
	Category   string          `json:"category" validate:"max=100"`
	Unit       string          `json:"unit" validate:"max=32"`
	UnitPrice  decimal.Decimal `json:"unitPrice" validate:"positive_decimal"`
	Quantity   int64           `json:"quantity" validate:"gte=0"`
	Inactive   bool            `json:"inactive"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SellerID     string
	Category     string
	SellableOnly bool
	Limit        int
}

// Store persists listings. Reserve and Restore must be atomic
// read-check-write operations on a single listing.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	List(ctx context.Context, f Filter) ([]*Listing, error)
	Reserve(ctx context.Context, id string, qty int64) (*Listing, error)
	Restore(ctx context.Context, id string, qty int64) (*Listing, error)
	SetActive(ctx context.Context, id string, active bool) (*Listing, error)
	MarkCollateral(ctx context.Context, id string) (*Listing, error)
	ClearCollateral(ctx context.Context, id string) (*Listing, error)
}

// Ledger implements the inventory operations.
type Ledger struct {
	store  Store
	runner uow.Runner
	audit  audit.Log
}

// NewLedger creates a new inventory ledger.
func NewLedger(store Store, runner uow.Runner) *Ledger {
	return &Ledger{store: store, runner: runner}
}

// WithAudit records listing changes in the audit trail.
func (l *Ledger) WithAudit(log audit.Log) *Ledger {
	l.audit = log
	return l
}

// CreateListing registers a new listing for a seller.
func (l *Ledger) CreateListing(ctx context.Context, req CreateRequest) (*Listing, error) {
	if req.Quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	if !req.UnitPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	now := time.Now().UTC()
	listing := &Listing{
		ID:         idgen.WithPrefix(idgen.ListingPrefix),
		SellerID:   req.SellerID,
		SellerName: strings.TrimSpace(req.SellerName),
		Name:       strings.TrimSpace(req.Name),
		Category:   strings.TrimSpace(req.Category),
		Unit:       strings.TrimSpace(req.Unit),
		UnitPrice:  req.UnitPrice.Round(2),
		Quantity:   req.Quantity,
		Active:     !req.Inactive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := l.runner.Do(ctx, func(ctx context.Context) error {
		if err := l.store.Create(ctx, listing); err != nil {
			return err
		}
		return l.record(ctx, listing.ID, "create", "", fmt.Sprintf("quantity=%d", listing.Quantity))
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("listing created", "listingId", listing.ID, "sellerId", listing.SellerID, "quantity", listing.Quantity)
	return listing, nil
}

// Get returns a listing by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Listing, error) {
	return l.store.Get(ctx, id)
}

// List returns listings matching the filter.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Listing, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return l.store.List(ctx, f)
}

// Reserve takes qty units out of a sellable listing. It fails with
// ErrInsufficientStock, without changing anything, when fewer than qty
// units are available at the moment of the update.
func (l *Ledger) Reserve(ctx context.Context, id string, qty int64) (listing *Listing, err error) {
	ctx, span := traces.StartSpan(ctx, "inventory.Reserve", traces.ListingID(id), traces.Quantity(qty))
	done := metrics.ObserveOp("inventory", "reserve")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}

	err = l.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		listing, err = l.store.Reserve(ctx, id, qty)
		return err
	})
	if errors.Is(err, ErrInsufficientStock) {
		metrics.StockRejectionsTotal.Inc()
	}
	return listing, err
}

// Restore puts qty units back on a listing. Callers restore at most once
// per cancelled reservation.
func (l *Ledger) Restore(ctx context.Context, id string, qty int64) (listing *Listing, err error) {
	ctx, span := traces.StartSpan(ctx, "inventory.Restore", traces.ListingID(id), traces.Quantity(qty))
	done := metrics.ObserveOp("inventory", "restore")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}

	err = l.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		listing, err = l.store.Restore(ctx, id, qty)
		return err
	})
	return listing, err
}

// Restock adds newly harvested or delivered units to the seller's listing.
func (l *Ledger) Restock(ctx context.Context, id string, qty int64) (*Listing, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}

	var listing *Listing
	err := l.runner.Do(ctx, func(ctx context.Context) error {
		current, err := l.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := checkOwner(ctx, current); err != nil {
			return err
		}
		if listing, err = l.store.Restore(ctx, id, qty); err != nil {
			return err
		}
		return l.record(ctx, id, "restock", "", fmt.Sprintf("added=%d quantity=%d", qty, listing.Quantity))
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// SetActive shows or hides a listing from buyers. A listing pledged as
// collateral cannot be activated.
func (l *Ledger) SetActive(ctx context.Context, id string, active bool) (*Listing, error) {
	var listing *Listing
	err := l.runner.Do(ctx, func(ctx context.Context) error {
		current, err := l.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := checkOwner(ctx, current); err != nil {
			return err
		}
		if active && current.Collateral {
			return ErrAlreadyCollateral
		}
		if listing, err = l.store.SetActive(ctx, id, active); err != nil {
			return err
		}
		op := "deactivate"
		if active {
			op = "activate"
		}
		return l.record(ctx, id, op, "", "")
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// MarkCollateral flags a listing as pledged and hides it from buyers.
func (l *Ledger) MarkCollateral(ctx context.Context, id string) (*Listing, error) {
	var listing *Listing
	err := l.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		if listing, err = l.store.MarkCollateral(ctx, id); err != nil {
			return err
		}
		return l.record(ctx, id, "mark_collateral", "", "")
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// ClearCollateral removes the collateral flag. The listing stays inactive
// until its seller reactivates it.
func (l *Ledger) ClearCollateral(ctx context.Context, id string) (*Listing, error) {
	var listing *Listing
	err := l.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		if listing, err = l.store.ClearCollateral(ctx, id); err != nil {
			return err
		}
		return l.record(ctx, id, "clear_collateral", "", "")
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (l *Ledger) record(ctx context.Context, id, op, to, detail string) error {
	return audit.Record(ctx, l.audit, audit.Entry{
		EntityType: audit.EntityListing,
		EntityID:   id,
		Operation:  op,
		ToStatus:   to,
		Detail:     detail,
	})
}

// checkOwner rejects sellers acting on someone else's listing. Operators
// and system callers may act on any listing.
func checkOwner(ctx context.Context, l *Listing) error {
	actor := audit.ActorFrom(ctx)
	if actor.Role == audit.RoleSeller && actor.ID != l.SellerID {
		return ErrNotOwner
	}
	return nil
}
