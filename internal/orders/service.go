package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/escrow"
	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/pagination"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/traces"
	"github.com/cropstack/settlement/internal/uow"
)

// Default policy values.
const (
	DefaultReservationWindow = 48 * time.Hour
	DefaultFeeRate           = "0.05"
)

// Inventory is the slice of the inventory ledger orders depend on.
type Inventory interface {
	Get(ctx context.Context, id string) (*inventory.Listing, error)
	Reserve(ctx context.Context, id string, qty int64) (*inventory.Listing, error)
	Restore(ctx context.Context, id string, qty int64) (*inventory.Listing, error)
}

// Escrow is the slice of the escrow ledger orders depend on.
type Escrow interface {
	Hold(ctx context.Context, sellerID, orderID string, amount decimal.Decimal, releasableAfter time.Time) (*escrow.Transaction, error)
	Release(ctx context.Context, orderID string) ([]*escrow.Transaction, error)
}

// Config holds order policy.
type Config struct {
	// ReservationWindow is how long a paid order waits for pickup.
	ReservationWindow time.Duration
	// FeeRate is the informational reservation fee as a fraction of the total.
	FeeRate decimal.Decimal
}

// Service implements the order state machine.
type Service struct {
	store     Store
	runner    uow.Runner
	inventory Inventory
	escrow    Escrow
	cfg       Config
	audit     audit.Log
	publisher realtime.Publisher
	now       func() time.Time
}

// NewService creates a new order service.
func NewService(store Store, runner uow.Runner, inv Inventory, esc Escrow, cfg Config) *Service {
	if cfg.ReservationWindow <= 0 {
		cfg.ReservationWindow = DefaultReservationWindow
	}
	if cfg.FeeRate.IsNegative() {
		cfg.FeeRate = decimal.Zero
	}
	return &Service{
		store:     store,
		runner:    runner,
		inventory: inv,
		escrow:    esc,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithAudit records order transitions in the audit trail.
func (s *Service) WithAudit(log audit.Log) *Service {
	s.audit = log
	return s
}

// WithPublisher streams committed order events.
func (s *Service) WithPublisher(p realtime.Publisher) *Service {
	s.publisher = p
	return s
}

// Place reserves stock and creates a pending order. The price and the
// available quantity are read from the listing in the same unit of work
// that decrements it.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (order *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.Place",
		traces.ListingID(req.ListingID), traces.Quantity(req.Quantity))
	done := metrics.ObserveOp("orders", "place")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.BuyerID, err = placingBuyer(ctx, req.BuyerID); err != nil {
		return nil, err
	}

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		current, err := s.inventory.Get(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if current.SellerID == req.BuyerID {
			return ErrSelfPurchase
		}

		listing, err := s.inventory.Reserve(ctx, req.ListingID, req.Quantity)
		if err != nil {
			return fmt.Errorf("reserve %d of %s: %w", req.Quantity, req.ListingID, err)
		}

		now := s.now()
		total := listing.UnitPrice.Mul(decimal.NewFromInt(req.Quantity))
		order = &Order{
			ID:             idgen.WithPrefix(idgen.OrderPrefix),
			BuyerID:        req.BuyerID,
			BuyerName:      strings.TrimSpace(req.BuyerName),
			SellerID:       listing.SellerID,
			ListingID:      listing.ID,
			ListingName:    listing.Name,
			Quantity:       req.Quantity,
			UnitPrice:      listing.UnitPrice,
			TotalPrice:     total,
			ReservationFee: total.Mul(s.cfg.FeeRate).Round(2),
			Status:         StatusPending,
			PickupCode:     idgen.PickupCode(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.Create(ctx, order); err != nil {
			return err
		}
		if err := s.record(ctx, order, "place", "", fmt.Sprintf("quantity=%d total=%s", order.Quantity, order.TotalPrice)); err != nil {
			return err
		}
		s.afterCommit(ctx, order, "", realtime.EventOrderPlaced)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Approve accepts a pending order. It has no stock or escrow effect.
func (s *Service) Approve(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, "approve", StatusApproved, requireSeller,
		func(o *Order, now time.Time) { o.ApprovedAt = &now },
		nil)
}

// Reject cancels a pending or approved order on behalf of the seller or
// the marketplace operator and puts the stock back.
func (s *Service) Reject(ctx context.Context, id string, req CancelRequest) (*Order, error) {
	return s.cancel(ctx, id, "reject", requireSeller, req.Reason)
}

// Cancel withdraws a pending or approved order on behalf of the buyer and
// puts the stock back.
func (s *Service) Cancel(ctx context.Context, id string, req CancelRequest) (*Order, error) {
	return s.cancel(ctx, id, "cancel", requireBuyer, req.Reason)
}

func (s *Service) cancel(ctx context.Context, id, op string, check checkFunc, reason string) (*Order, error) {
	by := audit.ActorFrom(ctx).ID
	return s.transition(ctx, id, op, StatusCancelled, check,
		func(o *Order, now time.Time) {
			o.CancelledAt = &now
			o.CancelReason = strings.TrimSpace(reason)
			o.CancelledBy = by
		},
		func(ctx context.Context, o *Order) error {
			if _, err := s.inventory.Restore(ctx, o.ListingID, o.Quantity); err != nil {
				return fmt.Errorf("restore stock for %s: %w", o.ID, err)
			}
			return nil
		})
}

// Pay marks an approved order as paid and holds its total in escrow. The
// hold and the status change commit together.
func (s *Service) Pay(ctx context.Context, id string) (*Order, error) {
	return s.transition(ctx, id, "pay", StatusReserved, requireBuyer,
		func(o *Order, now time.Time) {
			expires := now.Add(s.cfg.ReservationWindow)
			o.PaidAt = &now
			o.ReservationExpiresAt = &expires
		},
		func(ctx context.Context, o *Order) error {
			if _, err := s.escrow.Hold(ctx, o.SellerID, o.ID, o.TotalPrice, *o.ReservationExpiresAt); err != nil {
				return fmt.Errorf("escrow hold for %s: %w", o.ID, err)
			}
			return nil
		})
}

// Complete records the pickup of a paid order and releases its escrow to
// the seller. Only the order's seller, operators and the system may
// complete. When req carries a pickup code it must match the order's.
func (s *Service) Complete(ctx context.Context, id string, req CompleteRequest) (*Order, error) {
	check := func(ctx context.Context, o *Order) error {
		if err := requireSeller(ctx, o); err != nil {
			return err
		}
		if req.PickupCode != "" && !strings.EqualFold(strings.TrimSpace(req.PickupCode), o.PickupCode) {
			return ErrPickupCodeMismatch
		}
		return nil
	}
	return s.transition(ctx, id, "complete", StatusCompleted, check,
		func(o *Order, now time.Time) { o.CompletedAt = &now },
		func(ctx context.Context, o *Order) error {
			if _, err := s.escrow.Release(ctx, o.ID); err != nil {
				return fmt.Errorf("escrow release for %s: %w", o.ID, err)
			}
			return nil
		})
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// List returns orders matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Order, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

// ListPage returns one page of orders and the cursor of the next page,
// which is empty on the last page.
func (s *Service) ListPage(ctx context.Context, f Filter) ([]*Order, string, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	limit := f.Limit
	f.Limit++
	orders, err := s.store.List(ctx, f)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return page, next, nil
}

// ListOverdue returns reserved orders whose reservation expired before now.
func (s *Service) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListOverdue(ctx, now, limit)
}

type (
	checkFunc  func(ctx context.Context, o *Order) error
	stampFunc  func(o *Order, now time.Time)
	effectFunc func(ctx context.Context, o *Order) error
)

// transition runs one guarded state change as a unit of work: load, check
// the caller, validate against the transition table, compare-and-set the
// new status, then apply side effects in other ledgers. The compare-and-set
// comes first so a racing caller fails with ErrInvalidTransition before
// touching stock or escrow. Any failure rolls everything back.
func (s *Service) transition(ctx context.Context, id, op string, to Status, check checkFunc, stamp stampFunc, effect effectFunc) (order *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders."+op, traces.OrderID(id), traces.Status(string(to)))
	done := metrics.ObserveOp("orders", op)
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(ctx, o); err != nil {
				return err
			}
		}
		from := o.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
		}

		now := s.now()
		o.Status = to
		o.UpdatedAt = now
		stamp(o, now)
		if err := s.store.Transition(ctx, o, from); err != nil {
			return err
		}
		if effect != nil {
			if err := effect(ctx, o); err != nil {
				return err
			}
		}
		if err := s.record(ctx, o, op, from, o.CancelReason); err != nil {
			return err
		}
		s.afterCommit(ctx, o, from, eventFor(to))
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func eventFor(to Status) realtime.EventType {
	switch to {
	case StatusApproved:
		return realtime.EventOrderApproved
	case StatusReserved:
		return realtime.EventOrderReserved
	case StatusCompleted:
		return realtime.EventOrderCompleted
	case StatusCancelled:
		return realtime.EventOrderCancelled
	}
	return realtime.EventOrderPlaced
}

func (s *Service) afterCommit(ctx context.Context, o *Order, from Status, ev realtime.EventType) {
	snapshot := *o
	snapshot.PickupCode = ""
	uow.AfterCommit(ctx, func() {
		metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(snapshot.Status)).Inc()
		logging.L(ctx).Info("order transition",
			"orderId", snapshot.ID,
			"listingId", snapshot.ListingID,
			"sellerId", snapshot.SellerID,
			"from", string(from),
			"to", string(snapshot.Status),
		)
		if s.publisher != nil {
			s.publisher.Publish(ctx, realtime.NewEvent(ev, snapshot.ID, &snapshot, snapshot.BuyerID, snapshot.SellerID))
		}
	})
}

func (s *Service) record(ctx context.Context, o *Order, op string, from Status, detail string) error {
	return audit.Record(ctx, s.audit, audit.Entry{
		EntityType: audit.EntityOrder,
		EntityID:   o.ID,
		Operation:  op,
		FromStatus: string(from),
		ToStatus:   string(o.Status),
		Detail:     detail,
	})
}

// requireSeller lets the order's seller, operators and the system act.
func requireSeller(ctx context.Context, o *Order) error {
	a := audit.ActorFrom(ctx)
	if a.Role == audit.RoleBuyer || (a.Role == audit.RoleSeller && a.ID != o.SellerID) {
		return ErrNotParty
	}
	return nil
}

// placingBuyer resolves who an order is placed for. Buyers may only order
// for themselves and an empty buyer id defaults to them; sellers cannot
// place orders; operators and the system name the buyer explicitly.
func placingBuyer(ctx context.Context, buyerID string) (string, error) {
	a := audit.ActorFrom(ctx)
	switch a.Role {
	case audit.RoleBuyer:
		if buyerID == "" {
			return a.ID, nil
		}
		if buyerID != a.ID {
			return "", ErrNotParty
		}
	case audit.RoleSeller:
		return "", ErrNotParty
	}
	if buyerID == "" {
		return "", ErrNotParty
	}
	return buyerID, nil
}

// requireBuyer lets the order's buyer, operators and the system act.
func requireBuyer(ctx context.Context, o *Order) error {
	a := audit.ActorFrom(ctx)
	if a.Role == audit.RoleSeller || (a.Role == audit.RoleBuyer && a.ID != o.BuyerID) {
		return ErrNotParty
	}
	return nil
}
