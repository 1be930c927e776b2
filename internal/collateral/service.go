package collateral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/inventory"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/traces"
	"github.com/cropstack/settlement/internal/uow"
)

// Inventory is the slice of the inventory ledger pledges depend on.
type Inventory interface {
	Get(ctx context.Context, id string) (*inventory.Listing, error)
	MarkCollateral(ctx context.Context, id string) (*inventory.Listing, error)
	ClearCollateral(ctx context.Context, id string) (*inventory.Listing, error)
}

// Service implements the pledge state machine.
type Service struct {
	store     Store
	runner    uow.Runner
	inventory Inventory
	audit     audit.Log
	publisher realtime.Publisher
	now       func() time.Time
}

// NewService creates a new collateral service.
func NewService(store Store, runner uow.Runner, inv Inventory) *Service {
	return &Service{
		store:     store,
		runner:    runner,
		inventory: inv,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithAudit records pledge transitions in the audit trail.
func (s *Service) WithAudit(log audit.Log) *Service {
	s.audit = log
	return s
}

// WithPublisher streams committed pledge events.
func (s *Service) WithPublisher(p realtime.Publisher) *Service {
	s.publisher = p
	return s
}

// Pledge snapshots a listing, flags it as collateral and opens a pending
// pledge, all in one unit of work.
func (s *Service) Pledge(ctx context.Context, req PledgeRequest) (pledge *Pledge, err error) {
	ctx, span := traces.StartSpan(ctx, "collateral.Pledge",
		traces.ListingID(req.ListingID), traces.Amount(req.LoanAmount.String()))
	done := metrics.ObserveOp("collateral", "pledge")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	req.LoanAmount = req.LoanAmount.Round(2)
	if !req.LoanAmount.IsPositive() {
		return nil, ErrInvalidLoan
	}

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		listing, err := s.inventory.Get(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if listing.SellerID != req.OwnerID {
			return inventory.ErrNotOwner
		}
		if actor := audit.ActorFrom(ctx); actor.Role == audit.RoleSeller && actor.ID != req.OwnerID {
			return inventory.ErrNotOwner
		}
		if listing.Quantity <= 0 {
			return ErrEmptyListing
		}
		// Orders may take stock between the read above and the flag. The
		// snapshot is taken from the row as flagged, which no order can
		// reserve from any more.
		listing, err = s.inventory.MarkCollateral(ctx, listing.ID)
		if err != nil {
			return fmt.Errorf("mark %s as collateral: %w", req.ListingID, err)
		}
		if listing.Quantity <= 0 {
			return ErrEmptyListing
		}

		now := s.now()
		pledge = &Pledge{
			ID:           idgen.PledgeCode(),
			OwnerID:      req.OwnerID,
			OwnerName:    strings.TrimSpace(req.OwnerName),
			OwnerContact: strings.TrimSpace(req.OwnerContact),
			Listing: Snapshot{
				ListingID:  listing.ID,
				Name:       listing.Name,
				Category:   listing.Category,
				Unit:       listing.Unit,
				Quantity:   listing.Quantity,
				UnitPrice:  listing.UnitPrice,
				TotalValue: listing.UnitPrice.Mul(decimal.NewFromInt(listing.Quantity)),
			},
			LoanAmount: req.LoanAmount,
			Status:     StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.Create(ctx, pledge); err != nil {
			return err
		}
		if err := s.record(ctx, pledge, "pledge", "", "loan="+pledge.LoanAmount.String()); err != nil {
			return err
		}
		s.afterCommit(ctx, pledge, "", realtime.EventPledgeCreated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// AdvanceStatus moves a pledge forward. Releasing a pledge clears the
// listing's collateral flag; a defaulted pledge keeps it.
func (s *Service) AdvanceStatus(ctx context.Context, id string, req AdvanceRequest) (pledge *Pledge, err error) {
	ctx, span := traces.StartSpan(ctx, "collateral.AdvanceStatus",
		traces.PledgeID(id), traces.Status(string(req.Status)))
	done := metrics.ObserveOp("collateral", "advance")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	to := req.Status
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	actor := audit.ActorFrom(ctx)
	if actor.Role == audit.RoleBuyer || actor.Role == audit.RoleSeller {
		return nil, fmt.Errorf("%w (role %s)", ErrForbidden, actor.Role)
	}

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		p, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		from := p.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
		}

		now := s.now()
		p.Status = to
		p.UpdatedAt = now
		if note := strings.TrimSpace(req.Note); note != "" {
			p.Note = note
		}
		switch to {
		case StatusVerified:
			p.VerifiedAt = &now
			p.VerifiedBy = actor.ID
		case StatusActive:
			p.ActivatedAt = &now
		case StatusReleased, StatusDefaulted:
			p.SettledAt = &now
		}
		if err := s.store.Transition(ctx, p, from); err != nil {
			return err
		}
		if to == StatusReleased {
			if _, err := s.inventory.ClearCollateral(ctx, p.Listing.ListingID); err != nil {
				return fmt.Errorf("clear collateral on %s: %w", p.Listing.ListingID, err)
			}
		}
		if err := s.record(ctx, p, "advance", from, p.Note); err != nil {
			return err
		}
		s.afterCommit(ctx, p, from, realtime.EventPledgeUpdated)
		pledge = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pledge, nil
}

// Get returns a pledge by reference.
func (s *Service) Get(ctx context.Context, id string) (*Pledge, error) {
	return s.store.Get(ctx, strings.ToUpper(strings.TrimSpace(id)))
}

// List returns pledges matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Pledge, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

func (s *Service) afterCommit(ctx context.Context, p *Pledge, from Status, ev realtime.EventType) {
	snapshot := *p
	uow.AfterCommit(ctx, func() {
		metrics.PledgeTransitionsTotal.WithLabelValues(string(snapshot.Status)).Inc()
		logging.L(ctx).Info("pledge transition",
			"pledgeId", snapshot.ID,
			"listingId", snapshot.Listing.ListingID,
			"ownerId", snapshot.OwnerID,
			"from", string(from),
			"to", string(snapshot.Status),
			"ltv", snapshot.LTV().String(),
		)
		if s.publisher != nil {
			s.publisher.Publish(ctx, realtime.NewEvent(ev, snapshot.ID, &snapshot, snapshot.OwnerID))
		}
	})
}

func (s *Service) record(ctx context.Context, p *Pledge, op string, from Status, detail string) error {
	return audit.Record(ctx, s.audit, audit.Entry{
		EntityType: audit.EntityPledge,
		EntityID:   p.ID,
		Operation:  op,
		FromStatus: string(from),
		ToStatus:   string(p.Status),
		Detail:     detail,
	})
}
