// Package escrow keeps the funds-in-trust ledger for sellers.
//
// Flow:
//  1. Buyer pays for an approved order → a positive "hold" entry, status held
//  2. Order completes → the hold is released and counts toward available
//  3. Seller withdraws → one negative "withdrawal" entry for the whole
//     available balance, released immediately
//
// Balances are always derived from the entries; nothing stores a running
// total that could drift from them.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/idgen"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/realtime"
	"github.com/cropstack/settlement/internal/traces"
	"github.com/cropstack/settlement/internal/uow"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNothingToWithdraw   = errors.New("nothing to withdraw")
	ErrDuplicateHold       = errors.New("order already has an escrow hold")
	ErrTransactionNotFound = errors.New("escrow transaction not found")
)

// Kind distinguishes credits from debits.
type Kind string

const (
	KindHold       Kind = "hold"
	KindWithdrawal Kind = "withdrawal"
)

// Status of an escrow entry.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
)

// Transaction is one ledger entry. Amount is positive for holds and
// negative for withdrawals. OrderID holds the withdrawal reference for
// withdrawal entries.
type Transaction struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"sellerId"`
	OrderID         string          `json:"orderId"`
	Kind            Kind            `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Status          Status          `json:"status"`
	ReleasableAfter *time.Time      `json:"releasableAfter,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Balance is a seller's derived position.
type Balance struct {
	SellerID  string          `json:"sellerId"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
}

// Withdrawal is the receipt returned to a seller.
type Withdrawal struct {
	Reference     string          `json:"reference"`
	TransactionID string          `json:"transactionId"`
	SellerID      string          `json:"sellerId"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Reconciliation compares the stored aggregate with a recount of every entry.
type Reconciliation struct {
	SellerID   string    `json:"sellerId"`
	Aggregate  Balance   `json:"aggregate"`
	Recomputed Balance   `json:"recomputed"`
	Entries    int       `json:"entries"`
	Consistent bool      `json:"consistent"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Store persists escrow entries.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	// ReleaseHeld flips every held entry of the order to released and
	// returns the entries it changed.
	ReleaseHeld(ctx context.Context, orderID string, at time.Time) ([]*Transaction, error)
	Balance(ctx context.Context, sellerID string) (*Balance, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Transaction, error)
	// LockSeller serializes withdrawals for one seller until the unit of
	// work ends.
	LockSeller(ctx context.Context, sellerID string) error
}

// Service implements the escrow ledger.
type Service struct {
	store     Store
	runner    uow.Runner
	audit     audit.Log
	publisher realtime.Publisher
}

// NewService creates a new escrow service.
func NewService(store Store, runner uow.Runner) *Service {
	return &Service{store: store, runner: runner}
}

// WithAudit records escrow changes in the audit trail.
func (s *Service) WithAudit(log audit.Log) *Service {
	s.audit = log
	return s
}

// WithPublisher streams committed escrow events.
func (s *Service) WithPublisher(p realtime.Publisher) *Service {
	s.publisher = p
	return s
}

// Hold records funds paid for an order as held for the seller.
func (s *Service) Hold(ctx context.Context, sellerID, orderID string, amount decimal.Decimal, releasableAfter time.Time) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.SellerID(sellerID), traces.OrderID(orderID), traces.Amount(amount.String()))
	done := metrics.ObserveOp("escrow", "hold")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	ra := releasableAfter.UTC()
	tx = &Transaction{
		ID:              idgen.WithPrefix(idgen.TransactionPrefix),
		SellerID:        sellerID,
		OrderID:         orderID,
		Kind:            KindHold,
		Amount:          amount,
		Status:          StatusHeld,
		ReleasableAfter: &ra,
		CreatedAt:       time.Now().UTC(),
	}

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, tx); err != nil {
			return err
		}
		if err := s.record(ctx, tx.ID, "hold", string(StatusHeld), fmt.Sprintf("order=%s amount=%s", orderID, amount)); err != nil {
			return err
		}
		uow.AfterCommit(ctx, func() {
			metrics.EscrowVolume.WithLabelValues(string(KindHold)).Add(amount.InexactFloat64())
			s.publish(ctx, realtime.NewEvent(realtime.EventEscrowHeld, tx.ID, tx, sellerID))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Release moves every held entry of the order to released. An order with
// nothing held is not an error.
func (s *Service) Release(ctx context.Context, orderID string) (released []*Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.OrderID(orderID))
	done := metrics.ObserveOp("escrow", "release")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		var err error
		released, err = s.store.ReleaseHeld(ctx, orderID, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, tx := range released {
			if err := s.record(ctx, tx.ID, "release", string(StatusReleased), "order="+orderID); err != nil {
				return err
			}
		}
		uow.AfterCommit(ctx, func() {
			for _, tx := range released {
				metrics.EscrowVolume.WithLabelValues("release").Add(tx.Amount.InexactFloat64())
				s.publish(ctx, realtime.NewEvent(realtime.EventEscrowReleased, tx.ID, tx, tx.SellerID))
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Withdraw pays out a seller's entire available balance. Concurrent
// withdrawals for the same seller are serialized so the balance is never
// paid twice.
func (s *Service) Withdraw(ctx context.Context, sellerID string) (w *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Withdraw", traces.SellerID(sellerID))
	done := metrics.ObserveOp("escrow", "withdraw")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	err = s.runner.Do(ctx, func(ctx context.Context) error {
		if err := s.store.LockSeller(ctx, sellerID); err != nil {
			return err
		}
		bal, err := s.store.Balance(ctx, sellerID)
		if err != nil {
			return err
		}
		if !bal.Available.IsPositive() {
			return ErrNothingToWithdraw
		}

		now := time.Now().UTC()
		tx := &Transaction{
			ID:         idgen.WithPrefix(idgen.TransactionPrefix),
			SellerID:   sellerID,
			OrderID:    idgen.WithPrefix(idgen.WithdrawalPrefix),
			Kind:       KindWithdrawal,
			Amount:     bal.Available.Neg(),
			Status:     StatusReleased,
			ReleasedAt: &now,
			CreatedAt:  now,
		}
		if err := s.store.Create(ctx, tx); err != nil {
			return err
		}
		if err := s.record(ctx, tx.ID, "withdraw", string(StatusReleased), "amount="+bal.Available.String()); err != nil {
			return err
		}

		w = &Withdrawal{
			Reference:     tx.OrderID,
			TransactionID: tx.ID,
			SellerID:      sellerID,
			Amount:        bal.Available,
			CreatedAt:     now,
		}
		receipt := w
		uow.AfterCommit(ctx, func() {
			metrics.WithdrawalsTotal.Inc()
			metrics.EscrowVolume.WithLabelValues(string(KindWithdrawal)).Add(receipt.Amount.InexactFloat64())
			s.publish(ctx, realtime.NewEvent(realtime.EventEscrowWithdrawn, receipt.Reference, receipt, sellerID))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("seller withdrawal", "sellerId", sellerID, "reference", w.Reference, "amount", w.Amount.String())
	return w, nil
}

// BalanceOf returns a seller's available and pending totals.
func (s *Service) BalanceOf(ctx context.Context, sellerID string) (*Balance, error) {
	return s.store.Balance(ctx, sellerID)
}

// History returns a seller's entries, newest first.
func (s *Service) History(ctx context.Context, sellerID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// ByOrder returns the entries recorded for an order.
func (s *Service) ByOrder(ctx context.Context, orderID string) ([]*Transaction, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// Reconcile recounts a seller's balance from the raw entries and compares
// it with the store's aggregate.
func (s *Service) Reconcile(ctx context.Context, sellerID string) (*Reconciliation, error) {
	var rec *Reconciliation
	err := s.runner.Do(ctx, func(ctx context.Context) error {
		agg, err := s.store.Balance(ctx, sellerID)
		if err != nil {
			return err
		}
		entries, err := s.store.ListBySeller(ctx, sellerID, 0)
		if err != nil {
			return err
		}
		recomputed := Summarize(sellerID, entries)
		rec = &Reconciliation{
			SellerID:   sellerID,
			Aggregate:  *agg,
			Recomputed: recomputed,
			Entries:    len(entries),
			Consistent: agg.Available.Equal(recomputed.Available) && agg.Pending.Equal(recomputed.Pending),
			CheckedAt:  time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		logging.L(ctx).Error("escrow balance mismatch",
			"sellerId", sellerID,
			"aggregateAvailable", rec.Aggregate.Available.String(),
			"recomputedAvailable", rec.Recomputed.Available.String())
	}
	return rec, nil
}

// Summarize derives a balance from entries: available is every released
// credit plus every withdrawal; pending is every held credit.
func Summarize(sellerID string, entries []*Transaction) Balance {
	b := Balance{SellerID: sellerID, Available: decimal.Zero, Pending: decimal.Zero}
	for _, tx := range entries {
		switch {
		case tx.Amount.IsNegative():
			b.Available = b.Available.Add(tx.Amount)
		case tx.Status == StatusHeld:
			b.Pending = b.Pending.Add(tx.Amount)
		case tx.Status == StatusReleased:
			b.Available = b.Available.Add(tx.Amount)
		}
	}
	return b
}

func (s *Service) record(ctx context.Context, id, op, to, detail string) error {
	return audit.Record(ctx, s.audit, audit.Entry{
		EntityType: audit.EntityEscrow,
		EntityID:   id,
		Operation:  op,
		ToStatus:   to,
		Detail:     detail,
	})
}

func (s *Service) publish(ctx context.Context, ev *realtime.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, ev)
	}
}
