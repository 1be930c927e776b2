// Package orders owns the order state machine.
//
//	pending ──approve──▶ approved ──pay──▶ reserved ──complete──▶ completed
//	   │                    │
//	   └──reject/cancel─────┴──────────▶ cancelled
//
// Stock is taken from the listing when the order is placed and given back
// if it is cancelled. Paying places the order total on hold in escrow;
// completing the pickup releases it to the seller. Every transition names
// the status it starts from, so a second caller racing on the same order
// gets ErrInvalidTransition instead of a silent no-op.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropstack/settlement/internal/pagination"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid order transition")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrSelfPurchase       = errors.New("buyer cannot order their own listing")
	ErrPickupCodeMismatch = errors.New("pickup code does not match")
	ErrNotParty           = errors.New("caller is not a party to this order")
)

// Status is an order's position in the state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusReserved  Status = "reserved" // paid, awaiting pickup
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusCancelled},
	StatusApproved: {StatusReserved, StatusCancelled},
	StatusReserved: {StatusCompleted},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusReserved, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Order is a buyer's claim on units of a listing. TotalPrice is frozen at
// placement; each timestamp is set exactly when its transition happens.
type Order struct {
	ID                   string          `json:"id"`
	BuyerID              string          `json:"buyerId"`
	BuyerName            string          `json:"buyerName,omitempty"`
	SellerID             string          `json:"sellerId"`
	ListingID            string          `json:"listingId"`
	ListingName          string          `json:"listingName,omitempty"`
	Quantity             int64           `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unitPrice"`
	TotalPrice           decimal.Decimal `json:"totalPrice"`
	ReservationFee       decimal.Decimal `json:"reservationFee"`
	Status               Status          `json:"status"`
	PickupCode           string          `json:"pickupCode,omitempty"`
	CancelReason         string          `json:"cancelReason,omitempty"`
	CancelledBy          string          `json:"cancelledBy,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	ApprovedAt           *time.Time      `json:"approvedAt,omitempty"`
	PaidAt               *time.Time      `json:"paidAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	CancelledAt          *time.Time      `json:"cancelledAt,omitempty"`
	ReservationExpiresAt *time.Time      `json:"reservationExpiresAt,omitempty"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Overdue reports whether a paid order has outlived its reservation.
func (o *Order) Overdue(now time.Time) bool {
	return o.Status == StatusReserved && o.ReservationExpiresAt != nil && now.After(*o.ReservationExpiresAt)
}

// PlaceRequest contains the parameters for placing an order.
type PlaceRequest struct {
	BuyerID   string `json:"buyerId" validate:"required,party_id"`
	BuyerName string `json:"buyerName" validate:"max=200"`
	ListingID string `json:"listingId" validate:"required,startswith=lst_"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

// CancelRequest carries an optional reason for rejecting or cancelling.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CompleteRequest optionally carries the pickup code shown by the buyer.
type CompleteRequest struct {
	PickupCode string `json:"pickupCode"`
}

// Filter narrows List results.
type Filter struct {
	BuyerID   string
	SellerID  string
	ListingID string
	Status    Status
	Limit     int
	// Cursor resumes a listing after the last order of a previous page.
	Cursor *pagination.Cursor
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f Filter) ([]*Order, error)
	// Transition saves o only if the stored status still equals from.
	// Otherwise it returns ErrInvalidTransition.
	Transition(ctx context.Context, o *Order, from Status) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}
