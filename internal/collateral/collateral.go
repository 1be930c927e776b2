// Package collateral tracks pledges of listed goods against loan requests.
//
// A pledge freezes a snapshot of the listing when it is made and takes the
// listing off the market for as long as the pledge is open. Pledges never
// touch escrow; any loan disbursement happens outside this service.
package collateral

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPledgeNotFound    = errors.New("pledge not found")
	ErrInvalidTransition = errors.New("invalid pledge transition")
	ErrInvalidLoan       = errors.New("loan amount must be positive")
	ErrEmptyListing      = errors.New("listing has no units to pledge")
	ErrInvalidStatus     = errors.New("unknown pledge status")
	ErrForbidden         = errors.New("caller may not change pledge status")
)

// Status is a pledge's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusActive    Status = "active"
	StatusReleased  Status = "released"
	StatusDefaulted Status = "defaulted"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusVerified},
	StatusVerified: {StatusActive},
	StatusActive:   {StatusReleased, StatusDefaulted},
}

// CanTransition reports whether a pledge may move from one status to another.
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
	case StatusPending, StatusVerified, StatusActive, StatusReleased, StatusDefaulted:
		return true
	}
	return false
}

// IsSettled returns true once the pledge has been released or defaulted.
func (s Status) IsSettled() bool {
	return s == StatusReleased || s == StatusDefaulted
}

// Snapshot is the listing as it stood when it was pledged.
type Snapshot struct {
	ListingID  string          `json:"listingId"`
	Name       string          `json:"name"`
	Category   string          `json:"category,omitempty"`
	Unit       string          `json:"unit,omitempty"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	TotalValue decimal.Decimal `json:"totalValue"`
}

// Pledge is a request to borrow against listed goods.
type Pledge struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"ownerId"`
	OwnerName    string          `json:"ownerName,omitempty"`
	OwnerContact string          `json:"ownerContact,omitempty"`
	Listing      Snapshot        `json:"listing"`
	LoanAmount   decimal.Decimal `json:"loanAmount"`
	Status       Status          `json:"status"`
	VerifiedBy   string          `json:"verifiedBy,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	VerifiedAt   *time.Time      `json:"verifiedAt,omitempty"`
	ActivatedAt  *time.Time      `json:"activatedAt,omitempty"`
	SettledAt    *time.Time      `json:"settledAt,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LTV returns the loan-to-value ratio rounded to four places. It is
// advisory only and zero when the snapshot has no value.
func (p *Pledge) LTV() decimal.Decimal {
	if !p.Listing.TotalValue.IsPositive() {
		return decimal.Zero
	}
	return p.LoanAmount.DivRound(p.Listing.TotalValue, 4)
}

// MarshalJSON adds the computed ltv to the pledge.
func (p Pledge) MarshalJSON() ([]byte, error) {
	type plain Pledge
	return json.Marshal(struct {
		plain
		LTV decimal.Decimal `json:"ltv"`
	}{plain(p), p.LTV()})
}

// PledgeRequest contains the parameters for pledging a listing.
type PledgeRequest struct {
	OwnerID      string          `json:"ownerId" validate:"required,party_id"`
	OwnerName    string          `json:"ownerName" validate:"max=200"`
	OwnerContact string          `json:"ownerContact" validate:"max=200"`
	ListingID    string          `json:"listingId" validate:"required,startswith=lst_"`
	LoanAmount   decimal.Decimal `json:"loanAmount" validate:"positive_decimal"`
}

// AdvanceRequest moves a pledge to a new status.
type AdvanceRequest struct {
	Status Status `json:"status" validate:"required"`
	Note   string `json:"note" validate:"max=500"`
}

// Filter narrows List results.
type Filter struct {
	OwnerID   string
	ListingID string
	Status    Status
	Limit     int
}

// Store persists pledges.
type Store interface {
	Create(ctx context.Context, p *Pledge) error
	Get(ctx context.Context, id string) (*Pledge, error)
	List(ctx context.Context, f Filter) ([]*Pledge, error)
	// Transition saves p only if the stored status still equals from.
	Transition(ctx context.Context, p *Pledge, from Status) error
}
