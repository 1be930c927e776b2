package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cropstack/settlement/internal/uow"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, buyer_name, seller_id, listing_id, listing_name,
		       quantity, unit_price, total_price, reservation_fee, status, pickup_code,
		       cancel_reason, cancelled_by, created_at, approved_at, paid_at,
		       completed_at, cancelled_at, reservation_expires_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := uow.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)`,
		o.ID, o.BuyerID, o.BuyerName, o.SellerID, o.ListingID, o.ListingName,
		o.Quantity, o.UnitPrice, o.TotalPrice, o.ReservationFee, string(o.Status), o.PickupCode,
		o.CancelReason, o.CancelledBy, o.CreatedAt, nullTime(o.ApprovedAt), nullTime(o.PaidAt),
		nullTime(o.CompletedAt), nullTime(o.CancelledAt), nullTime(o.ReservationExpiresAt), o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := uow.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// Transition is a compare-and-set on status. Immutable columns (price,
// quantity, pickup code) are never part of the UPDATE.
func (p *PostgresStore) Transition(ctx context.Context, o *Order, from Status) error {
	result, err := uow.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE orders SET
			status = $1, cancel_reason = $2, cancelled_by = $3,
			approved_at = $4, paid_at = $5, completed_at = $6, cancelled_at = $7,
			reservation_expires_at = $8, updated_at = $9
		WHERE id = $10 AND status = $11`,
		string(o.Status), o.CancelReason, o.CancelledBy,
		nullTime(o.ApprovedAt), nullTime(o.PaidAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		nullTime(o.ReservationExpiresAt), o.UpdatedAt,
		o.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, o.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: order %s is no longer %s", ErrInvalidTransition, o.ID, from)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("buyer_id", f.BuyerID)
	add("seller_id", f.SellerID)
	add("listing_id", f.ListingID)
	add("status", string(f.Status))
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'reserved' AND reservation_expires_at < $1
		ORDER BY reservation_expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status      string
		approvedAt  sql.NullTime
		paidAt      sql.NullTime
		completedAt sql.NullTime
		cancelledAt sql.NullTime
		expiresAt   sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.BuyerName, &o.SellerID, &o.ListingID, &o.ListingName,
		&o.Quantity, &o.UnitPrice, &o.TotalPrice, &o.ReservationFee, &status, &o.PickupCode,
		&o.CancelReason, &o.CancelledBy, &o.CreatedAt, &approvedAt, &paidAt,
		&completedAt, &cancelledAt, &expiresAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.ApprovedAt = timePtr(approvedAt)
	o.PaidAt = timePtr(paidAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.ReservationExpiresAt = timePtr(expiresAt)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
