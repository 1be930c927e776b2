package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cropstack/settlement/internal/uow"
)

// PostgresStore persists listings in PostgreSQL. Quantity changes are
// single conditional UPDATEs; the table also carries CHECK (quantity >= 0)
// and CHECK (NOT (active AND collateral)).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, seller_id, seller_name, name, category, unit, unit_price,
		       quantity, active, collateral, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := uow.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.SellerID, l.SellerName, l.Name, l.Category, l.Unit, l.UnitPrice,
		l.Quantity, l.Active, l.Collateral, l.CreatedAt, l.UpdatedAt,
	)
	if uow.IsCheckViolation(err) {
		return ErrInvalidQuantity
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := uow.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Listing, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.SellerID != "" {
		args = append(args, f.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.SellableOnly {
		where = append(where, "active AND NOT collateral")
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// Reserve decrements only when enough stock is left. When the UPDATE
// matches nothing the row is re-read to report why.
func (p *PostgresStore) Reserve(ctx context.Context, id string, qty int64) (*Listing, error) {
	row := uow.Conn(ctx, p.db).QueryRowContext(ctx, `
		UPDATE listings
		SET quantity = quantity - $2, updated_at = NOW()
		WHERE id = $1 AND quantity >= $2 AND active AND NOT collateral
		RETURNING `+listingColumns, id, qty)

	l, err := scanListing(row)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Sellable() {
		return nil, ErrListingUnavailable
	}
	return nil, ErrInsufficientStock
}

func (p *PostgresStore) Restore(ctx context.Context, id string, qty int64) (*Listing, error) {
	return p.updateOne(ctx, `
		UPDATE listings
		SET quantity = quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+listingColumns, ErrListingNotFound, id, qty)
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) (*Listing, error) {
	l, err := p.updateOne(ctx, `
		UPDATE listings
		SET active = $2, updated_at = NOW()
		WHERE id = $1 AND NOT ($2 AND collateral)
		RETURNING `+listingColumns, ErrAlreadyCollateral, id, active)
	if errors.Is(err, ErrAlreadyCollateral) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return l, err
}

func (p *PostgresStore) MarkCollateral(ctx context.Context, id string) (*Listing, error) {
	l, err := p.updateOne(ctx, `
		UPDATE listings
		SET collateral = TRUE, active = FALSE, updated_at = NOW()
		WHERE id = $1 AND NOT collateral
		RETURNING `+listingColumns, ErrAlreadyCollateral, id)
	if errors.Is(err, ErrAlreadyCollateral) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return l, err
}

func (p *PostgresStore) ClearCollateral(ctx context.Context, id string) (*Listing, error) {
	l, err := p.updateOne(ctx, `
		UPDATE listings
		SET collateral = FALSE, updated_at = NOW()
		WHERE id = $1 AND collateral
		RETURNING `+listingColumns, ErrNotCollateral, id)
	if errors.Is(err, ErrNotCollateral) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return l, err
}

// updateOne runs a conditional UPDATE ... RETURNING and maps "no row" to noRow.
func (p *PostgresStore) updateOne(ctx context.Context, query string, noRow error, args ...interface{}) (*Listing, error) {
	l, err := scanListing(uow.Conn(ctx, p.db).QueryRowContext(ctx, query, args...))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, noRow
	case uow.IsCheckViolation(err):
		return nil, ErrInsufficientStock
	}
	return l, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	err := s.Scan(&l.ID, &l.SellerID, &l.SellerName, &l.Name, &l.Category, &l.Unit, &l.UnitPrice,
		&l.Quantity, &l.Active, &l.Collateral, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

var _ Store = (*PostgresStore)(nil)
