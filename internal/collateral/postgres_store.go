package collateral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cropstack/settlement/internal/uow"
)

// PostgresStore persists pledges in PostgreSQL. The listing snapshot is
// stored in flat columns alongside the pledge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pledge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pledgeColumns = `id, owner_id, owner_name, owner_contact,
		       listing_id, listing_name, listing_category, listing_unit,
		       listing_quantity, unit_price, total_value, loan_amount,
		       status, verified_by, note, created_at, verified_at,
		       activated_at, settled_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pl *Pledge) error {
	_, err := uow.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO pledges (`+pledgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		pl.ID, pl.OwnerID, pl.OwnerName, pl.OwnerContact,
		pl.Listing.ListingID, pl.Listing.Name, pl.Listing.Category, pl.Listing.Unit,
		pl.Listing.Quantity, pl.Listing.UnitPrice, pl.Listing.TotalValue, pl.LoanAmount,
		string(pl.Status), pl.VerifiedBy, pl.Note, pl.CreatedAt, nullTime(pl.VerifiedAt),
		nullTime(pl.ActivatedAt), nullTime(pl.SettledAt), pl.UpdatedAt,
	)
	if uow.IsUniqueViolation(err) {
		return fmt.Errorf("pledge %s already exists", pl.ID)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Pledge, error) {
	row := uow.Conn(ctx, p.db).QueryRowContext(ctx, `SELECT `+pledgeColumns+` FROM pledges WHERE id = $1`, id)
	pl, err := scanPledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPledgeNotFound
	}
	return pl, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Pledge, error) {
	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+pledgeColumns+`
		FROM pledges
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 = '' OR listing_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		f.OwnerID, f.ListingID, string(f.Status), f.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Pledge
	for rows.Next() {
		pl, err := scanPledge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pl)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, pl *Pledge, from Status) error {
	result, err := uow.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE pledges SET
			status = $1, verified_by = $2, note = $3, verified_at = $4,
			activated_at = $5, settled_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(pl.Status), pl.VerifiedBy, pl.Note, nullTime(pl.VerifiedAt),
		nullTime(pl.ActivatedAt), nullTime(pl.SettledAt), pl.UpdatedAt,
		pl.ID, string(from),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, pl.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: pledge %s is no longer %s", ErrInvalidTransition, pl.ID, from)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPledge(s scanner) (*Pledge, error) {
	pl := &Pledge{}
	var (
		status      string
		verifiedAt  sql.NullTime
		activatedAt sql.NullTime
		settledAt   sql.NullTime
	)
	err := s.Scan(
		&pl.ID, &pl.OwnerID, &pl.OwnerName, &pl.OwnerContact,
		&pl.Listing.ListingID, &pl.Listing.Name, &pl.Listing.Category, &pl.Listing.Unit,
		&pl.Listing.Quantity, &pl.Listing.UnitPrice, &pl.Listing.TotalValue, &pl.LoanAmount,
		&status, &pl.VerifiedBy, &pl.Note, &pl.CreatedAt, &verifiedAt,
		&activatedAt, &settledAt, &pl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pl.Status = Status(status)
	pl.VerifiedAt = timePtr(verifiedAt)
	pl.ActivatedAt = timePtr(activatedAt)
	pl.SettledAt = timePtr(settledAt)
	return pl, nil
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
