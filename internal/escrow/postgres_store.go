package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/cropstack/settlement/internal/uow"
)

// PostgresStore persists escrow entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, seller_id, order_id, kind, amount, status,
		       releasable_after, released_at, created_at`

// Create inserts an entry. A unique partial index on (order_id) WHERE
// kind = 'hold' rejects a second hold for the same order.
func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := uow.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID, tx.SellerID, tx.OrderID, string(tx.Kind), tx.Amount, string(tx.Status),
		nullTime(tx.ReleasableAfter), nullTime(tx.ReleasedAt), tx.CreatedAt,
	)
	if uow.IsUniqueViolation(err) {
		return ErrDuplicateHold
	}
	return err
}

func (p *PostgresStore) ReleaseHeld(ctx context.Context, orderID string, at time.Time) ([]*Transaction, error) {
	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, `
		UPDATE escrow_transactions
		SET status = 'released', released_at = $2
		WHERE order_id = $1 AND status = 'held'
		RETURNING `+transactionColumns, orderID, at)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) Balance(ctx context.Context, sellerID string) (*Balance, error) {
	b := &Balance{SellerID: sellerID}
	err := uow.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount < 0 OR status = 'released'), 0),
			COALESCE(SUM(amount) FILTER (WHERE amount > 0 AND status = 'held'), 0)
		FROM escrow_transactions
		WHERE seller_id = $1`, sellerID,
	).Scan(&b.Available, &b.Pending)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE seller_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{sellerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Transaction, error) {
	rows, err := uow.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// LockSeller takes a transaction-scoped advisory lock keyed on the seller.
func (p *PostgresStore) LockSeller(ctx context.Context, sellerID string) error {
	_, err := uow.Conn(ctx, p.db).ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('escrow_withdraw:' || $1))`, sellerID)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		kind, status    string
		releasableAfter sql.NullTime
		releasedAt      sql.NullTime
	)
	err := s.Scan(&tx.ID, &tx.SellerID, &tx.OrderID, &kind, &tx.Amount, &status,
		&releasableAfter, &releasedAt, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Kind = Kind(kind)
	tx.Status = Status(status)
	if releasableAfter.Valid {
		tx.ReleasableAfter = &releasableAfter.Time
	}
	if releasedAt.Valid {
		tx.ReleasedAt = &releasedAt.Time
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
