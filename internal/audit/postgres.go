package audit

import (
	"context"
	"database/sql"

	"github.com/cropstack/settlement/internal/uow"
)

// PostgresLog writes audit entries to PostgreSQL.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates an audit log backed by PostgreSQL.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, entry *Entry) error {
	return uow.Conn(ctx, l.db).QueryRowContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, operation, from_status, to_status,
			actor_id, actor_role, request_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, entry.EntityType, entry.EntityID, entry.Operation, entry.FromStatus, entry.ToStatus,
		entry.ActorID, entry.ActorRole, entry.RequestID, entry.Detail, entry.CreatedAt,
	).Scan(&entry.ID)
}

func (l *PostgresLog) ForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := uow.Conn(ctx, l.db).QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, from_status, to_status,
		       actor_id, actor_role, request_id, detail, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id ASC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &e.FromStatus, &e.ToStatus,
			&e.ActorID, &e.ActorRole, &e.RequestID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Log = (*PostgresLog)(nil)
