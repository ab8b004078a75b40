package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/database"
)

// Repository handles audit_entries persistence. The table rejects UPDATE and DELETE.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts e.
func (r *Repository) Append(ctx context.Context, e *models.AuditEntry) error {
	return Insert(ctx, r.pool, e)
}

// Insert writes e through db, which may be a transaction owned by another repository.
func Insert(ctx context.Context, db database.DBTX, e *models.AuditEntry) error {
	const q = `INSERT INTO audit_entries
		(id, organization_id, actor_id, action_type, entity_type, entity_id, action_data, before_state, after_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := db.Exec(ctx, q, e.ID, e.OrganizationID, e.ActorID, e.ActionType, e.EntityType, e.EntityID,
		nullJSON(e.ActionData), nullJSON(e.BeforeState), nullJSON(e.AfterState), e.CreatedAt)
	return err
}

// List returns entries for orgID, newest first, with the total count.
func (r *Repository) List(ctx context.Context, orgID uuid.UUID, offset, limit int) ([]models.AuditEntry, int, error) {
	total, err := r.Count(ctx, orgID)
	if err != nil {
		return nil, 0, err
	}
	const q = `SELECT id, organization_id, actor_id, action_type, entity_type, entity_id,
		action_data, before_state, after_state, created_at
		FROM audit_entries WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ActorID, &e.ActionType, &e.EntityType, &e.EntityID,
			&e.ActionData, &e.BeforeState, &e.AfterState, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		list = append(list, e)
	}
	return list, total, rows.Err()
}

// Count returns the number of entries for orgID.
func (r *Repository) Count(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
