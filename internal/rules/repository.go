package rules

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/database"
)

const ruleColumns = `id, organization_id, name, conditions, action, priority, is_active, created_by, created_at, updated_at`

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new rule repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRule(row pgx.Row, r *models.AutomationRule) error {
	var cond []byte
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &cond, &r.Action, &r.Priority, &r.IsActive,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return err
	}
	return json.Unmarshal(cond, &r.Conditions)
}

func (r *Repository) List(ctx context.Context, orgID uuid.UUID, activeOnly bool) ([]models.AutomationRule, error) {
	const q = `SELECT ` + ruleColumns + ` FROM automation_rules
		WHERE organization_id = $1 AND (NOT $2 OR is_active)
		ORDER BY priority DESC, id ASC`
	rows, err := r.pool.Query(ctx, q, orgID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.AutomationRule, 0)
	for rows.Next() {
		var rule models.AutomationRule
		if err := scanRule(rows, &rule); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) Get(ctx context.Context, orgID uuid.UUID, id int64) (*models.AutomationRule, error) {
	const q = `SELECT ` + ruleColumns + ` FROM automation_rules WHERE id = $1 AND organization_id = $2`
	var rule models.AutomationRule
	err := scanRule(r.pool.QueryRow(ctx, q, id, orgID), &rule)
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("automation rule")
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Repository) Create(ctx context.Context, rule *models.AutomationRule, build AuditFunc) error {
	cond, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO automation_rules (organization_id, name, conditions, action, priority, is_active, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`
		if err := tx.QueryRow(ctx, q, rule.OrganizationID, rule.Name, cond, string(rule.Action), rule.Priority,
			rule.IsActive, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt).Scan(&rule.ID); err != nil {
			return err
		}
		a, err := build(rule)
		if err != nil {
			return err
		}
		return audit.Insert(ctx, tx, a)
	})
}

func (r *Repository) Update(ctx context.Context, rule *models.AutomationRule, a *models.AuditEntry) error {
	cond, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `
			UPDATE automation_rules
			SET name = $3, conditions = $4, action = $5, priority = $6, is_active = $7, updated_at = $8
			WHERE id = $1 AND organization_id = $2`
		tag, err := tx.Exec(ctx, q, rule.ID, rule.OrganizationID, rule.Name, cond, string(rule.Action),
			rule.Priority, rule.IsActive, rule.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("automation rule")
		}
		return audit.Insert(ctx, tx, a)
	})
}

func (r *Repository) Delete(ctx context.Context, orgID uuid.UUID, id int64, a *models.AuditEntry) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1 AND organization_id = $2`, id, orgID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("automation rule")
		}
		return audit.Insert(ctx, tx, a)
	})
}
