package organizations

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/database"
)

// Repository handles organization, organization_user and policy persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the organization, its owner membership and its initial policy.
func (r *Repository) Create(ctx context.Context, org *models.Organization, owner *models.Membership, policy *models.Policy, a *models.AuditEntry) error {
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insertOrg = `INSERT INTO organizations (id, name, slug, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, insertOrg, org.ID, org.Name, org.Slug, org.CreatedAt, org.UpdatedAt); err != nil {
			return err
		}
		if err := insertMember(ctx, tx, owner); err != nil {
			return err
		}
		if err := upsertPolicy(ctx, tx, policy); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, a)
	})
	if database.IsUniqueViolation(err) {
		return apperr.Conflict("an organization with slug %q already exists", org.Slug)
	}
	return err
}

// GetByID returns an organization by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	const q = `SELECT id, name, slug, created_at, updated_at FROM organizations WHERE id = $1`
	var org models.Organization
	err := r.pool.QueryRow(ctx, q, id).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("organization")
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ListForUser returns organizations the user is a member of (for GET /organizations).
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Organization, error) {
	const q = `SELECT o.id, o.name, o.slug, o.created_at, o.updated_at
		FROM organizations o
		INNER JOIN organization_users ou ON ou.organization_id = o.id
		WHERE ou.user_id = $1
		ORDER BY o.name`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.Organization, 0)
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// GetRole returns the user's role in the organization.
func (r *Repository) GetRole(ctx context.Context, orgID, userID uuid.UUID) (rbac.Role, error) {
	const q = `SELECT role FROM organization_users WHERE organization_id = $1 AND user_id = $2`
	var role string
	err := r.pool.QueryRow(ctx, q, orgID, userID).Scan(&role)
	if database.IsNoRows(err) {
		return "", apperr.NotFound("membership")
	}
	if err != nil {
		return "", err
	}
	return rbac.Role(role), nil
}

// ListMembers returns members of an organization (join organization_users + users).
func (r *Repository) ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error) {
	const q = `SELECT ou.user_id, u.email, COALESCE(u.full_name, ''), ou.role, ou.created_at
		FROM organization_users ou
		INNER JOIN users u ON u.id = ou.user_id
		WHERE ou.organization_id = $1
		ORDER BY ou.created_at ASC`
	rows, err := r.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.Member, 0)
	for rows.Next() {
		var m models.Member
		var role string
		if err := rows.Scan(&m.UserID, &m.Email, &m.FullName, &role, &m.AddedAt); err != nil {
			return nil, err
		}
		m.Role = rbac.Role(role)
		list = append(list, m)
	}
	return list, rows.Err()
}

// AddMember inserts a membership. An existing membership is a conflict.
func (r *Repository) AddMember(ctx context.Context, m *models.Membership, a *models.AuditEntry) error {
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := insertMember(ctx, tx, m); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, a)
	})
	if database.IsUniqueViolation(err) {
		return apperr.Conflict("user is already a member")
	}
	return err
}

// UpdateRole changes a member's role if it still equals from.
func (r *Repository) UpdateRole(ctx context.Context, orgID, userID uuid.UUID, from, to rbac.Role, a *models.AuditEntry) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `UPDATE organization_users SET role = $4, updated_at = NOW()
			WHERE organization_id = $1 AND user_id = $2 AND role = $3`
		tag, err := tx.Exec(ctx, q, orgID, userID, string(from), string(to))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memberMissingOrConflict(ctx, tx, orgID, userID)
		}
		return audit.Insert(ctx, tx, a)
	})
}

// RemoveMember deletes a membership if the member still holds role.
func (r *Repository) RemoveMember(ctx context.Context, orgID, userID uuid.UUID, role rbac.Role, a *models.AuditEntry) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `DELETE FROM organization_users WHERE organization_id = $1 AND user_id = $2 AND role = $3`
		tag, err := tx.Exec(ctx, q, orgID, userID, string(role))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return memberMissingOrConflict(ctx, tx, orgID, userID)
		}
		return audit.Insert(ctx, tx, a)
	})
}

// GetPolicy returns the saved policy of an organization.
func (r *Repository) GetPolicy(ctx context.Context, orgID uuid.UUID) (*models.Policy, error) {
	const q = `SELECT organization_id, cts_threshold, allowed_risk_levels, max_cta_level,
			weight_signal, weight_risk, weight_cta, automation_enabled, updated_at
		FROM organization_policies WHERE organization_id = $1`
	var p models.Policy
	var levels []string
	err := r.pool.QueryRow(ctx, q, orgID).Scan(&p.OrganizationID, &p.CTSThreshold, &levels, &p.MaxCTALevel,
		&p.Weights.Signal, &p.Weights.Risk, &p.Weights.CTA, &p.AutomationEnabled, &p.UpdatedAt)
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("policy")
	}
	if err != nil {
		return nil, err
	}
	p.AllowedRiskLevels = make([]models.RiskLevel, 0, len(levels))
	for _, l := range levels {
		p.AllowedRiskLevels = append(p.AllowedRiskLevels, models.RiskLevel(l))
	}
	return &p, nil
}

// PutPolicy saves an organization's policy.
func (r *Repository) PutPolicy(ctx context.Context, p *models.Policy, a *models.AuditEntry) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := upsertPolicy(ctx, tx, p); err != nil {
			return err
		}
		return audit.Insert(ctx, tx, a)
	})
}

func insertMember(ctx context.Context, db database.DBTX, m *models.Membership) error {
	const q = `INSERT INTO organization_users (id, organization_id, user_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := db.Exec(ctx, q, m.ID, m.OrganizationID, m.UserID, string(m.Role), m.CreatedAt, m.UpdatedAt)
	return err
}

func upsertPolicy(ctx context.Context, db database.DBTX, p *models.Policy) error {
	const q = `INSERT INTO organization_policies (organization_id, cts_threshold, allowed_risk_levels, max_cta_level,
			weight_signal, weight_risk, weight_cta, automation_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id) DO UPDATE SET
			cts_threshold = EXCLUDED.cts_threshold,
			allowed_risk_levels = EXCLUDED.allowed_risk_levels,
			max_cta_level = EXCLUDED.max_cta_level,
			weight_signal = EXCLUDED.weight_signal,
			weight_risk = EXCLUDED.weight_risk,
			weight_cta = EXCLUDED.weight_cta,
			automation_enabled = EXCLUDED.automation_enabled,
			updated_at = EXCLUDED.updated_at`
	levels := make([]string, 0, len(p.AllowedRiskLevels))
	for _, l := range p.AllowedRiskLevels {
		levels = append(levels, string(l))
	}
	_, err := db.Exec(ctx, q, p.OrganizationID, p.CTSThreshold, levels, p.MaxCTALevel,
		p.Weights.Signal, p.Weights.Risk, p.Weights.CTA, p.AutomationEnabled, p.UpdatedAt)
	return err
}

func memberMissingOrConflict(ctx context.Context, db database.DBTX, orgID, userID uuid.UUID) error {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM organization_users WHERE organization_id = $1 AND user_id = $2)`
	if err := db.QueryRow(ctx, q, orgID, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("membership")
	}
	return apperr.Conflict("member role changed concurrently")
}
