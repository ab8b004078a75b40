package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/database"
)

const entryColumns = `q.id, q.organization_id, q.candidate_id, q.priority, q.status, q.created_at, q.updated_at`

const candidateColumns = `r.id, r.organization_id, r.post_id, r.platform, r.signal_confidence, r.emotional_intensity,
	r.risk_level, r.cta_level, r.cts_score, r.cts_breakdown, r.can_auto_post, r.decision_reason, r.matched_rule_id,
	r.response_text, r.selected_type, r.variants, r.edited_response, r.status, r.review_notes, r.reject_reason,
	r.reviewed_by, r.reviewed_at, r.posted_at, r.post_error, r.created_at, r.updated_at`

// Repository is the PostgreSQL Store. Transitions are conditional UPDATEs; zero affected
// rows means the precondition failed.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new queue repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEntry(e *models.QueueEntry) []any {
	return []any{&e.ID, &e.OrganizationID, &e.CandidateID, &e.Priority, &e.Status, &e.CreatedAt, &e.UpdatedAt}
}

func scanCandidate(c *models.Candidate) []any {
	return []any{
		&c.ID, &c.OrganizationID, &c.PostID, &c.Platform, &c.SignalConfidence, &c.EmotionalIntensity,
		&c.RiskLevel, &c.CTALevel, &c.CTSScore, &c.CTSBreakdown, &c.CanAutoPost, &c.DecisionReason, &c.MatchedRuleID,
		&c.ResponseText, &c.SelectedType, &c.Variants, &c.EditedResponse, &c.Status, &c.ReviewNotes, &c.RejectReason,
		&c.ReviewedBy, &c.ReviewedAt, &c.PostedAt, &c.PostError, &c.CreatedAt, &c.UpdatedAt,
	}
}

func (r *Repository) Create(ctx context.Context, c *models.Candidate, entry *models.QueueEntry, a *models.AuditEntry) error {
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const insertCandidate = `
			INSERT INTO responses (id, organization_id, post_id, platform, signal_confidence, emotional_intensity,
				risk_level, cta_level, cts_score, cts_breakdown, can_auto_post, decision_reason, matched_rule_id,
				response_text, selected_type, variants, edited_response, status, review_notes, reject_reason,
				reviewed_by, reviewed_at, posted_at, post_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
				$21, $22, $23, $24, $25, $26)`
		_, err := tx.Exec(ctx, insertCandidate,
			c.ID, c.OrganizationID, c.PostID, c.Platform, c.SignalConfidence, c.EmotionalIntensity,
			string(c.RiskLevel), c.CTALevel, c.CTSScore, c.CTSBreakdown, c.CanAutoPost, c.DecisionReason, c.MatchedRuleID,
			c.ResponseText, c.SelectedType, c.Variants, c.EditedResponse, string(c.Status), c.ReviewNotes, c.RejectReason,
			c.ReviewedBy, c.ReviewedAt, c.PostedAt, c.PostError, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return err
		}
		if entry != nil {
			const insertEntry = `
				INSERT INTO queue_entries (id, organization_id, candidate_id, priority, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`
			if _, err := tx.Exec(ctx, insertEntry, entry.ID, entry.OrganizationID, entry.CandidateID,
				entry.Priority, string(entry.Status), entry.CreatedAt, entry.UpdatedAt); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, a)
	})
	if database.IsUniqueViolation(err) {
		return apperr.Conflict("response %s already exists", c.ID)
	}
	return err
}

func (r *Repository) GetEntry(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries q WHERE q.id = $1`
	var e models.QueueEntry
	if err := r.pool.QueryRow(ctx, q, id).Scan(scanEntry(&e)...); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("queue entry")
		}
		return nil, err
	}
	return &e, nil
}

func (r *Repository) GetEntryByCandidate(ctx context.Context, candidateID uuid.UUID) (*models.QueueEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM queue_entries q WHERE q.candidate_id = $1`
	var e models.QueueEntry
	if err := r.pool.QueryRow(ctx, q, candidateID).Scan(scanEntry(&e)...); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("queue entry")
		}
		return nil, err
	}
	return &e, nil
}

func (r *Repository) GetCandidate(ctx context.Context, id uuid.UUID) (*models.Candidate, error) {
	return getCandidate(ctx, r.pool, id)
}

func getCandidate(ctx context.Context, db database.DBTX, id uuid.UUID) (*models.Candidate, error) {
	q := `SELECT ` + candidateColumns + ` FROM responses r WHERE r.id = $1`
	var c models.Candidate
	if err := db.QueryRow(ctx, q, id).Scan(scanCandidate(&c)...); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("response")
		}
		return nil, err
	}
	return &c, nil
}

func getItem(ctx context.Context, db database.DBTX, entryID uuid.UUID) (*models.QueueItem, error) {
	q := `SELECT ` + entryColumns + `, ` + candidateColumns + `
		FROM queue_entries q JOIN responses r ON r.id = q.candidate_id WHERE q.id = $1`
	var it models.QueueItem
	dest := append(scanEntry(&it.Entry), scanCandidate(&it.Candidate)...)
	if err := db.QueryRow(ctx, q, entryID).Scan(dest...); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("queue entry")
		}
		return nil, err
	}
	return &it, nil
}

// List reads the count and the page inside one repeatable-read transaction so the total
// matches the items.
func (r *Repository) List(ctx context.Context, orgID uuid.UUID, f Filter, offset, limit int) ([]models.QueueItem, int, error) {
	where, args := whereClause(orgID, f)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int
	countQ := `SELECT COUNT(*) FROM queue_entries q JOIN responses r ON r.id = q.candidate_id WHERE ` + where
	if err := tx.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	q := `SELECT ` + entryColumns + `, ` + candidateColumns + `
		FROM queue_entries q JOIN responses r ON r.id = q.candidate_id
		WHERE ` + where + `
		ORDER BY q.priority DESC, q.created_at ASC, q.id ASC
		LIMIT $` + fmt.Sprint(len(args)-1) + ` OFFSET $` + fmt.Sprint(len(args))
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []models.QueueItem{}
	for rows.Next() {
		var it models.QueueItem
		dest := append(scanEntry(&it.Entry), scanCandidate(&it.Candidate)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func whereClause(orgID uuid.UUID, f Filter) (string, []any) {
	conds := []string{"q.organization_id = $1"}
	args := []any{orgID}
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.Status != "" {
		add("q.status = $%d", string(f.Status))
	}
	if f.RiskLevel != "" {
		add("r.risk_level = $%d", string(f.RiskLevel))
	}
	if f.MinCTS != nil {
		add("r.cts_score >= $%d", *f.MinCTS)
	}
	if f.MaxCTS != nil {
		add("r.cts_score <= $%d", *f.MaxCTS)
	}
	return strings.Join(conds, " AND "), args
}

func (r *Repository) Review(ctx context.Context, rv Review) (*models.QueueItem, error) {
	var item *models.QueueItem
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const claim = `
			UPDATE queue_entries SET status = 'completed', updated_at = $2
			WHERE id = $1 AND status = 'queued'
			RETURNING candidate_id`
		var candidateID uuid.UUID
		if err := tx.QueryRow(ctx, claim, rv.EntryID, rv.ReviewedAt).Scan(&candidateID); err != nil {
			if database.IsNoRows(err) {
				return missingOrConflict(ctx, tx, rv.EntryID)
			}
			return err
		}

		const review = `
			UPDATE responses SET
				status = $2, reviewed_by = $3, reviewed_at = $4, edited_response = $5,
				response_text = COALESCE(NULLIF($6::text, ''), response_text),
				selected_type = COALESCE(NULLIF($7::text, ''), selected_type),
				review_notes = $8, reject_reason = $9, updated_at = $4
			WHERE id = $1 AND status = 'pending'`
		tag, err := tx.Exec(ctx, review, candidateID, string(rv.Status), rv.ReviewedBy, rv.ReviewedAt,
			rv.EditedResponse, rv.ResponseText, rv.SelectedType, rv.Notes, rv.RejectReason)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.Conflict("response is no longer pending")
		}
		if err := insertAudit(ctx, tx, rv.Audit); err != nil {
			return err
		}
		item, err = getItem(ctx, tx, rv.EntryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *Repository) Skip(ctx context.Context, entryID uuid.UUID, at time.Time, a *models.AuditEntry) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		q := `UPDATE queue_entries q SET status = 'skipped', updated_at = $2
			WHERE q.id = $1 AND q.status = 'queued'
			RETURNING ` + entryColumns
		if err := tx.QueryRow(ctx, q, entryID, at).Scan(scanEntry(&e)...); err != nil {
			if database.IsNoRows(err) {
				return missingOrConflict(ctx, tx, entryID)
			}
			return err
		}
		return insertAudit(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) Dispatch(ctx context.Context, d Dispatch) (*models.Candidate, error) {
	var c models.Candidate
	var postedAt *time.Time
	if d.Status == models.CandidatePosted {
		postedAt = &d.At
	}
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		q := `UPDATE responses r SET status = $2, posted_at = COALESCE($3, r.posted_at), post_error = $4, updated_at = $5
			WHERE r.id = $1 AND r.status IN ('approved', 'edited')
			RETURNING ` + candidateColumns
		if err := tx.QueryRow(ctx, q, d.CandidateID, string(d.Status), postedAt, d.Error, d.At).Scan(scanCandidate(&c)...); err != nil {
			if database.IsNoRows(err) {
				if _, gerr := getCandidate(ctx, tx, d.CandidateID); gerr != nil {
					return gerr
				}
				return apperr.Conflict("response is not awaiting dispatch")
			}
			return err
		}
		return insertAudit(ctx, tx, d.Audit)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func missingOrConflict(ctx context.Context, db database.DBTX, entryID uuid.UUID) error {
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE id = $1)`, entryID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("queue entry")
	}
	return apperr.Conflict("queue entry is no longer queued")
}

func insertAudit(ctx context.Context, db database.DBTX, a *models.AuditEntry) error {
	if a == nil {
		return nil
	}
	return audit.Insert(ctx, db, a)
}
