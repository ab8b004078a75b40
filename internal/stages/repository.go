package stages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/database"
)

// Repository is the PostgreSQL Store and PostStore.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new stage repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreatePost(ctx context.Context, p *models.Post) error {
	const q = `
		INSERT INTO posts (id, organization_id, platform, external_id, author, text, url, priority, context_flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	flags := p.ContextFlags
	if flags == nil {
		flags = []string{}
	}
	_, err := r.pool.Exec(ctx, q, p.ID, p.OrganizationID, p.Platform, p.ExternalID, p.Author, p.Text, p.URL,
		p.Priority, flags, p.CreatedAt)
	if database.IsUniqueViolation(err) {
		return apperr.Conflict("post %s already exists", p.ID)
	}
	return err
}

func (r *Repository) GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	const q = `
		SELECT id, organization_id, platform, external_id, author, text, url, priority, context_flags, created_at
		FROM posts WHERE id = $1`
	var p models.Post
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.OrganizationID, &p.Platform, &p.ExternalID, &p.Author,
		&p.Text, &p.URL, &p.Priority, &p.ContextFlags, &p.CreatedAt)
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("post")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) Begin(ctx context.Context, postID uuid.UUID, stage models.Stage, at time.Time) error {
	const q = `
		INSERT INTO stage_results (post_id, stage, status, started_at)
		VALUES ($1, $2, 'running', $3)
		ON CONFLICT (post_id, stage) DO UPDATE
		SET status = 'running', output = NULL, error = '', started_at = EXCLUDED.started_at, completed_at = NULL`
	_, err := r.pool.Exec(ctx, q, postID, string(stage), at)
	return err
}

func (r *Repository) Complete(ctx context.Context, postID uuid.UUID, stage models.Stage, output json.RawMessage, at time.Time) error {
	const q = `
		INSERT INTO stage_results (post_id, stage, status, output, completed_at)
		VALUES ($1, $2, 'completed', $3, $4)
		ON CONFLICT (post_id, stage) DO UPDATE
		SET status = 'completed', output = EXCLUDED.output, error = '', completed_at = EXCLUDED.completed_at`
	_, err := r.pool.Exec(ctx, q, postID, string(stage), []byte(output), at)
	return err
}

func (r *Repository) Fail(ctx context.Context, postID uuid.UUID, stage models.Stage, reason string, at time.Time) error {
	const q = `
		INSERT INTO stage_results (post_id, stage, status, error, completed_at)
		VALUES ($1, $2, 'failed', $3, $4)
		ON CONFLICT (post_id, stage) DO UPDATE
		SET status = 'failed', output = NULL, error = EXCLUDED.error, completed_at = EXCLUDED.completed_at`
	_, err := r.pool.Exec(ctx, q, postID, string(stage), reason, at)
	return err
}

func (r *Repository) Get(ctx context.Context, postID uuid.UUID) (*StageSet, error) {
	const q = `
		SELECT stage, status, output, error, started_at, completed_at
		FROM stage_results WHERE post_id = $1`
	rows, err := r.pool.Query(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[models.Stage]models.StageResult)
	for rows.Next() {
		res := models.StageResult{PostID: postID}
		var output []byte
		if err := rows.Scan(&res.Stage, &res.Status, &output, &res.Error, &res.StartedAt, &res.CompletedAt); err != nil {
			return nil, err
		}
		if output != nil {
			res.Output = json.RawMessage(output)
		}
		found[res.Stage] = res
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newStageSet(postID, found), nil
}
