// Package worker consumes background jobs: platform dispatch of approved responses,
// reviewer notifications and audit archive exports.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/metrics"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/jobs"
	"github.com/replyflow/engagement/pkg/pagination"
	"github.com/replyflow/engagement/pkg/storage"
)

// JobQueue is the job source.
type JobQueue interface {
	Dequeue(ctx context.Context) (*jobs.Job, string, error)
	Retry(ctx context.Context, job *jobs.Job) error
}

// Responses records the outcome of a platform submission.
type Responses interface {
	LoadCandidate(ctx context.Context, candidateID uuid.UUID) (*models.Candidate, error)
	MarkPosted(ctx context.Context, candidateID uuid.UUID, externalRef string) (*models.Candidate, error)
	MarkFailed(ctx context.Context, candidateID uuid.UUID, reason string) (*models.Candidate, error)
}

// Poster submits a response to its platform and returns the platform's reference.
type Poster interface {
	Post(ctx context.Context, c *models.Candidate) (string, error)
}

// Notifier delivers a reviewer notification.
type Notifier interface {
	Notify(ctx context.Context, p jobs.NotifyPayload) error
}

// AuditLog reads an organization's trail and records the export outcome.
type AuditLog interface {
	List(ctx context.Context, orgID uuid.UUID, page, pageSize int) (*audit.Page, error)
	Record(ctx context.Context, in audit.Input) (*models.AuditEntry, error)
}

// Archiver stores an export object.
type Archiver interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// Deps are the collaborators of a Processor. Archiver may be nil when no bucket is configured.
type Deps struct {
	Queue     JobQueue
	Responses Responses
	Poster    Poster
	Notifier  Notifier
	Audit     AuditLog
	Archiver  Archiver
	Metrics   *metrics.Collector
}

// Processor runs jobs from the queue.
type Processor struct {
	Deps
	backoff time.Duration
	logger  *zap.Logger
}

// NewProcessor creates a job processor.
func NewProcessor(d Deps, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{Deps: d, backoff: jobs.RetryBackoff, logger: logger}
}

// Process executes one job. A returned error means the job should be retried.
func (p *Processor) Process(ctx context.Context, job *jobs.Job) error {
	switch job.Type {
	case jobs.JobTypePostResponse:
		var payload jobs.PostResponsePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.postResponse(ctx, payload, job.Attempt)
	case jobs.JobTypeNotify:
		var payload jobs.NotifyPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.Notifier.Notify(ctx, payload)
	case jobs.JobTypeAuditExport:
		var payload jobs.AuditExportPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.exportAudit(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// postResponse submits an approved or edited candidate. The last allowed attempt marks the
// candidate failed instead of retrying, so it never stays approved with nothing queued.
func (p *Processor) postResponse(ctx context.Context, payload jobs.PostResponsePayload, attempt int) error {
	log := p.logger.With(zap.String("candidate_id", payload.CandidateID.String()))
	c, err := p.Responses.LoadCandidate(ctx, payload.CandidateID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Warn("response not found, dropping post job")
		return nil
	}
	if err != nil {
		return err
	}
	if !c.Status.Postable() {
		log.Info("response not postable, skipping", zap.String("status", string(c.Status)))
		return nil
	}

	ref, err := p.Poster.Post(ctx, c)
	if err != nil {
		if attempt+1 < jobs.MaxRetries {
			return fmt.Errorf("post response: %w", err)
		}
		log.Error("post response failed, giving up", zap.Int("attempt", attempt), zap.Error(err))
		if _, mErr := p.Responses.MarkFailed(ctx, c.ID, err.Error()); mErr != nil && !errors.Is(mErr, apperr.ErrConflict) {
			return mErr
		}
		return nil
	}
	if _, err := p.Responses.MarkPosted(ctx, c.ID, ref); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			log.Warn("response changed while posting", zap.Error(err))
			return nil
		}
		return err
	}
	log.Info("response posted", zap.String("external_ref", ref))
	return nil
}

// exportAudit writes the organization's trail, oldest first, as JSON Lines.
func (p *Processor) exportAudit(ctx context.Context, payload jobs.AuditExportPayload) error {
	if p.Archiver == nil {
		return errors.New("audit archive storage not configured")
	}
	var entries []models.AuditEntry
	seen := make(map[uuid.UUID]bool)
	for page := 1; ; page++ {
		pg, err := p.Audit.List(ctx, payload.OrganizationID, page, pagination.MaxPageSize)
		if err != nil {
			return err
		}
		for _, e := range pg.Items {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			entries = append(entries, e)
		}
		if page >= pg.TotalPages {
			break
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := len(entries) - 1; i >= 0; i-- {
		if err := enc.Encode(entries[i]); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
	}
	key := storage.AuditKey(payload.OrganizationID.String(), payload.RequestedAt)
	url, err := p.Archiver.Upload(ctx, key, storage.ContentTypeJSONLines, &buf)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	if _, err := p.Audit.Record(ctx, audit.Input{
		OrganizationID: payload.OrganizationID,
		ActionType:     models.AuditExportCompleted,
		EntityType:     models.EntityOrganization,
		EntityID:       payload.OrganizationID.String(),
		Payload:        map[string]any{"key": key, "url": url, "entries": len(entries), "requested_by": payload.RequestedBy},
	}); err != nil {
		p.logger.Error("record export completion failed", zap.String("key", key), zap.Error(err))
	}
	p.logger.Info("audit export completed",
		zap.String("organization_id", payload.OrganizationID.String()),
		zap.String("key", key),
		zap.Int("entries", len(entries)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, _, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.Metrics.Job(string(job.Type), "error")
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.Queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
			continue
		}
		p.Metrics.Job(string(job.Type), "ok")
	}
}

func (p *Processor) sleep(ctx context.Context) {
	if p.backoff <= 0 {
		return
	}
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
