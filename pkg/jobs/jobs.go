package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueuePosts is the Redis list key for approved responses awaiting dispatch.
	QueuePosts = "worker:posts"
	// QueueNotifications is the Redis list key for reviewer notification jobs.
	QueueNotifications = "worker:notifications"
	// QueueAuditExports is the Redis list key for audit archive jobs.
	QueueAuditExports = "worker:audit_exports"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypePostResponse JobType = "post_response"
	JobTypeNotify       JobType = "notify"
	JobTypeAuditExport  JobType = "audit_export"
)

var queueFor = map[JobType]string{
	JobTypePostResponse: QueuePosts,
	JobTypeNotify:       QueueNotifications,
	JobTypeAuditExport:  QueueAuditExports,
}

// PostResponsePayload asks the worker to submit an approved response to its platform.
type PostResponsePayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CandidateID    uuid.UUID `json:"candidate_id"`
}

// NotifyPayload tells reviewers about a candidate a rule flagged.
type NotifyPayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CandidateID    uuid.UUID `json:"candidate_id"`
	RuleID         int64     `json:"rule_id"`
	Action         string    `json:"action"`
	Reason         string    `json:"reason"`
}

// AuditExportPayload asks the worker to archive an organization's audit trail.
type AuditExportPayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	RequestedBy    uuid.UUID `json:"requested_by"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueuePost enqueues a response dispatch job.
func (q *Queue) EnqueuePost(ctx context.Context, payload PostResponsePayload) error {
	return q.enqueue(ctx, JobTypePostResponse, payload)
}

// EnqueueNotify enqueues a reviewer notification job.
func (q *Queue) EnqueueNotify(ctx context.Context, payload NotifyPayload) error {
	return q.enqueue(ctx, JobTypeNotify, payload)
}

// EnqueueAuditExport enqueues an audit archive job.
func (q *Queue) EnqueueAuditExport(ctx context.Context, payload AuditExportPayload) error {
	return q.enqueue(ctx, JobTypeAuditExport, payload)
}

func (q *Queue) enqueue(ctx context.Context, t JobType, payload any) error {
	job, err := NewJob(t, payload, time.Now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, queueFor[t], raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(t)))
	return nil
}

// NewJob wraps payload in a fresh envelope.
func NewJob(t JobType, payload any, now time.Time) (*Job, error) {
	if _, ok := queueFor[t]; !ok {
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: now,
	}, nil
}

// Dequeue blocks until a job is available on any work list or ctx is done. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, 0, QueuePosts, QueueNotifications, QueueAuditExports).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt on its own list. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
		return nil
	}
	key, ok := queueFor[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
