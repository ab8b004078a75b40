// Package queue is the human review queue: candidates that were not auto-posted wait here
// until a reviewer approves, edits or rejects them.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/metrics"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/jobs"
	"github.com/replyflow/engagement/pkg/pagination"
)

// Action is a reviewer decision on a queue entry.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionEdit    Action = "edit"
)

// MaxBulkSize caps how many entries one bulk request may touch.
const MaxBulkSize = 100

// Change event types.
const (
	EventEntryAdded      = "queue.entry_added"
	EventEntryUpdated    = "queue.entry_updated"
	EventResponseUpdated = "response.updated"
)

// Event tells connected clients that queue state changed. It carries no authoritative
// state: receivers refetch. Delivery is at-least-once and unordered.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID uuid.UUID `json:"organization_id"`
	EntryID        uuid.UUID `json:"entry_id"`
	CandidateID    uuid.UUID `json:"candidate_id"`
	Status         string    `json:"status"`
	At             time.Time `json:"at"`
}

// Publisher fans change events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PostEnqueuer schedules an approved response for dispatch.
type PostEnqueuer interface {
	EnqueuePost(ctx context.Context, payload jobs.PostResponsePayload) error
}

// ActInput carries the optional parts of a reviewer action.
type ActInput struct {
	SelectedType   string  `json:"selected_type,omitempty"`
	EditedResponse *string `json:"edited_response,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Result is the per-entry outcome of a bulk action.
type Result struct {
	EntryID uuid.UUID              `json:"entry_id"`
	Success bool                   `json:"success"`
	Status  models.CandidateStatus `json:"status,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Page is one page of a queue listing.
type Page struct {
	Items      []models.QueueItem `json:"items"`
	Total      int                `json:"total"`
	TotalPages int                `json:"total_pages"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
}

// Service implements the queue operations on top of a Store.
type Service struct {
	store     Store
	audit     *audit.Recorder
	publisher Publisher
	poster    PostEnqueuer
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the queue service. publisher, poster and m may be nil.
func NewService(store Store, recorder *audit.Recorder, publisher Publisher, poster PostEnqueuer, m *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		audit:     recorder,
		publisher: publisher,
		poster:    poster,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue stores a pending candidate and its queue entry. It is only called when the
// decision did not select auto-post.
func (s *Service) Enqueue(ctx context.Context, c *models.Candidate, priority int) (*models.QueueEntry, error) {
	if err := validateCandidate(c); err != nil {
		return nil, err
	}
	if c.Status != models.CandidatePending {
		return nil, apperr.Validation("queued response must be pending, got %s", c.Status)
	}
	now := s.now().UTC()
	stamp(c, now)
	entry := &models.QueueEntry{
		ID:             uuid.New(),
		OrganizationID: c.OrganizationID,
		CandidateID:    c.ID,
		Priority:       priority,
		Status:         models.EntryQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a, err := s.audit.Build(audit.Input{
		OrganizationID: c.OrganizationID,
		ActionType:     models.AuditResponseEnqueued,
		EntityType:     models.EntityResponse,
		EntityID:       c.ID.String(),
		Payload: map[string]any{
			"entry_id":        entry.ID,
			"priority":        priority,
			"reason":          c.DecisionReason,
			"cts_score":       c.CTSScore,
			"matched_rule_id": c.MatchedRuleID,
		},
		After: c,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, c, entry, a); err != nil {
		return nil, storeErr("enqueue response", err)
	}
	s.publish(ctx, Event{Type: EventEntryAdded, OrganizationID: c.OrganizationID, EntryID: entry.ID, CandidateID: c.ID, Status: string(entry.Status), At: now})
	return entry, nil
}

// Record stores a candidate that bypasses the queue: auto-approved or blocked by a rule.
// actionType is the audit action to record. Approved candidates are scheduled for dispatch.
func (s *Service) Record(ctx context.Context, c *models.Candidate, actionType string, payload any) error {
	if err := validateCandidate(c); err != nil {
		return err
	}
	if c.Status != models.CandidateApproved && c.Status != models.CandidateRejected {
		return apperr.Validation("recorded response must be approved or rejected, got %s", c.Status)
	}
	stamp(c, s.now().UTC())
	a, err := s.audit.Build(audit.Input{
		OrganizationID: c.OrganizationID,
		ActionType:     actionType,
		EntityType:     models.EntityResponse,
		EntityID:       c.ID.String(),
		Payload:        payload,
		After:          c,
	})
	if err != nil {
		return err
	}
	if err := s.store.Create(ctx, c, nil, a); err != nil {
		return storeErr("record response", err)
	}
	if c.Status == models.CandidateApproved {
		s.enqueuePost(ctx, c)
	}
	return nil
}

// List returns one page of an organization's queue. The default status filter is queued.
func (s *Service) List(ctx context.Context, actor rbac.Actor, f Filter, page, pageSize int) (*Page, error) {
	if err := actor.Require(rbac.PermQueueView); err != nil {
		return nil, err
	}
	if err := validateFilter(&f); err != nil {
		return nil, err
	}
	p, err := pagination.New(page, pageSize)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	items, total, err := s.store.List(ctx, actor.OrganizationID, f, p.Offset(), p.Limit())
	if err != nil {
		return nil, storeErr("list queue", err)
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	return &Page{
		Items:      items,
		Total:      total,
		TotalPages: pagination.TotalPages(total, p.PageSize),
		Page:       p.Page,
		PageSize:   p.PageSize,
	}, nil
}

// Count returns the number of queued entries, taken from the authoritative listing total.
func (s *Service) Count(ctx context.Context, actor rbac.Actor) (int, error) {
	page, err := s.List(ctx, actor, Filter{Status: models.EntryQueued}, 1, 1)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// Get returns one entry with its candidate.
func (s *Service) Get(ctx context.Context, actor rbac.Actor, entryID uuid.UUID) (*models.QueueItem, error) {
	if err := actor.Require(rbac.PermQueueView); err != nil {
		return nil, err
	}
	e, err := s.entryFor(ctx, actor, entryID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCandidate(ctx, e.CandidateID)
	if err != nil {
		return nil, storeErr("get response", err)
	}
	return &models.QueueItem{Entry: *e, Candidate: *c}, nil
}

// GetCandidate returns a candidate visible to actor.
func (s *Service) GetCandidate(ctx context.Context, actor rbac.Actor, candidateID uuid.UUID) (*models.Candidate, error) {
	if err := actor.Require(rbac.PermQueueView); err != nil {
		return nil, err
	}
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, storeErr("get response", err)
	}
	if c.OrganizationID != actor.OrganizationID {
		return nil, apperr.NotFound("response")
	}
	return c, nil
}

// LoadCandidate returns a candidate without an authorization check, for system callers.
func (s *Service) LoadCandidate(ctx context.Context, candidateID uuid.UUID) (*models.Candidate, error) {
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, storeErr("get response", err)
	}
	return c, nil
}

// Act applies a reviewer decision to a queued entry. The permission check happens before any
// read or write. The entry must still be queued and its candidate pending at commit time;
// otherwise the call fails with apperr.ErrConflict and nothing changes.
func (s *Service) Act(ctx context.Context, entryID uuid.UUID, action Action, actor rbac.Actor, in ActInput) (*models.QueueItem, error) {
	item, err := s.act(ctx, entryID, action, actor, in)
	s.metrics.QueueAction(string(action), resultLabel(err))
	return item, err
}

func (s *Service) act(ctx context.Context, entryID uuid.UUID, action Action, actor rbac.Actor, in ActInput) (*models.QueueItem, error) {
	action = normalizeAction(action, in)
	perm, ok := permissionFor(action)
	if !ok {
		return nil, apperr.Validation("unknown action %q", action)
	}
	if err := actor.Require(perm); err != nil {
		return nil, err
	}
	if err := validateInput(action, in); err != nil {
		return nil, err
	}

	entry, err := s.entryFor(ctx, actor, entryID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCandidate(ctx, entry.CandidateID)
	if err != nil {
		return nil, storeErr("get response", err)
	}
	if entry.Status != models.EntryQueued || c.Status != models.CandidatePending {
		return nil, apperr.Conflict("entry is %s and response is %s", entry.Status, c.Status)
	}

	now := s.now().UTC()
	rv := Review{
		EntryID:    entry.ID,
		Status:     targetStatus(action),
		ReviewedBy: actor.UserID,
		ReviewedAt: now,
		Notes:      strings.TrimSpace(in.Notes),
	}
	if in.SelectedType != "" && action != ActionReject {
		text := c.Variants.Text(in.SelectedType)
		if text == "" {
			return nil, apperr.Validation("response variant %q is not available", in.SelectedType)
		}
		rv.SelectedType = in.SelectedType
		rv.ResponseText = text
	}
	switch action {
	case ActionEdit:
		edited := strings.TrimSpace(*in.EditedResponse)
		rv.EditedResponse = &edited
	case ActionReject:
		rv.RejectReason = strings.TrimSpace(in.Reason)
	}

	actorID := actor.UserID
	a, err := s.audit.Build(audit.Input{
		OrganizationID: c.OrganizationID,
		ActorID:        &actorID,
		ActionType:     auditActionFor(action),
		EntityType:     models.EntityResponse,
		EntityID:       c.ID.String(),
		Payload: map[string]any{
			"entry_id":      entry.ID,
			"action":        action,
			"device_type":   actor.DeviceType,
			"selected_type": rv.SelectedType,
			"notes":         rv.Notes,
			"reason":        rv.RejectReason,
		},
		Before: snapshot(c.Status, entry.Status, c.FinalText()),
		After:  snapshot(rv.Status, models.EntryCompleted, afterText(c, rv)),
	})
	if err != nil {
		return nil, err
	}
	rv.Audit = a

	item, err := s.store.Review(ctx, rv)
	if err != nil {
		return nil, storeErr("review response", err)
	}

	s.logger.Info("queue entry reviewed",
		zap.String("entry_id", entry.ID.String()),
		zap.String("candidate_id", c.ID.String()),
		zap.String("action", string(action)),
		zap.String("actor_id", actor.UserID.String()),
	)
	s.publish(ctx, Event{Type: EventEntryUpdated, OrganizationID: c.OrganizationID, EntryID: entry.ID, CandidateID: c.ID, Status: string(item.Candidate.Status), At: now})
	if item.Candidate.Status.Postable() {
		s.enqueuePost(ctx, &item.Candidate)
	}
	return item, nil
}

// BulkAct applies one action to several entries, each independently. A failure on one entry
// does not affect the others.
func (s *Service) BulkAct(ctx context.Context, entryIDs []uuid.UUID, action Action, actor rbac.Actor, in ActInput) ([]Result, error) {
	if err := actor.Require(rbac.PermQueueBulkAct); err != nil {
		return nil, err
	}
	if action != ActionApprove && action != ActionReject {
		return nil, apperr.Validation("bulk action must be approve or reject")
	}
	if in.EditedResponse != nil {
		return nil, apperr.Validation("bulk actions cannot carry an edited response")
	}
	if len(entryIDs) == 0 || len(entryIDs) > MaxBulkSize {
		return nil, apperr.Validation("bulk action needs between 1 and %d entries", MaxBulkSize)
	}

	results := make([]Result, 0, len(entryIDs))
	for _, id := range entryIDs {
		item, err := s.Act(ctx, id, action, actor, in)
		if err != nil {
			results = append(results, Result{EntryID: id, Code: apperr.Code(err), Error: err.Error()})
			continue
		}
		results = append(results, Result{EntryID: id, Success: true, Status: item.Candidate.Status})
	}
	return results, nil
}

// Skip removes an entry from the active queue. The candidate stays pending.
func (s *Service) Skip(ctx context.Context, entryID uuid.UUID, actor rbac.Actor, reason string) (*models.QueueEntry, error) {
	if err := actor.Require(rbac.PermQueueSkip); err != nil {
		s.metrics.QueueAction("skip", resultLabel(err))
		return nil, err
	}
	entry, err := s.entryFor(ctx, actor, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.EntryQueued {
		return nil, apperr.Conflict("entry is %s", entry.Status)
	}
	now := s.now().UTC()
	actorID := actor.UserID
	a, err := s.audit.Build(audit.Input{
		OrganizationID: entry.OrganizationID,
		ActorID:        &actorID,
		ActionType:     models.AuditQueueSkipped,
		EntityType:     models.EntityQueueEntry,
		EntityID:       entry.ID.String(),
		Payload:        map[string]any{"reason": strings.TrimSpace(reason), "candidate_id": entry.CandidateID, "device_type": actor.DeviceType},
		Before:         map[string]any{"status": entry.Status},
		After:          map[string]any{"status": models.EntrySkipped},
	})
	if err != nil {
		return nil, err
	}
	out, err := s.store.Skip(ctx, entry.ID, now, a)
	s.metrics.QueueAction("skip", resultLabel(err))
	if err != nil {
		return nil, storeErr("skip entry", err)
	}
	s.publish(ctx, Event{Type: EventEntryUpdated, OrganizationID: out.OrganizationID, EntryID: out.ID, CandidateID: out.CandidateID, Status: string(out.Status), At: now})
	return out, nil
}

// Approve approves the queued candidate candidateID. An edited response turns it into an edit.
func (s *Service) Approve(ctx context.Context, candidateID uuid.UUID, actor rbac.Actor, in ActInput) (*models.QueueItem, error) {
	entryID, err := s.entryIDForCandidate(ctx, actor, candidateID)
	if err != nil {
		return nil, err
	}
	return s.Act(ctx, entryID, ActionApprove, actor, in)
}

// Reject rejects the queued candidate candidateID.
func (s *Service) Reject(ctx context.Context, candidateID uuid.UUID, actor rbac.Actor, in ActInput) (*models.QueueItem, error) {
	entryID, err := s.entryIDForCandidate(ctx, actor, candidateID)
	if err != nil {
		return nil, err
	}
	return s.Act(ctx, entryID, ActionReject, actor, in)
}

// MarkPosted records a successful platform submission.
func (s *Service) MarkPosted(ctx context.Context, candidateID uuid.UUID, externalRef string) (*models.Candidate, error) {
	return s.dispatch(ctx, candidateID, models.CandidatePosted, models.AuditResponsePosted, "", map[string]any{"external_ref": externalRef})
}

// MarkFailed records a failed platform submission. The candidate never returns to pending.
func (s *Service) MarkFailed(ctx context.Context, candidateID uuid.UUID, reason string) (*models.Candidate, error) {
	return s.dispatch(ctx, candidateID, models.CandidateFailed, models.AuditResponsePostFailed, reason, map[string]any{"error": reason})
}

func (s *Service) dispatch(ctx context.Context, candidateID uuid.UUID, status models.CandidateStatus, actionType, postErr string, payload any) (*models.Candidate, error) {
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, storeErr("get response", err)
	}
	if !c.Status.Postable() {
		return nil, apperr.Conflict("response is %s", c.Status)
	}
	now := s.now().UTC()
	a, err := s.audit.Build(audit.Input{
		OrganizationID: c.OrganizationID,
		ActionType:     actionType,
		EntityType:     models.EntityResponse,
		EntityID:       c.ID.String(),
		Payload:        payload,
		Before:         map[string]any{"status": c.Status},
		After:          map[string]any{"status": status},
	})
	if err != nil {
		return nil, err
	}
	out, err := s.store.Dispatch(ctx, Dispatch{CandidateID: c.ID, Status: status, At: now, Error: postErr, Audit: a})
	if err != nil {
		return nil, storeErr("record dispatch", err)
	}
	s.publish(ctx, Event{Type: EventResponseUpdated, OrganizationID: out.OrganizationID, CandidateID: out.ID, Status: string(out.Status), At: now})
	return out, nil
}

func (s *Service) entryFor(ctx context.Context, actor rbac.Actor, entryID uuid.UUID) (*models.QueueEntry, error) {
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, storeErr("get entry", err)
	}
	if e.OrganizationID != actor.OrganizationID {
		return nil, apperr.NotFound("queue entry")
	}
	return e, nil
}

func (s *Service) entryIDForCandidate(ctx context.Context, actor rbac.Actor, candidateID uuid.UUID) (uuid.UUID, error) {
	c, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return uuid.Nil, storeErr("get response", err)
	}
	if c.OrganizationID != actor.OrganizationID {
		return uuid.Nil, apperr.NotFound("response")
	}
	e, err := s.store.GetEntryByCandidate(ctx, candidateID)
	if errors.Is(err, apperr.ErrNotFound) {
		return uuid.Nil, apperr.Conflict("response is %s and not awaiting review", c.Status)
	}
	if err != nil {
		return uuid.Nil, storeErr("get entry", err)
	}
	return e.ID, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish queue event failed", zap.String("type", ev.Type), zap.String("candidate_id", ev.CandidateID.String()), zap.Error(err))
	}
}

func (s *Service) enqueuePost(ctx context.Context, c *models.Candidate) {
	if s.poster == nil {
		return
	}
	if err := s.poster.EnqueuePost(ctx, jobs.PostResponsePayload{OrganizationID: c.OrganizationID, CandidateID: c.ID}); err != nil {
		s.logger.Error("enqueue post job failed", zap.String("candidate_id", c.ID.String()), zap.Error(err))
	}
}

// storeErr passes classified errors through and wraps the rest as persistence failures.
func storeErr(op string, err error) error {
	if apperr.Kind(err) != nil {
		return err
	}
	return apperr.Persistence(op, err)
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return apperr.Code(err)
}

func normalizeAction(a Action, in ActInput) Action {
	if a == ActionApprove && in.EditedResponse != nil && strings.TrimSpace(*in.EditedResponse) != "" {
		return ActionEdit
	}
	return a
}

func permissionFor(a Action) (rbac.Permission, bool) {
	switch a {
	case ActionApprove:
		return rbac.PermQueueApprove, true
	case ActionReject:
		return rbac.PermQueueReject, true
	case ActionEdit:
		return rbac.PermQueueEdit, true
	}
	return "", false
}

func targetStatus(a Action) models.CandidateStatus {
	switch a {
	case ActionReject:
		return models.CandidateRejected
	case ActionEdit:
		return models.CandidateEdited
	}
	return models.CandidateApproved
}

func auditActionFor(a Action) string {
	switch a {
	case ActionReject:
		return models.AuditResponseRejected
	case ActionEdit:
		return models.AuditResponseEdited
	}
	return models.AuditResponseApproved
}

func validateInput(a Action, in ActInput) error {
	if a == ActionEdit && (in.EditedResponse == nil || strings.TrimSpace(*in.EditedResponse) == "") {
		return apperr.Validation("edit requires a non-empty edited_response")
	}
	return nil
}

func validateFilter(f *Filter) error {
	if f.Status == "" {
		f.Status = models.EntryQueued
	}
	switch f.Status {
	case models.EntryQueued, models.EntryProcessing, models.EntryCompleted, models.EntrySkipped:
	default:
		return apperr.Validation("unknown status %q", f.Status)
	}
	if f.RiskLevel != "" && !f.RiskLevel.Valid() {
		return apperr.Validation("unknown risk_level %q", f.RiskLevel)
	}
	for _, v := range []*float64{f.MinCTS, f.MaxCTS} {
		if v != nil && (*v < 0 || *v > 1) {
			return apperr.Validation("cts bounds must be within [0,1]")
		}
	}
	if f.MinCTS != nil && f.MaxCTS != nil && *f.MinCTS > *f.MaxCTS {
		return apperr.Validation("min_cts is greater than max_cts")
	}
	return nil
}

func validateCandidate(c *models.Candidate) error {
	if c == nil || c.OrganizationID == uuid.Nil || c.PostID == uuid.Nil {
		return apperr.Validation("response requires organization_id and post_id")
	}
	if !c.RiskLevel.Valid() {
		return apperr.Validation("unknown risk_level %q", c.RiskLevel)
	}
	if c.CTSScore < 0 || c.CTSScore > 1 {
		return apperr.Validation("cts_score %v outside [0,1]", c.CTSScore)
	}
	if c.CTALevel < 0 || c.CTALevel > 3 {
		return apperr.Validation("cta_level %d outside [0,3]", c.CTALevel)
	}
	if c.CanAutoPost && c.RiskLevel == models.RiskBlocked {
		return apperr.Validation("blocked responses can never be auto-posted")
	}
	return nil
}

func stamp(c *models.Candidate, now time.Time) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
}

func snapshot(status models.CandidateStatus, entry models.EntryStatus, text string) map[string]any {
	return map[string]any{"status": status, "entry_status": entry, "text": text}
}

func afterText(c *models.Candidate, rv Review) string {
	if rv.EditedResponse != nil {
		return *rv.EditedResponse
	}
	if rv.ResponseText != "" {
		return rv.ResponseText
	}
	return c.ResponseText
}
