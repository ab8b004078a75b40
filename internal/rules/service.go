package rules

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
)

const maxNameLength = 200

// Input is the writable part of a rule.
type Input struct {
	Name       string                `json:"name"`
	Conditions models.RuleConditions `json:"conditions"`
	Action     models.RuleAction     `json:"action"`
	Priority   int                   `json:"priority"`
	IsActive   *bool                 `json:"is_active"`
}

// Service manages an organization's automation rules.
type Service struct {
	store  Store
	audit  *audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a rule service.
func NewService(store Store, rec *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, audit: rec, logger: logger, now: time.Now}
}

// List returns every rule of the actor's organization.
func (s *Service) List(ctx context.Context, actor rbac.Actor) ([]models.AutomationRule, error) {
	if err := actor.Require(rbac.PermQueueView); err != nil {
		return nil, err
	}
	rules, err := s.store.List(ctx, actor.OrganizationID, false)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	return rules, nil
}

// Active returns the active rules the pipeline matches against.
func (s *Service) Active(ctx context.Context, orgID uuid.UUID) ([]models.AutomationRule, error) {
	rules, err := s.store.List(ctx, orgID, true)
	if err != nil {
		return nil, storeErr("list active rules", err)
	}
	return rules, nil
}

// Create adds a rule. New rules are active unless is_active is false.
func (s *Service) Create(ctx context.Context, actor rbac.Actor, in Input) (*models.AutomationRule, error) {
	if err := actor.Require(rbac.PermRulesManage); err != nil {
		return nil, err
	}
	if err := validate(&in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	userID := actor.UserID
	r := &models.AutomationRule{
		OrganizationID: actor.OrganizationID,
		Name:           in.Name,
		Conditions:     in.Conditions,
		Action:         in.Action,
		Priority:       in.Priority,
		IsActive:       in.IsActive == nil || *in.IsActive,
		CreatedBy:      &userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.Create(ctx, r, func(created *models.AutomationRule) (*models.AuditEntry, error) {
		return s.audit.Build(audit.Input{
			OrganizationID: actor.OrganizationID,
			ActorID:        &userID,
			ActionType:     models.AuditRuleCreated,
			EntityType:     models.EntityRule,
			EntityID:       ruleEntityID(created.ID),
			Payload:        map[string]any{"device_type": actor.DeviceType},
			After:          created,
		})
	})
	if err != nil {
		return nil, storeErr("create rule", err)
	}
	s.logger.Info("automation rule created",
		zap.String("organization_id", r.OrganizationID.String()),
		zap.Int64("rule_id", r.ID),
		zap.String("action", string(r.Action)))
	return r, nil
}

// Update replaces a rule's writable fields. is_active is left unchanged when omitted.
func (s *Service) Update(ctx context.Context, actor rbac.Actor, id int64, in Input) (*models.AutomationRule, error) {
	if err := actor.Require(rbac.PermRulesManage); err != nil {
		return nil, err
	}
	if err := validate(&in); err != nil {
		return nil, err
	}
	before, err := s.store.Get(ctx, actor.OrganizationID, id)
	if err != nil {
		return nil, storeErr("get rule", err)
	}
	after := *before
	after.Name = in.Name
	after.Conditions = in.Conditions
	after.Action = in.Action
	after.Priority = in.Priority
	if in.IsActive != nil {
		after.IsActive = *in.IsActive
	}
	after.UpdatedAt = s.now().UTC()

	userID := actor.UserID
	a, err := s.audit.Build(audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &userID,
		ActionType:     models.AuditRuleUpdated,
		EntityType:     models.EntityRule,
		EntityID:       ruleEntityID(id),
		Payload:        map[string]any{"device_type": actor.DeviceType},
		Before:         before,
		After:          &after,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, &after, a); err != nil {
		return nil, storeErr("update rule", err)
	}
	return &after, nil
}

// Delete removes a rule. The audit entry keeps its last state.
func (s *Service) Delete(ctx context.Context, actor rbac.Actor, id int64) error {
	if err := actor.Require(rbac.PermRulesManage); err != nil {
		return err
	}
	before, err := s.store.Get(ctx, actor.OrganizationID, id)
	if err != nil {
		return storeErr("get rule", err)
	}
	userID := actor.UserID
	a, err := s.audit.Build(audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &userID,
		ActionType:     models.AuditRuleDeleted,
		EntityType:     models.EntityRule,
		EntityID:       ruleEntityID(id),
		Payload:        map[string]any{"device_type": actor.DeviceType},
		Before:         before,
	})
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, actor.OrganizationID, id, a); err != nil {
		return storeErr("delete rule", err)
	}
	return nil
}

func validate(in *Input) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return apperr.Validation("name is required")
	}
	if len(in.Name) > maxNameLength {
		return apperr.Validation("name is longer than %d characters", maxNameLength)
	}
	if !in.Action.Valid() {
		return apperr.Validation("unknown action %q", in.Action)
	}
	c := &in.Conditions
	if c.RiskLevel != nil && !c.RiskLevel.Valid() {
		return apperr.Validation("unknown risk_level %q", *c.RiskLevel)
	}
	if c.MaxCTALevel != nil && (*c.MaxCTALevel < 0 || *c.MaxCTALevel > 3) {
		return apperr.Validation("max_cta_level must be between 0 and 3")
	}
	if c.MinCTS != nil && !unit(*c.MinCTS) {
		return apperr.Validation("min_cts must be within [0,1]")
	}
	if c.MinEmotionalIntensity != nil && !unit(*c.MinEmotionalIntensity) {
		return apperr.Validation("min_emotional_intensity must be within [0,1]")
	}
	var platforms []string
	for _, p := range c.Platforms {
		if p = strings.TrimSpace(p); p != "" {
			platforms = append(platforms, p)
		}
	}
	c.Platforms = platforms
	return nil
}

func unit(x float64) bool {
	return !math.IsNaN(x) && x >= 0 && x <= 1
}

func ruleEntityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func storeErr(op string, err error) error {
	if apperr.Kind(err) != nil {
		return err
	}
	return apperr.Persistence(op, err)
}
