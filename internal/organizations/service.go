package organizations

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/cts"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/jobs"
)

// Slug must be lowercase alphanumeric and hyphens only, 2–64 chars.
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

// ExportEnqueuer schedules an audit archive job.
type ExportEnqueuer interface {
	EnqueueAuditExport(ctx context.Context, payload jobs.AuditExportPayload) error
}

// PolicyInput is the writable part of a policy.
type PolicyInput struct {
	CTSThreshold      float64            `json:"cts_threshold"`
	AllowedRiskLevels []models.RiskLevel `json:"allowed_risk_levels"`
	MaxCTALevel       int                `json:"max_cta_level"`
	Weights           *models.Weights    `json:"weights"`
	AutomationEnabled *bool              `json:"automation_enabled"`
}

// Service implements organization, membership and policy operations.
type Service struct {
	store    Store
	users    UserDirectory
	audit    *audit.Recorder
	exports  ExportEnqueuer
	defaults config.PipelineConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates an organizations service. defaults seeds new organizations' policies
// and stands in for organizations without a saved one.
func NewService(store Store, users UserDirectory, rec *audit.Recorder, exports ExportEnqueuer, defaults config.PipelineConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, users: users, audit: rec, exports: exports, defaults: defaults, logger: logger, now: time.Now}
}

// DefaultPolicy builds the system default policy from configuration.
func DefaultPolicy(cfg config.PipelineConfig, orgID uuid.UUID) models.Policy {
	levels := make([]models.RiskLevel, 0, len(cfg.AllowedRiskLevels))
	for _, l := range cfg.AllowedRiskLevels {
		levels = append(levels, models.RiskLevel(strings.ToLower(l)))
	}
	return models.Policy{
		OrganizationID:    orgID,
		CTSThreshold:      cfg.CTSThreshold,
		AllowedRiskLevels: levels,
		MaxCTALevel:       cfg.MaxCTALevel,
		Weights:           models.Weights{Signal: cfg.SignalWeight, Risk: cfg.RiskWeight, CTA: cfg.CTAWeight},
		AutomationEnabled: true,
	}
}

// Create creates an organization with userID as its owner.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, name, slug string) (*models.Organization, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugRegex.MatchString(slug) {
		return nil, apperr.Validation("slug must be 2–64 chars, lowercase letters, numbers, hyphens only")
	}
	name = strings.TrimSpace(name)
	if len(name) < 1 || len(name) > 255 {
		return nil, apperr.Validation("name must be 1–255 characters")
	}
	now := s.now().UTC()
	org := &models.Organization{ID: uuid.New(), Name: name, Slug: slug, CreatedAt: now, UpdatedAt: now}
	owner := &models.Membership{ID: uuid.New(), OrganizationID: org.ID, UserID: userID, Role: rbac.RoleOwner, CreatedAt: now, UpdatedAt: now}
	policy := DefaultPolicy(s.defaults, org.ID)
	policy.UpdatedAt = now

	a, err := s.audit.Build(audit.Input{
		OrganizationID: org.ID,
		ActorID:        &userID,
		ActionType:     models.AuditOrganizationCreated,
		EntityType:     models.EntityOrganization,
		EntityID:       org.ID.String(),
		After:          org,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, org, owner, &policy, a); err != nil {
		return nil, storeErr("create organization", err)
	}
	s.logger.Info("organization created", zap.String("organization_id", org.ID.String()), zap.String("slug", slug))
	return org, nil
}

// ListMine returns the organizations userID belongs to.
func (s *Service) ListMine(ctx context.Context, userID uuid.UUID) ([]models.Organization, error) {
	orgs, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list organizations", err)
	}
	return orgs, nil
}

// ActorFor resolves userID's role in orgID. Non-members get NotFound so the organization's
// existence is not revealed.
func (s *Service) ActorFor(ctx context.Context, userID, orgID uuid.UUID) (rbac.Actor, error) {
	role, err := s.store.GetRole(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return rbac.Actor{}, apperr.NotFound("organization")
		}
		return rbac.Actor{}, storeErr("get role", err)
	}
	return rbac.Actor{UserID: userID, OrganizationID: orgID, Role: role}, nil
}

// Members lists the actor's organization members.
func (s *Service) Members(ctx context.Context, actor rbac.Actor) ([]models.Member, error) {
	if err := actor.Require(rbac.PermQueueView); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, actor.OrganizationID)
	if err != nil {
		return nil, storeErr("list members", err)
	}
	return members, nil
}

// AddMember adds the user registered under email. Admins may add members and reviewers;
// granting admin takes an owner. Nobody is added as owner.
func (s *Service) AddMember(ctx context.Context, actor rbac.Actor, email string, role rbac.Role) (*models.Membership, error) {
	if err := actor.Require(rbac.PermMembersManage); err != nil {
		return nil, err
	}
	if role == "" {
		role = rbac.RoleMember
	}
	if !role.Valid() || role == rbac.RoleOwner {
		return nil, apperr.Validation("role must be member, reviewer or admin")
	}
	if role.AtLeast(rbac.RoleAdmin) && !rbac.CanManageRole(actor.Role, role) {
		return nil, &rbac.DeniedError{Role: actor.Role, Permission: rbac.PermRolesManage}
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, apperr.Validation("email is required")
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, storeErr("find user", err)
	}
	now := s.now().UTC()
	m := &models.Membership{ID: uuid.New(), OrganizationID: actor.OrganizationID, UserID: u.ID, Role: role, CreatedAt: now, UpdatedAt: now}
	a, err := s.audit.Build(audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &actor.UserID,
		ActionType:     models.AuditMemberAdded,
		EntityType:     models.EntityMembership,
		EntityID:       u.ID.String(),
		Payload:        map[string]any{"role": role, "device_type": actor.DeviceType},
		After:          m,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.AddMember(ctx, m, a); err != nil {
		return nil, storeErr("add member", err)
	}
	return m, nil
}

// ChangeRole moves a member to a new role. Only owners change roles, and owners are never
// demoted or promoted to.
func (s *Service) ChangeRole(ctx context.Context, actor rbac.Actor, userID uuid.UUID, to rbac.Role) error {
	if err := actor.Require(rbac.PermRolesManage); err != nil {
		return err
	}
	if !to.Valid() {
		return apperr.Validation("unknown role %q", to)
	}
	from, err := s.store.GetRole(ctx, actor.OrganizationID, userID)
	if err != nil {
		return storeErr("get role", err)
	}
	if !rbac.CanManageRole(actor.Role, from) || !rbac.CanManageRole(actor.Role, to) {
		return apperr.Authorization("role %s cannot be changed to %s", from, to)
	}
	if from == to {
		return nil
	}
	a, err := s.audit.Build(audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &actor.UserID,
		ActionType:     models.AuditMemberRoleChanged,
		EntityType:     models.EntityMembership,
		EntityID:       userID.String(),
		Payload:        map[string]any{"device_type": actor.DeviceType},
		Before:         map[string]any{"role": from},
		After:          map[string]any{"role": to},
	})
	if err != nil {
		return err
	}
	return storeErr("update role", s.store.UpdateRole(ctx, actor.OrganizationID, userID, from, to, a))
}

// RemoveMember removes a non-owner member. Only owners remove members.
func (s *Service) RemoveMember(ctx context.Context, actor rbac.Actor, userID uuid.UUID) error {
	if err := actor.Require(rbac.PermRolesManage); err != nil {
		return err
	}
	role, err := s.store.GetRole(ctx, actor.OrganizationID, userID)
	if err != nil {
		return storeErr("get role", err)
	}
	if !rbac.CanManageRole(actor.Role, role) {
		return apperr.Authorization("members with role %s cannot be removed", role)
	}
	a, err := s.audit.Build(audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &actor.UserID,
		ActionType:     models.AuditMemberRemoved,
		EntityType:     models.EntityMembership,
		EntityID:       userID.String(),
		Payload:        map[string]any{"device_type": actor.DeviceType},
		Before:         map[string]any{"role": role},
	})
	if err != nil {
		return err
	}
	return storeErr("remove member", s.store.RemoveMember(ctx, actor.OrganizationID, userID, role, a))
}

// EffectivePolicy returns the organization's saved policy, or the configured default.
func (s *Service) EffectivePolicy(ctx context.Context, orgID uuid.UUID) (*models.Policy, error) {
	p, err := s.store.GetPolicy(ctx, orgID)
	if errors.Is(err, apperr.ErrNotFound) {
		def := DefaultPolicy(s.defaults, orgID)
		return &def, nil
	}
	if err != nil {
		return nil, storeErr("get policy", err)
	}
	return p, nil
}

// Policy returns the policy in force for the actor's organization.
func (s *Service) Policy(ctx context.Context, actor rbac.Actor) (*models.Policy, error) {
	if err := actor.Require(rbac.PermQueueView); err != nil {
		return nil, err
	}
	return s.EffectivePolicy(ctx, actor.OrganizationID)
}

// UpdatePolicy replaces the actor's organization policy. Omitted weights keep the current
// ones; an omitted automation_enabled keeps the current flag.
func (s *Service) UpdatePolicy(ctx context.Context, actor rbac.Actor, in PolicyInput) (*models.Policy, error) {
	if err := actor.Require(rbac.PermPolicyManage); err != nil {
		return nil, err
	}
	before, err := s.EffectivePolicy(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	after := *before
	after.CTSThreshold = in.CTSThreshold
	after.AllowedRiskLevels = in.AllowedRiskLevels
	after.MaxCTALevel = in.MaxCTALevel
	if in.Weights != nil {
		after.Weights = *in.Weights
	}
	if in.AutomationEnabled != nil {
		after.AutomationEnabled = *in.AutomationEnabled
	}
	if len(after.AllowedRiskLevels) == 0 {
		return nil, apperr.Validation("allowed_risk_levels must not be empty")
	}
	if !cts.ValidPolicy(cts.PolicyFrom(after)) {
		return nil, apperr.Validation("policy rejected: threshold in [0,1], max_cta_level in 0..3, known risk levels, non-negative weights summing to 1")
	}
	after.UpdatedAt = s.now().UTC()

	a, err := s.audit.Build(audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &actor.UserID,
		ActionType:     models.AuditPolicyUpdated,
		EntityType:     models.EntityPolicy,
		EntityID:       actor.OrganizationID.String(),
		Payload:        map[string]any{"device_type": actor.DeviceType},
		Before:         before,
		After:          &after,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.PutPolicy(ctx, &after, a); err != nil {
		return nil, storeErr("update policy", err)
	}
	return &after, nil
}

// Activity returns one page of the organization's audit trail, newest first.
func (s *Service) Activity(ctx context.Context, actor rbac.Actor, page, pageSize int) (*audit.Page, error) {
	if err := actor.Require(rbac.PermActivityView); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, actor.OrganizationID, page, pageSize)
}

// RequestExport schedules an archive of the audit trail and records the request once queued.
func (s *Service) RequestExport(ctx context.Context, actor rbac.Actor) (*jobs.AuditExportPayload, error) {
	if err := actor.Require(rbac.PermAuditExport); err != nil {
		return nil, err
	}
	if s.exports == nil {
		return nil, apperr.Persistence("request audit export", errors.New("export queue unavailable"))
	}
	payload := jobs.AuditExportPayload{OrganizationID: actor.OrganizationID, RequestedBy: actor.UserID, RequestedAt: s.now().UTC()}
	if err := s.exports.EnqueueAuditExport(ctx, payload); err != nil {
		s.logger.Error("enqueue audit export failed", zap.String("organization_id", actor.OrganizationID.String()), zap.Error(err))
		return nil, apperr.Persistence("enqueue audit export", err)
	}
	// The job is already queued, so a failed record is logged rather than reported.
	if _, err := s.audit.Record(ctx, audit.Input{
		OrganizationID: actor.OrganizationID,
		ActorID:        &actor.UserID,
		ActionType:     models.AuditExportRequested,
		EntityType:     models.EntityOrganization,
		EntityID:       actor.OrganizationID.String(),
		Payload:        map[string]any{"device_type": actor.DeviceType},
	}); err != nil {
		s.logger.Error("record audit export request failed", zap.String("organization_id", actor.OrganizationID.String()), zap.Error(err))
	}
	return &payload, nil
}

func storeErr(op string, err error) error {
	if err == nil || apperr.Kind(err) != nil {
		return err
	}
	return apperr.Persistence(op, err)
}
