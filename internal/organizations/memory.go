package organizations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
)

type memberKey struct {
	org, user uuid.UUID
}

// MemoryStore is an in-process Store. Member details are joined from users at read time.
type MemoryStore struct {
	mu       sync.Mutex
	audit    audit.Appender
	users    UserDirectory
	orgs     map[uuid.UUID]models.Organization
	slugs    map[string]uuid.UUID
	members  map[memberKey]models.Membership
	policies map[uuid.UUID]models.Policy
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(a audit.Appender, users UserDirectory) *MemoryStore {
	return &MemoryStore{
		audit:    a,
		users:    users,
		orgs:     make(map[uuid.UUID]models.Organization),
		slugs:    make(map[string]uuid.UUID),
		members:  make(map[memberKey]models.Membership),
		policies: make(map[uuid.UUID]models.Policy),
	}
}

func (s *MemoryStore) Create(ctx context.Context, org *models.Organization, owner *models.Membership, policy *models.Policy, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[org.Slug]; ok {
		return apperr.Conflict("an organization with slug %q already exists", org.Slug)
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	s.orgs[org.ID] = *org
	s.slugs[org.Slug] = org.ID
	s.members[memberKey{org.ID, owner.UserID}] = *owner
	s.policies[org.ID] = clonePolicy(*policy)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, apperr.NotFound("organization")
	}
	return &o, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID uuid.UUID) ([]models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Organization, 0)
	for k := range s.members {
		if k.user == userID {
			out = append(out, s.orgs[k.org])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetRole(_ context.Context, orgID, userID uuid.UUID) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{orgID, userID}]
	if !ok {
		return "", apperr.NotFound("membership")
	}
	return m.Role, nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error) {
	s.mu.Lock()
	var ms []models.Membership
	for k, m := range s.members {
		if k.org == orgID {
			ms = append(ms, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].CreatedAt.Before(ms[j].CreatedAt) })
	out := make([]models.Member, 0, len(ms))
	for _, m := range ms {
		mem := models.Member{UserID: m.UserID, Role: m.Role, AddedAt: m.CreatedAt}
		if s.users != nil {
			if u, err := s.users.GetByID(ctx, m.UserID); err == nil {
				mem.Email, mem.FullName = u.Email, u.FullName
			}
		}
		out = append(out, mem)
	}
	return out, nil
}

func (s *MemoryStore) AddMember(ctx context.Context, m *models.Membership, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{m.OrganizationID, m.UserID}
	if _, ok := s.members[k]; ok {
		return apperr.Conflict("user is already a member")
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	s.members[k] = *m
	return nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, orgID, userID uuid.UUID, from, to rbac.Role, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{orgID, userID}
	m, ok := s.members[k]
	if !ok {
		return apperr.NotFound("membership")
	}
	if m.Role != from {
		return apperr.Conflict("member role changed concurrently")
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	m.Role = to
	m.UpdatedAt = time.Now().UTC()
	s.members[k] = m
	return nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, orgID, userID uuid.UUID, role rbac.Role, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{orgID, userID}
	m, ok := s.members[k]
	if !ok {
		return apperr.NotFound("membership")
	}
	if m.Role != role {
		return apperr.Conflict("member role changed concurrently")
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	delete(s.members, k)
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, orgID uuid.UUID) (*models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[orgID]
	if !ok {
		return nil, apperr.NotFound("policy")
	}
	p = clonePolicy(p)
	return &p, nil
}

func (s *MemoryStore) PutPolicy(ctx context.Context, p *models.Policy, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[p.OrganizationID]; !ok {
		return apperr.NotFound("organization")
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	s.policies[p.OrganizationID] = clonePolicy(*p)
	return nil
}

func (s *MemoryStore) appendAudit(ctx context.Context, a *models.AuditEntry) error {
	if a == nil || s.audit == nil {
		return nil
	}
	if err := s.audit.Append(ctx, a); err != nil {
		return apperr.Persistence("append audit entry", err)
	}
	return nil
}

func clonePolicy(p models.Policy) models.Policy {
	p.AllowedRiskLevels = append([]models.RiskLevel(nil), p.AllowedRiskLevels...)
	return p
}
