package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
)

func newService(t *testing.T) (*Service, *audit.MemoryStore) {
	t.Helper()
	ledger := audit.NewMemoryStore()
	return NewService(NewMemoryStore(ledger), audit.NewRecorder(ledger, nil), nil), ledger
}

func admin(org uuid.UUID) rbac.Actor {
	return rbac.Actor{UserID: uuid.New(), OrganizationID: org, Role: rbac.RoleAdmin, DeviceType: "desktop"}
}

func TestCreateAndList(t *testing.T) {
	svc, ledger := newService(t)
	org := uuid.New()
	ctx := context.Background()

	low, err := svc.Create(ctx, admin(org), Input{Name: " low risk ", Action: models.RuleActionAutoPost, Priority: 1,
		Conditions: models.RuleConditions{RiskLevel: ptr(models.RiskLow), Platforms: []string{" reddit ", ""}}})
	require.NoError(t, err)
	assert.Equal(t, "low risk", low.Name)
	assert.True(t, low.IsActive)
	assert.Equal(t, []string{"reddit"}, low.Conditions.Platforms)
	assert.NotZero(t, low.ID)

	off := false
	high, err := svc.Create(ctx, admin(org), Input{Name: "block high", Action: models.RuleActionBlock, Priority: 5, IsActive: &off})
	require.NoError(t, err)

	all, err := svc.List(ctx, rbac.Actor{OrganizationID: org, Role: rbac.RoleMember})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, high.ID, all[0].ID)

	active, err := svc.Active(ctx, org)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, low.ID, active[0].ID)

	n, err := ledger.Count(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := audit.NewRecorder(ledger, nil).List(ctx, org, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.AuditRuleCreated, page.Items[0].ActionType)
	assert.Equal(t, "2", page.Items[0].EntityID)
}

func TestCreateValidation(t *testing.T) {
	svc, ledger := newService(t)
	org := uuid.New()
	tests := []struct {
		name string
		in   Input
	}{
		{"empty name", Input{Name: "  ", Action: models.RuleActionNotify}},
		{"unknown action", Input{Name: "x", Action: "delete_post"}},
		{"unknown risk", Input{Name: "x", Action: models.RuleActionNotify, Conditions: models.RuleConditions{RiskLevel: ptr(models.RiskLevel("severe"))}}},
		{"cta ceiling too high", Input{Name: "x", Action: models.RuleActionNotify, Conditions: models.RuleConditions{MaxCTALevel: ptr(4)}}},
		{"min cts above one", Input{Name: "x", Action: models.RuleActionNotify, Conditions: models.RuleConditions{MinCTS: ptr(1.5)}}},
		{"negative intensity", Input{Name: "x", Action: models.RuleActionNotify, Conditions: models.RuleConditions{MinEmotionalIntensity: ptr(-0.1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), admin(org), tt.in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	n, _ := ledger.Count(context.Background(), org)
	assert.Zero(t, n)
}

func TestMutationsRequireRulesManage(t *testing.T) {
	svc, ledger := newService(t)
	org := uuid.New()
	ctx := context.Background()
	rule, err := svc.Create(ctx, admin(org), Input{Name: "n", Action: models.RuleActionNotify})
	require.NoError(t, err)

	reviewer := rbac.Actor{UserID: uuid.New(), OrganizationID: org, Role: rbac.RoleReviewer}
	_, err = svc.Create(ctx, reviewer, Input{Name: "n", Action: models.RuleActionNotify})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = svc.Update(ctx, reviewer, rule.ID, Input{Name: "n2", Action: models.RuleActionBlock})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.ErrorIs(t, svc.Delete(ctx, reviewer, rule.ID), apperr.ErrAuthorization)

	n, _ := ledger.Count(ctx, org)
	assert.Equal(t, 1, n)
}

func TestUpdateAndDelete(t *testing.T) {
	svc, ledger := newService(t)
	org := uuid.New()
	ctx := context.Background()
	rule, err := svc.Create(ctx, admin(org), Input{Name: "n", Action: models.RuleActionNotify, Priority: 1})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, admin(org), rule.ID, Input{Name: "escalate", Action: models.RuleActionEscalate, Priority: 9})
	require.NoError(t, err)
	assert.Equal(t, models.RuleActionEscalate, updated.Action)
	assert.True(t, updated.IsActive, "omitted is_active keeps the current value")

	require.NoError(t, svc.Delete(ctx, admin(org), rule.ID))
	_, err = svc.Update(ctx, admin(org), rule.ID, Input{Name: "x", Action: models.RuleActionNotify})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	page, err := audit.NewRecorder(ledger, nil).List(ctx, org, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	assert.Equal(t, models.AuditRuleDeleted, page.Items[0].ActionType)
	assert.Contains(t, string(page.Items[0].BeforeState), "escalate")
	assert.Equal(t, models.AuditRuleUpdated, page.Items[1].ActionType)
}

func TestRulesScopedToOrganization(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	orgA, orgB := uuid.New(), uuid.New()
	rule, err := svc.Create(ctx, admin(orgA), Input{Name: "a", Action: models.RuleActionNotify})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, admin(orgB), rule.ID), apperr.ErrNotFound)
	listB, err := svc.List(ctx, admin(orgB))
	require.NoError(t, err)
	assert.Empty(t, listB)
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func TestAuditFailureLeavesRulesUnchanged(t *testing.T) {
	svc := NewService(NewMemoryStore(failingAppender{}), audit.NewRecorder(audit.NewMemoryStore(), nil), nil)
	org := uuid.New()

	_, err := svc.Create(context.Background(), admin(org), Input{Name: "n", Action: models.RuleActionNotify})
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	rules, err := svc.Active(context.Background(), org)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
