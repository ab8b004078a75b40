package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
)

type failingStore struct{ *MemoryStore }

func (failingStore) Append(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func TestRecord_AppendsEntry(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil)
	org := uuid.New()
	actor := uuid.New()

	e, err := rec.Record(context.Background(), Input{
		OrganizationID: org,
		ActorID:        &actor,
		ActionType:     models.AuditRuleCreated,
		EntityType:     models.EntityRule,
		EntityID:       "42",
		Payload:        map[string]string{"name": "block angry posts"},
		After:          map[string]int{"priority": 5},
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, &actor, e.ActorID)
	assert.JSONEq(t, `{"name":"block angry posts"}`, string(e.ActionData))
	assert.Nil(t, e.BeforeState)

	n, err := rec.Count(context.Background(), org)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecord_SystemActor(t *testing.T) {
	rec := NewRecorder(NewMemoryStore(), nil)
	e, err := rec.Record(context.Background(), Input{
		OrganizationID: uuid.New(),
		ActionType:     models.AuditResponseAutoApproved,
		EntityType:     models.EntityResponse,
		EntityID:       uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Nil(t, e.ActorID)
}

func TestRecord_ValidationLeavesLedgerUntouched(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil)
	org := uuid.New()

	_, err := rec.Record(context.Background(), Input{OrganizationID: org, ActionType: "x"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = rec.Record(context.Background(), Input{ActionType: "x", EntityType: "y", EntityID: "z"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	n, _ := store.Count(context.Background(), org)
	assert.Zero(t, n)
}

func TestRecord_AppendFailureIsPersistenceError(t *testing.T) {
	rec := NewRecorder(failingStore{NewMemoryStore()}, nil)
	_, err := rec.Record(context.Background(), Input{
		OrganizationID: uuid.New(), ActionType: "a", EntityType: "b", EntityID: "c",
	})
	assert.ErrorIs(t, err, apperr.ErrPersistence)
}

func TestBuild_RawMessagePassThrough(t *testing.T) {
	raw := json.RawMessage(`{"status":"pending"}`)
	e, err := Build(Input{
		OrganizationID: uuid.New(), ActionType: "a", EntityType: "b", EntityID: "c", Before: raw,
	}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, raw, e.BeforeState)
	assert.Equal(t, 2026, e.CreatedAt.Year())
}

func TestList_NewestFirstAndPaged(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil)
	org, other := uuid.New(), uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := rec.Record(ctx, Input{OrganizationID: org, ActionType: "a", EntityType: "b", EntityID: string(rune('a' + i))})
		require.NoError(t, err)
	}
	_, err := rec.Record(ctx, Input{OrganizationID: other, ActionType: "a", EntityType: "b", EntityID: "zz"})
	require.NoError(t, err)

	page, err := rec.List(ctx, org, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "e", page.Items[0].EntityID)
	assert.Equal(t, "d", page.Items[1].EntityID)

	page, err = rec.List(ctx, org, 4, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = rec.List(ctx, org, 1, 1000)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCountNeverDecreases(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil)
	org := uuid.New()
	ctx := context.Background()

	prev := 0
	inputs := []Input{
		{OrganizationID: org, ActionType: "a", EntityType: "b", EntityID: "1"},
		{OrganizationID: org, ActionType: "a"},
		{OrganizationID: org, ActionType: "a", EntityType: "b", EntityID: "2"},
		{ActionType: "a", EntityType: "b", EntityID: "3"},
	}
	for _, in := range inputs {
		_, _ = rec.Record(ctx, in)
		n, err := rec.Count(ctx, org)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
	assert.Equal(t, 2, prev)
}

func TestMemoryStore_EntriesDoNotAliasCallerBytes(t *testing.T) {
	store := NewMemoryStore()
	org := uuid.New()
	e := &models.AuditEntry{
		ID:             uuid.New(),
		OrganizationID: org,
		ActionType:     models.AuditRuleCreated,
		EntityType:     models.EntityRule,
		EntityID:       "7",
		ActionData:     json.RawMessage(`{"name":"a"}`),
		AfterState:     json.RawMessage(`{"enabled":true}`),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Append(context.Background(), e))

	e.ActionData[9] = 'z'
	e.AfterState[2] = 'X'

	got, _, err := store.List(context.Background(), org, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"name":"a"}`, string(got[0].ActionData))
	assert.JSONEq(t, `{"enabled":true}`, string(got[0].AfterState))
	assert.Nil(t, got[0].BeforeState)

	got[0].ActionData[9] = 'q'
	again, _, err := store.List(context.Background(), org, 0, 10)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(again[0].ActionData))
}
