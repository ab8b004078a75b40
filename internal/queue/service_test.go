package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/jobs"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type recordingPoster struct {
	mu   sync.Mutex
	jobs []jobs.PostResponsePayload
}

func (p *recordingPoster) EnqueuePost(_ context.Context, payload jobs.PostResponsePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, payload)
	return nil
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	ledger *audit.MemoryStore
	pub    *recordingPublisher
	poster *recordingPoster
	org    uuid.UUID

	clockMu sync.Mutex
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := audit.NewMemoryStore()
	store := NewMemoryStore(ledger)
	f := &fixture{
		store:  store,
		ledger: ledger,
		pub:    &recordingPublisher{},
		poster: &recordingPoster{},
		org:    uuid.New(),
		clock:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(store, audit.NewRecorder(ledger, nil), f.pub, f.poster, nil, nil)
	// Each call advances the clock so created_at values are distinct and ordered.
	f.svc.now = func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func (f *fixture) actor(role rbac.Role) rbac.Actor {
	return rbac.Actor{UserID: uuid.New(), OrganizationID: f.org, Role: role, DeviceType: "desktop"}
}

func (f *fixture) candidate(score float64) *models.Candidate {
	return &models.Candidate{
		OrganizationID:   f.org,
		PostID:           uuid.New(),
		Platform:         "reddit",
		SignalConfidence: 0.6,
		RiskLevel:        models.RiskMedium,
		CTALevel:         1,
		CTSScore:         score,
		DecisionReason:   "score_below_threshold",
		ResponseText:     "value first draft",
		SelectedType:     models.ResponseTypeValueFirst,
		Variants: models.Variants{
			ValueFirst: "value first draft",
			SoftCTA:    "soft cta draft",
			Contextual: "contextual draft",
		},
		Status: models.CandidatePending,
	}
}

func (f *fixture) enqueue(t *testing.T, priority int, score float64) *models.QueueEntry {
	t.Helper()
	e, err := f.svc.Enqueue(context.Background(), f.candidate(score), priority)
	require.NoError(t, err)
	return e
}

func (f *fixture) auditCount(t *testing.T) int {
	t.Helper()
	n, err := f.ledger.Count(context.Background(), f.org)
	require.NoError(t, err)
	return n
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)

	assert.Equal(t, models.EntryQueued, e.Status)
	assert.Equal(t, 10, e.Priority)
	assert.Equal(t, 1, f.auditCount(t))
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, EventEntryAdded, f.pub.events[0].Type)

	entries, _, err := f.ledger.List(context.Background(), f.org, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, models.AuditResponseEnqueued, entries[0].ActionType)
	assert.Nil(t, entries[0].ActorID)
}

func TestEnqueueRejectsInvalidCandidate(t *testing.T) {
	f := newFixture(t)
	c := f.candidate(0.5)
	c.RiskLevel = models.RiskBlocked
	c.CanAutoPost = true

	_, err := f.svc.Enqueue(context.Background(), c, 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	c = f.candidate(1.5)
	_, err = f.svc.Enqueue(context.Background(), c, 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, f.auditCount(t))
}

func TestListOrdering(t *testing.T) {
	f := newFixture(t)
	low := f.enqueue(t, 1, 0.5)
	highOld := f.enqueue(t, 50, 0.5)
	mid := f.enqueue(t, 10, 0.5)
	highNew := f.enqueue(t, 50, 0.5)

	page, err := f.svc.List(context.Background(), f.actor(rbac.RoleMember), Filter{}, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 4)

	var got []uuid.UUID
	for _, it := range page.Items {
		got = append(got, it.Entry.ID)
	}
	assert.Equal(t, []uuid.UUID{highOld.ID, highNew.ID, mid.ID, low.ID}, got)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 1, page.TotalPages)
}

func TestListFiltersAndPaging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.enqueue(t, 10, 0.2*float64(i))
	}
	member := f.actor(rbac.RoleMember)
	min := 0.3
	page, err := f.svc.List(context.Background(), member, Filter{MinCTS: &min}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Items, 2)

	page, err = f.svc.List(context.Background(), member, Filter{MinCTS: &min}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	_, err = f.svc.List(context.Background(), member, Filter{}, 1, 101)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.List(context.Background(), member, Filter{RiskLevel: "severe"}, 1, 20)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListIsScopedToOrganization(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, 10, 0.5)

	other := rbac.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: rbac.RoleOwner}
	page, err := f.svc.List(context.Background(), other, Filter{}, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestActApprove(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	reviewer := f.actor(rbac.RoleReviewer)

	item, err := f.svc.Act(context.Background(), e.ID, ActionApprove, reviewer, ActInput{SelectedType: models.ResponseTypeSoftCTA, Notes: "ok"})
	require.NoError(t, err)

	assert.Equal(t, models.CandidateApproved, item.Candidate.Status)
	assert.Equal(t, models.EntryCompleted, item.Entry.Status)
	assert.Equal(t, "soft cta draft", item.Candidate.ResponseText)
	assert.Equal(t, models.ResponseTypeSoftCTA, item.Candidate.SelectedType)
	require.NotNil(t, item.Candidate.ReviewedBy)
	assert.Equal(t, reviewer.UserID, *item.Candidate.ReviewedBy)
	assert.Equal(t, 2, f.auditCount(t))
	entries, _, err := f.ledger.List(context.Background(), f.org, 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditResponseApproved, entries[0].ActionType)
	assert.Equal(t, item.Candidate.ID.String(), entries[0].EntityID)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, reviewer.UserID, *entries[0].ActorID)
	require.Len(t, f.poster.jobs, 1)
	assert.Equal(t, item.Candidate.ID, f.poster.jobs[0].CandidateID)

	count, err := f.svc.Count(context.Background(), reviewer)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestActApproveWithEditBecomesEdit(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	text := "  my own words  "

	item, err := f.svc.Act(context.Background(), e.ID, ActionApprove, f.actor(rbac.RoleReviewer), ActInput{EditedResponse: &text})
	require.NoError(t, err)
	assert.Equal(t, models.CandidateEdited, item.Candidate.Status)
	assert.Equal(t, "my own words", item.Candidate.FinalText())

	entries, _, _ := f.ledger.List(context.Background(), f.org, 0, 1)
	assert.Equal(t, models.AuditResponseEdited, entries[0].ActionType)
}

func TestActReject(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)

	item, err := f.svc.Act(context.Background(), e.ID, ActionReject, f.actor(rbac.RoleReviewer), ActInput{Reason: "off topic"})
	require.NoError(t, err)
	assert.Equal(t, models.CandidateRejected, item.Candidate.Status)
	assert.Equal(t, "off topic", item.Candidate.RejectReason)
	assert.Empty(t, f.poster.jobs)
}

func TestActValidation(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	reviewer := f.actor(rbac.RoleReviewer)
	blank := "   "

	_, err := f.svc.Act(context.Background(), e.ID, ActionEdit, reviewer, ActInput{EditedResponse: &blank})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Act(context.Background(), e.ID, Action("archive"), reviewer, ActInput{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Act(context.Background(), e.ID, ActionApprove, reviewer, ActInput{SelectedType: "haiku"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, 1, f.auditCount(t))
}

func TestActDeniedWritesNothing(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)

	_, err := f.svc.Act(context.Background(), e.ID, ActionApprove, f.actor(rbac.RoleMember), ActInput{})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	assert.Equal(t, 1, f.auditCount(t))
	got, err := f.store.GetEntry(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryQueued, got.Status)
}

func TestActOtherOrganizationIsNotFound(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	outsider := rbac.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: rbac.RoleOwner}

	_, err := f.svc.Act(context.Background(), e.ID, ActionApprove, outsider, ActInput{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Act(context.Background(), uuid.New(), ActionApprove, f.actor(rbac.RoleOwner), ActInput{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestActTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	reviewer := f.actor(rbac.RoleReviewer)

	_, err := f.svc.Act(context.Background(), e.ID, ActionApprove, reviewer, ActInput{})
	require.NoError(t, err)
	_, err = f.svc.Act(context.Background(), e.ID, ActionReject, reviewer, ActInput{})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	item, err := f.svc.Get(context.Background(), reviewer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CandidateApproved, item.Candidate.Status)
	assert.Equal(t, 2, f.auditCount(t))
}

func TestConcurrentActsExactlyOneWins(t *testing.T) {
	for run := 0; run < 50; run++ {
		f := newFixture(t)
		e := f.enqueue(t, 10, 0.5)
		a, b := f.actor(rbac.RoleReviewer), f.actor(rbac.RoleReviewer)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		actions := []Action{ActionApprove, ActionReject}
		actors := []rbac.Actor{a, b}
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.Act(context.Background(), e.ID, actions[i], actors[i], ActInput{})
			}(i)
		}
		close(start)
		wg.Wait()

		winner := -1
		for i, err := range errs {
			if err == nil {
				require.Equal(t, -1, winner, "both acts succeeded")
				winner = i
			} else {
				assert.ErrorIs(t, err, apperr.ErrConflict)
			}
		}
		require.NotEqual(t, -1, winner, "no act succeeded")

		item, err := f.svc.Get(context.Background(), a, e.ID)
		require.NoError(t, err)
		assert.Equal(t, targetStatus(actions[winner]), item.Candidate.Status)
		assert.Equal(t, actors[winner].UserID, *item.Candidate.ReviewedBy)
		assert.Equal(t, 2, f.auditCount(t))
	}
}

type failingAppender struct{ fail bool }

func (a *failingAppender) Append(context.Context, *models.AuditEntry) error {
	if a.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestActAuditFailureLeavesStateUnchanged(t *testing.T) {
	appender := &failingAppender{}
	store := NewMemoryStore(appender)
	svc := NewService(store, audit.NewRecorder(audit.NewMemoryStore(), nil), nil, nil, nil, nil)
	org := uuid.New()

	c := &models.Candidate{OrganizationID: org, PostID: uuid.New(), RiskLevel: models.RiskLow, CTSScore: 0.4, Status: models.CandidatePending}
	e, err := svc.Enqueue(context.Background(), c, 10)
	require.NoError(t, err)

	appender.fail = true
	_, err = svc.Act(context.Background(), e.ID, ActionApprove, rbac.Actor{UserID: uuid.New(), OrganizationID: org, Role: rbac.RoleAdmin}, ActInput{})
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	got, err := store.GetEntry(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryQueued, got.Status)
	cand, err := store.GetCandidate(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CandidatePending, cand.Status)
}

func TestBulkActPartialResults(t *testing.T) {
	f := newFixture(t)
	e1 := f.enqueue(t, 10, 0.5)
	e2 := f.enqueue(t, 10, 0.5)
	reviewer := f.actor(rbac.RoleReviewer)
	_, err := f.svc.Act(context.Background(), e2.ID, ActionReject, reviewer, ActInput{})
	require.NoError(t, err)
	missing := uuid.New()

	results, err := f.svc.BulkAct(context.Background(), []uuid.UUID{e1.ID, e2.ID, missing}, ActionApprove, reviewer, ActInput{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.Equal(t, models.CandidateApproved, results[0].Status)
	assert.False(t, results[1].Success)
	assert.Equal(t, "conflict", results[1].Code)
	assert.False(t, results[2].Success)
	assert.Equal(t, "not_found", results[2].Code)
}

func TestBulkActRules(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)

	_, err := f.svc.BulkAct(context.Background(), []uuid.UUID{e.ID}, ActionApprove, f.actor(rbac.RoleMember), ActInput{})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = f.svc.BulkAct(context.Background(), nil, ActionApprove, f.actor(rbac.RoleReviewer), ActInput{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.BulkAct(context.Background(), []uuid.UUID{e.ID}, ActionEdit, f.actor(rbac.RoleReviewer), ActInput{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 1, f.auditCount(t))
}

func TestSkipLeavesCandidatePending(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)

	_, err := f.svc.Skip(context.Background(), e.ID, f.actor(rbac.RoleReviewer), "dupe")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	out, err := f.svc.Skip(context.Background(), e.ID, f.actor(rbac.RoleAdmin), "dupe")
	require.NoError(t, err)
	assert.Equal(t, models.EntrySkipped, out.Status)

	cand, err := f.store.GetCandidate(context.Background(), e.CandidateID)
	require.NoError(t, err)
	assert.Equal(t, models.CandidatePending, cand.Status)

	_, err = f.svc.Act(context.Background(), e.ID, ActionApprove, f.actor(rbac.RoleAdmin), ActInput{})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestApproveAndRejectByCandidate(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	reviewer := f.actor(rbac.RoleReviewer)

	item, err := f.svc.Approve(context.Background(), e.CandidateID, reviewer, ActInput{})
	require.NoError(t, err)
	assert.Equal(t, models.CandidateApproved, item.Candidate.Status)

	_, err = f.svc.Reject(context.Background(), e.CandidateID, reviewer, ActInput{})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = f.svc.Reject(context.Background(), uuid.New(), reviewer, ActInput{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecordAutoApprovedSchedulesPost(t *testing.T) {
	f := newFixture(t)
	c := f.candidate(0.9)
	c.Status = models.CandidateApproved
	c.CanAutoPost = true

	require.NoError(t, f.svc.Record(context.Background(), c, models.AuditResponseAutoApproved, map[string]any{"reason": "eligible"}))
	assert.Len(t, f.poster.jobs, 1)

	_, err := f.store.GetEntryByCandidate(context.Background(), c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	pending := f.candidate(0.9)
	assert.ErrorIs(t, f.svc.Record(context.Background(), pending, models.AuditResponseAutoApproved, nil), apperr.ErrValidation)
}

func TestDispatchTransitions(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, 10, 0.5)
	ctx := context.Background()

	_, err := f.svc.MarkPosted(ctx, e.CandidateID, "ext-1")
	assert.ErrorIs(t, err, apperr.ErrConflict, "pending responses cannot be posted")

	_, err = f.svc.Act(ctx, e.ID, ActionApprove, f.actor(rbac.RoleReviewer), ActInput{})
	require.NoError(t, err)

	c, err := f.svc.MarkFailed(ctx, e.CandidateID, "rate limited")
	require.NoError(t, err)
	assert.Equal(t, models.CandidateFailed, c.Status)
	assert.Equal(t, "rate limited", c.PostError)

	_, err = f.svc.MarkPosted(ctx, e.CandidateID, "ext-1")
	assert.ErrorIs(t, err, apperr.ErrConflict, "failed responses stay failed")
}

func TestAuditCountNeverDecreases(t *testing.T) {
	f := newFixture(t)
	reviewer := f.actor(rbac.RoleReviewer)
	member := f.actor(rbac.RoleMember)
	prev := 0
	for i := 0; i < 10; i++ {
		e := f.enqueue(t, i, 0.5)
		_, _ = f.svc.Act(context.Background(), e.ID, ActionApprove, member, ActInput{})
		_, _ = f.svc.Act(context.Background(), e.ID, ActionApprove, reviewer, ActInput{})
		_, _ = f.svc.Act(context.Background(), e.ID, ActionReject, reviewer, ActInput{})
		n := f.auditCount(t)
		assert.GreaterOrEqual(t, n, prev)
		assert.Equal(t, prev+2, n, "enqueue and one successful approve per round")
		prev = n
	}
}
