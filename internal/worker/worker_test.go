package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/jobs"
)

type fakeResponses struct {
	mu        sync.Mutex
	candidate *models.Candidate
	posted    string
	failed    string
}

func (f *fakeResponses) LoadCandidate(_ context.Context, id uuid.UUID) (*models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candidate == nil || f.candidate.ID != id {
		return nil, apperr.NotFound("response")
	}
	c := *f.candidate
	return &c, nil
}

func (f *fakeResponses) MarkPosted(_ context.Context, _ uuid.UUID, ref string) (*models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = ref
	f.candidate.Status = models.CandidatePosted
	return f.candidate, nil
}

func (f *fakeResponses) MarkFailed(_ context.Context, _ uuid.UUID, reason string) (*models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = reason
	f.candidate.Status = models.CandidateFailed
	return f.candidate, nil
}

type fakePoster struct {
	calls int
	err   error
}

func (p *fakePoster) Post(_ context.Context, c *models.Candidate) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "ext-" + c.ID.String()[:8], nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	got  []jobs.NotifyPayload
	fail bool
}

func (n *fakeNotifier) Notify(_ context.Context, p jobs.NotifyPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, p)
	if n.fail {
		return errors.New("webhook down")
	}
	return nil
}

type fakeArchiver struct {
	key  string
	body string
}

func (a *fakeArchiver) Upload(_ context.Context, key, _ string, body io.Reader) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	a.key, a.body = key, string(b)
	return "https://bucket/" + key, nil
}

func postJob(t *testing.T, candidateID uuid.UUID, attempt int) *jobs.Job {
	t.Helper()
	job, err := jobs.NewJob(jobs.JobTypePostResponse, jobs.PostResponsePayload{CandidateID: candidateID}, time.Now())
	require.NoError(t, err)
	job.Attempt = attempt
	return job
}

func approved() *models.Candidate {
	return &models.Candidate{ID: uuid.New(), OrganizationID: uuid.New(), Platform: "reddit", ResponseText: "try this", Status: models.CandidateApproved}
}

func TestPostResponse(t *testing.T) {
	c := approved()
	resp := &fakeResponses{candidate: c}
	poster := &fakePoster{}
	p := NewProcessor(Deps{Responses: resp, Poster: poster}, nil)

	require.NoError(t, p.Process(context.Background(), postJob(t, c.ID, 0)))
	assert.Equal(t, "ext-"+c.ID.String()[:8], resp.posted)

	// already posted: no second submission
	require.NoError(t, p.Process(context.Background(), postJob(t, c.ID, 0)))
	assert.Equal(t, 1, poster.calls)
}

func TestPostResponseRetriesThenFails(t *testing.T) {
	c := approved()
	resp := &fakeResponses{candidate: c}
	p := NewProcessor(Deps{Responses: resp, Poster: &fakePoster{err: errors.New("rate limited")}}, nil)

	err := p.Process(context.Background(), postJob(t, c.ID, 0))
	require.Error(t, err)
	assert.Empty(t, resp.failed)

	require.NoError(t, p.Process(context.Background(), postJob(t, c.ID, jobs.MaxRetries-1)))
	assert.Equal(t, "rate limited", resp.failed)
	assert.Equal(t, models.CandidateFailed, resp.candidate.Status)
}

func TestPostResponseMissingCandidateIsDropped(t *testing.T) {
	p := NewProcessor(Deps{Responses: &fakeResponses{}, Poster: &fakePoster{}}, nil)
	assert.NoError(t, p.Process(context.Background(), postJob(t, uuid.New(), 0)))
}

func TestUnknownJobType(t *testing.T) {
	p := NewProcessor(Deps{}, nil)
	err := p.Process(context.Background(), &jobs.Job{Type: "transcode"})
	assert.Error(t, err)
}

func TestExportAudit(t *testing.T) {
	rec := audit.NewRecorder(audit.NewMemoryStore(), nil)
	org := uuid.New()
	for i := 0; i < 150; i++ {
		_, err := rec.Record(context.Background(), audit.Input{
			OrganizationID: org,
			ActionType:     models.AuditRuleCreated,
			EntityType:     models.EntityRule,
			EntityID:       strconv.Itoa(i),
		})
		require.NoError(t, err)
	}
	arch := &fakeArchiver{}
	p := NewProcessor(Deps{Audit: rec, Archiver: arch}, nil)

	job, err := jobs.NewJob(jobs.JobTypeAuditExport, jobs.AuditExportPayload{OrganizationID: org, RequestedBy: uuid.New(), RequestedAt: time.Now()}, time.Now())
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), job))

	assert.True(t, strings.HasPrefix(arch.key, "audit/"+org.String()+"/"))
	assert.True(t, strings.HasSuffix(arch.key, ".jsonl"))

	var lines []models.AuditEntry
	sc := bufio.NewScanner(strings.NewReader(arch.body))
	for sc.Scan() {
		var e models.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 150)
	assert.Equal(t, "0", lines[0].EntityID)
	assert.Equal(t, "149", lines[149].EntityID)

	page, err := rec.List(context.Background(), org, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AuditExportCompleted, page.Items[0].ActionType)
	assert.Nil(t, page.Items[0].ActorID)
}

func TestExportAuditWithoutArchiver(t *testing.T) {
	p := NewProcessor(Deps{Audit: audit.NewRecorder(audit.NewMemoryStore(), nil)}, nil)
	job, err := jobs.NewJob(jobs.JobTypeAuditExport, jobs.AuditExportPayload{OrganizationID: uuid.New()}, time.Now())
	require.NoError(t, err)
	assert.Error(t, p.Process(context.Background(), job))
}

type chanQueue struct {
	jobs    chan *jobs.Job
	mu      sync.Mutex
	retried []*jobs.Job
}

func (q *chanQueue) Dequeue(ctx context.Context) (*jobs.Job, string, error) {
	select {
	case j := <-q.jobs:
		return j, "test", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (q *chanQueue) Retry(_ context.Context, job *jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, job)
	return nil
}

func (q *chanQueue) retries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retried)
}

func TestRunRetriesFailedJobs(t *testing.T) {
	q := &chanQueue{jobs: make(chan *jobs.Job, 2)}
	notifier := &fakeNotifier{fail: true}
	p := NewProcessor(Deps{Queue: q, Notifier: notifier}, nil)
	p.backoff = 0

	job, err := jobs.NewJob(jobs.JobTypeNotify, jobs.NotifyPayload{OrganizationID: uuid.New(), CandidateID: uuid.New(), Action: "notify"}, time.Now())
	require.NoError(t, err)
	q.jobs <- job

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.retries() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHTTPPoster(t *testing.T) {
	c := approved()
	edited := "edited text"
	c.EditedResponse = &edited
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, c.ID.String(), r.Header.Get("Idempotency-Key"))
		var body PostRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "edited text", body.Text)
		assert.Equal(t, "reddit", body.Platform)
		_, _ = w.Write([]byte(`{"external_ref":"t3_abc"}`))
	}))
	defer srv.Close()

	ref, err := NewHTTPPoster(srv.URL, time.Second, nil).Post(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "t3_abc", ref)
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), jobs.NotifyPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewOutbound(t *testing.T) {
	poster, notifier := NewOutbound(config.WorkerConfig{}, nil)
	assert.IsType(t, &LogPoster{}, poster)
	assert.IsType(t, &LogNotifier{}, notifier)

	poster, notifier = NewOutbound(config.WorkerConfig{PosterURL: "http://poster", NotifyWebhookURL: "http://hook"}, nil)
	assert.IsType(t, &HTTPPoster{}, poster)
	assert.IsType(t, &WebhookNotifier{}, notifier)
}
