package jobs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobDecode(t *testing.T) {
	in := PostResponsePayload{OrganizationID: uuid.New(), CandidateID: uuid.New()}
	job, err := NewJob(JobTypePostResponse, in, time.Unix(0, 0))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Zero(t, job.Attempt)

	var out PostResponsePayload
	require.NoError(t, job.Decode(&out))
	assert.Equal(t, in, out)
}

func TestNewJobUnknownType(t *testing.T) {
	_, err := NewJob(JobType("transcode"), struct{}{}, time.Now())
	assert.Error(t, err)
}

func TestEveryTypeHasAList(t *testing.T) {
	for _, jt := range []JobType{JobTypePostResponse, JobTypeNotify, JobTypeAuditExport} {
		assert.NotEmpty(t, queueFor[jt], jt)
	}
}
