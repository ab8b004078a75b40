package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuditKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 2*3600))
	assert.Equal(t, "audit/org-1/20260304T030607Z.jsonl", AuditKey("org-1", at))
}
