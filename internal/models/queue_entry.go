package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus is the lifecycle of a queue entry.
type EntryStatus string

const (
	EntryQueued     EntryStatus = "queued"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntrySkipped    EntryStatus = "skipped"
)

// QueueEntry is the reviewable unit for one pending candidate.
type QueueEntry struct {
	ID             uuid.UUID   `json:"id"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	CandidateID    uuid.UUID   `json:"candidate_id"`
	Priority       int         `json:"priority"`
	Status         EntryStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// QueueItem is an entry together with its candidate, as returned by queue listings.
type QueueItem struct {
	Entry     QueueEntry `json:"entry"`
	Candidate Candidate  `json:"candidate"`
}
