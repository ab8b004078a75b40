package models

import (
	"time"

	"github.com/google/uuid"
)

// Post is one detected post on an external platform, the unit the pipeline decides on.
type Post struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Platform       string    `json:"platform"`
	ExternalID     string    `json:"external_id"`
	Author         string    `json:"author"`
	Text           string    `json:"text"`
	URL            string    `json:"url"`
	Priority       *int      `json:"priority,omitempty"` // upstream signal priority, if any
	ContextFlags   []string  `json:"context_flags"`
	CreatedAt      time.Time `json:"created_at"`
}
