package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit action types.
const (
	AuditResponseEnqueued     = "response.enqueued"
	AuditResponseAutoApproved = "response.auto_approved"
	AuditResponseBlocked      = "response.blocked"
	AuditResponseApproved     = "response.approved"
	AuditResponseRejected     = "response.rejected"
	AuditResponseEdited       = "response.edited"
	AuditResponsePosted       = "response.posted"
	AuditResponsePostFailed   = "response.post_failed"
	AuditQueueSkipped         = "queue.skipped"
	AuditRuleCreated          = "rule.created"
	AuditRuleUpdated          = "rule.updated"
	AuditRuleDeleted          = "rule.deleted"
	AuditPolicyUpdated        = "policy.updated"
	AuditMemberAdded          = "member.added"
	AuditMemberRoleChanged    = "member.role_changed"
	AuditMemberRemoved        = "member.removed"
	AuditExportRequested      = "audit.export_requested"
	AuditExportCompleted      = "audit.export_completed"
	AuditOrganizationCreated  = "organization.created"
)

// Audit entity types.
const (
	EntityResponse     = "response"
	EntityQueueEntry   = "queue_entry"
	EntityRule         = "automation_rule"
	EntityPolicy       = "policy"
	EntityMembership   = "membership"
	EntityOrganization = "organization"
)

// AuditEntry is an immutable record of one mutating action. A nil ActorID means the system acted.
type AuditEntry struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	ActorID        *uuid.UUID      `json:"actor_id"`
	ActionType     string          `json:"action_type"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	ActionData     json.RawMessage `json:"action_data,omitempty"`
	BeforeState    json.RawMessage `json:"before_state,omitempty"`
	AfterState     json.RawMessage `json:"after_state,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
