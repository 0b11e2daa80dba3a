package models

import (
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// RewriteJob is the unit a worker claims: one per (request, recipient) pair.
// NotBefore is only meaningful while queued; ClaimedBy/ClaimedAt only while
// processing.
type RewriteJob struct {
	ID                   string          `json:"id" db:"id"`
	RequestID            string          `json:"requestId" db:"request_id"`
	RecipientID          string          `json:"recipientId" db:"recipient_id"`
	RecipientSnapshotID  *string         `json:"recipientSnapshotId,omitempty" db:"recipient_snapshot_id"`
	PreferenceSnapshotID *string         `json:"preferenceSnapshotId,omitempty" db:"preference_snapshot_id"`
	Status               types.JobStatus `json:"status" db:"status"`
	Attempts             int             `json:"attempts" db:"attempts"`
	MaxAttempts          int             `json:"maxAttempts" db:"max_attempts"`
	NotBefore            time.Time       `json:"notBefore" db:"not_before"`
	ClaimedBy            *string         `json:"claimedBy,omitempty" db:"claimed_by"`
	ClaimedAt            *time.Time      `json:"claimedAt,omitempty" db:"claimed_at"`
	LastError            *string         `json:"lastError,omitempty" db:"last_error"`
	LastErrorAt          *time.Time      `json:"lastErrorAt,omitempty" db:"last_error_at"`
	ProviderBatchID      *string         `json:"providerBatchId,omitempty" db:"provider_batch_id"`
	SubmittedAt          *time.Time      `json:"submittedAt,omitempty" db:"submitted_at"`
	CreatedAt            time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time       `json:"updatedAt" db:"updated_at"`
}

// ClaimedJob is what ClaimForSubmit returns: the job plus the pre-resolved
// prompt inputs and routing decision, so the submitter needs no second lookup.
type ClaimedJob struct {
	JobID        string
	RequestID    string
	RecipientID  string
	OriginalText string
	SourceLocale string
	TargetLocale string
	Lane         types.Lane
	Topics       []types.Topic
	Intent       string
	Strength     types.Strength
	PromptRef    string
	Preferences  map[string]string
	Routing      RoutingDecision
}

// RoutingDecision is the provider/model/policy resolved at claim time.
type RoutingDecision struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	PolicyVersion string `json:"policyVersion"`
}
