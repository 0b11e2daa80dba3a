package models

import (
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// TriggerQueueEntry represents one "please rewrite this message" intent.
// One row exists per source message; re-enqueueing resets it to queued while
// preserving attempt history.
//
// Structural invariants (mirrored by check constraints in the schema):
// ReservationToken and ProcessingStartedAt are set iff status is processing,
// ProcessedAt is set iff status is terminal, RetryAfter only while queued.
type TriggerQueueEntry struct {
	ID                     string              `json:"id" db:"id"`
	SourceMessageID        string              `json:"sourceMessageId" db:"source_message_id"`
	SourceMessageCreatedAt time.Time           `json:"sourceMessageCreatedAt" db:"source_message_created_at"`
	HomeID                 string              `json:"homeId" db:"home_id"`
	AuthorID               string              `json:"authorId" db:"author_id"`
	RecipientID            string              `json:"recipientId" db:"recipient_id"`
	Status                 types.TriggerStatus `json:"status" db:"status"`
	ReservationToken       *string             `json:"-" db:"reservation_token"`
	Attempts               int                 `json:"attempts" db:"attempts"`
	RetryAfter             *time.Time          `json:"retryAfter,omitempty" db:"retry_after"`
	ProcessingStartedAt    *time.Time          `json:"processingStartedAt,omitempty" db:"processing_started_at"`
	ProcessedAt            *time.Time          `json:"processedAt,omitempty" db:"processed_at"`
	LastError              *string             `json:"lastError,omitempty" db:"last_error"`
	CreatedAt              time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt              time.Time           `json:"updatedAt" db:"updated_at"`
}
