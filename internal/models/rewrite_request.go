package models

import (
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// RewriteRequest is the semantic envelope of one rewrite: the flagged
// complaint text plus everything the classifier decided about it. Exactly one
// row exists per request ID; re-submission is a no-op. Only the completion
// fold mutates it after creation.
type RewriteRequest struct {
	ID            string              `json:"id" db:"id"`
	HomeID        string              `json:"homeId" db:"home_id"`
	AuthorID      string              `json:"authorId" db:"author_id"`
	RecipientID   string              `json:"recipientId" db:"recipient_id"`
	Surface       types.Surface       `json:"surface" db:"surface"`
	OriginalText  string              `json:"originalText" db:"original_text"`
	SourceLocale  string              `json:"sourceLocale" db:"source_locale"`
	TargetLocale  string              `json:"targetLocale" db:"target_locale"`
	Lane          types.Lane          `json:"lane" db:"lane"`
	Topics        []types.Topic       `json:"topics" db:"topics"`
	Intent        string              `json:"intent" db:"intent"`
	Strength      types.Strength      `json:"strength" db:"strength"`
	ClassifierRef string              `json:"classifierRef" db:"classifier_ref"`
	ContextRef    string              `json:"contextRef" db:"context_ref"`
	PromptRef     string              `json:"promptRef" db:"prompt_ref"`
	Status        types.RequestStatus `json:"status" db:"status"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt     time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time           `json:"updatedAt" db:"updated_at"`
}
