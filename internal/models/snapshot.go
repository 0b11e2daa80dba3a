package models

import "time"

// RecipientSnapshot is an immutable copy of recipient identity data taken at
// request time. At most one exists per request; first writer wins.
type RecipientSnapshot struct {
	ID          string    `json:"id" db:"id"`
	RequestID   string    `json:"requestId" db:"request_id"`
	RecipientID string    `json:"recipientId" db:"recipient_id"`
	DisplayName string    `json:"displayName" db:"display_name"`
	Locale      string    `json:"locale" db:"locale"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// RecipientPreferenceSnapshot freezes the recipient's flat preference map for
// one (request, recipient) pair so concurrent preference edits cannot affect
// an in-flight rewrite.
type RecipientPreferenceSnapshot struct {
	ID          string            `json:"id" db:"id"`
	RequestID   string            `json:"requestId" db:"request_id"`
	RecipientID string            `json:"recipientId" db:"recipient_id"`
	Preferences map[string]string `json:"preferences" db:"preferences"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
}
