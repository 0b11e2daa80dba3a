package models

import "time"

// RewriteOutput is the terminal artifact of a completed job: one per
// (request, recipient), later completions overwrite rather than duplicate.
type RewriteOutput struct {
	ID             string            `json:"id" db:"id"`
	RequestID      string            `json:"requestId" db:"request_id"`
	RecipientID    string            `json:"recipientId" db:"recipient_id"`
	RewrittenText  string            `json:"rewrittenText" db:"rewritten_text"`
	OutputLanguage string            `json:"outputLanguage" db:"output_language"`
	Provider       string            `json:"provider" db:"provider"`
	Model          string            `json:"model" db:"model"`
	PromptVersion  string            `json:"promptVersion" db:"prompt_version"`
	PolicyVersion  string            `json:"policyVersion" db:"policy_version"`
	LexiconVersion string            `json:"lexiconVersion" db:"lexicon_version"`
	Evaluation     map[string]string `json:"evaluation,omitempty" db:"evaluation"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}
