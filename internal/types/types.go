// Package types provides common type definitions for the rewrite pipeline.
package types

import (
	"strings"
	"time"
)

// TriggerStatus represents the lifecycle state of a trigger queue entry
type TriggerStatus string

const (
	// TriggerQueued represents an entry waiting to be picked up
	TriggerQueued TriggerStatus = "queued"
	// TriggerProcessing represents an entry claimed by a worker
	TriggerProcessing TriggerStatus = "processing"
	// TriggerCompleted represents an entry whose request was enqueued
	TriggerCompleted TriggerStatus = "completed"
	// TriggerFailed represents an entry that exhausted its attempts
	TriggerFailed TriggerStatus = "failed"
	// TriggerCanceled represents an entry canceled by the author
	TriggerCanceled TriggerStatus = "canceled"
)

// Terminal reports whether no further automatic transition occurs.
func (s TriggerStatus) Terminal() bool {
	return s == TriggerCompleted || s == TriggerFailed || s == TriggerCanceled
}

// JobStatus represents the lifecycle state of a rewrite job.
// The enum order (queued, processing, batch_submitted, completed, failed,
// canceled) is persisted state and must not be reordered.
type JobStatus string

const (
	JobQueued         JobStatus = "queued"
	JobProcessing     JobStatus = "processing"
	JobBatchSubmitted JobStatus = "batch_submitted"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobCanceled       JobStatus = "canceled"
)

// Terminal reports whether no further automatic transition occurs.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// RequestStatus represents the lifecycle state of a rewrite request
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether the request has reached a final state.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// BatchStatus represents the lifecycle state of a provider batch
type BatchStatus string

const (
	BatchSubmitted BatchStatus = "submitted"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchExpired   BatchStatus = "expired"
	BatchCanceled  BatchStatus = "canceled"
)

// Terminal reports whether the provider batch has reached a final state.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchExpired || s == BatchCanceled
}

// Lane distinguishes same-language from cross-language rewrites
type Lane string

const (
	// LaneSameLanguage keeps the rewrite in the author's language
	LaneSameLanguage Lane = "same_language"
	// LaneCrossLanguage rewrites into the recipient's language
	LaneCrossLanguage Lane = "cross_language"
)

// Valid reports whether the lane is one of the known values.
func (l Lane) Valid() bool {
	return l == LaneSameLanguage || l == LaneCrossLanguage
}

// Topic tags a complaint with one of the closed vocabulary values
type Topic string

const (
	TopicChores        Topic = "chores"
	TopicMoney         Topic = "money"
	TopicTidiness      Topic = "tidiness"
	TopicNoise         Topic = "noise"
	TopicSchedule      Topic = "schedule"
	TopicCommunication Topic = "communication"
	TopicOther         Topic = "other"
)

// AllTopics is the closed 7-value topic vocabulary.
var AllTopics = []Topic{
	TopicChores,
	TopicMoney,
	TopicTidiness,
	TopicNoise,
	TopicSchedule,
	TopicCommunication,
	TopicOther,
}

// Valid reports whether the topic belongs to the closed vocabulary.
func (t Topic) Valid() bool {
	for _, known := range AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// Strength represents the rewrite-strength policy
type Strength string

const (
	// StrengthLight softens wording only
	StrengthLight Strength = "light"
	// StrengthMedium restructures the message while keeping its content
	StrengthMedium Strength = "medium"
	// StrengthStrong fully rephrases the complaint
	StrengthStrong Strength = "strong"
)

// Valid reports whether the strength is one of the known values.
func (s Strength) Valid() bool {
	return s == StrengthLight || s == StrengthMedium || s == StrengthStrong
}

// Surface represents where the rewritten message will be shown
type Surface string

const (
	// SurfaceInbox delivers the rewrite to the recipient's personal inbox
	SurfaceInbox Surface = "inbox"
	// SurfaceBoard posts the rewrite to the shared household board
	SurfaceBoard Surface = "board"
)

// MaxOriginalTextLen caps the original complaint text.
const MaxOriginalTextLen = 500

const (
	minTopics = 1
	maxTopics = 3
)

// ValidateTopics checks the 1-3 topic count invariant and the closed
// vocabulary, rejecting duplicates.
func ValidateTopics(topics []Topic) error {
	if len(topics) < minTopics || len(topics) > maxTopics {
		return &ServiceError{
			Code:    "INVALID_TOPICS",
			Message: "between 1 and 3 topics are required",
		}
	}
	seen := make(map[Topic]bool, len(topics))
	for _, topic := range topics {
		if !topic.Valid() {
			return &ServiceError{
				Code:    "INVALID_TOPICS",
				Message: "unknown topic: " + string(topic),
			}
		}
		if seen[topic] {
			return &ServiceError{
				Code:    "INVALID_TOPICS",
				Message: "duplicate topic: " + string(topic),
			}
		}
		seen[topic] = true
	}
	return nil
}

// ValidateOriginalText checks the complaint text is non-empty and within cap.
func ValidateOriginalText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ServiceError{Code: "INVALID_TEXT", Message: "original text is required"}
	}
	if len([]rune(text)) > MaxOriginalTextLen {
		return &ServiceError{Code: "INVALID_TEXT", Message: "original text exceeds 500 characters"}
	}
	return nil
}

// PrimaryLanguage extracts the primary language subtag from a locale tag
// such as "es-MX" or "pt_BR".
func PrimaryLanguage(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}

// Backoff bounds for requeued jobs and trigger retries.
const (
	MinJobBackoff      = 30 * time.Second
	MaxJobBackoff      = 6 * time.Hour
	MinTriggerRetry    = 10 * time.Second
	DefaultStaleAfter  = 10 * time.Minute
	DefaultMaxAttempts = 10
	DefaultJobMaxTries = 5
)

// ClampBackoff clamps a caller-supplied backoff into [MinJobBackoff, MaxJobBackoff].
func ClampBackoff(d time.Duration) time.Duration {
	if d < MinJobBackoff {
		return MinJobBackoff
	}
	if d > MaxJobBackoff {
		return MaxJobBackoff
	}
	return d
}

// ClampTriggerRetry enforces the minimum delay before a trigger entry
// becomes eligible again.
func ClampTriggerRetry(d time.Duration) time.Duration {
	if d < MinTriggerRetry {
		return MinTriggerRetry
	}
	return d
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Code + ": " + e.Message
}
