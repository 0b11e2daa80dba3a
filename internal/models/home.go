package models

import "time"

// HomeMessage is a message row from the household message store. The pipeline
// only reads these; writes belong to the main application.
type HomeMessage struct {
	ID        string    `json:"id" db:"id"`
	HomeID    string    `json:"homeId" db:"home_id"`
	AuthorID  string    `json:"authorId" db:"author_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// HomeMember is a user's membership in a home.
type HomeMember struct {
	HomeID      string     `json:"homeId" db:"home_id"`
	UserID      string     `json:"userId" db:"user_id"`
	DisplayName string     `json:"displayName" db:"display_name"`
	Locale      string     `json:"locale" db:"locale"`
	LeftAt      *time.Time `json:"leftAt,omitempty" db:"left_at"`
}

// PreferenceReport is the periodically regenerated summary of a user's
// communication preferences.
type PreferenceReport struct {
	UserID      string            `json:"userId" db:"user_id"`
	Preferences map[string]string `json:"preferences" db:"preferences"`
	GeneratedAt time.Time         `json:"generatedAt" db:"generated_at"`
}

// PreferenceResponse is one raw onboarding answer, the fallback source when
// no report has been generated yet.
type PreferenceResponse struct {
	UserID      string `json:"userId" db:"user_id"`
	QuestionKey string `json:"questionKey" db:"question_key"`
	Answer      string `json:"answer" db:"answer"`
}
