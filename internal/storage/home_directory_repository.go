package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
)

// HomeDirectoryRepository is the read-only boundary to the main application's
// tables: messages, home memberships, and preference data. The pipeline never
// writes through it.
type HomeDirectoryRepository struct {
	db *PostgresDB
}

// NewHomeDirectoryRepository creates a new home directory repository
func NewHomeDirectoryRepository(db *PostgresDB) *HomeDirectoryRepository {
	return &HomeDirectoryRepository{db: db}
}

// GetMessage retrieves a message by ID.
func (r *HomeDirectoryRepository) GetMessage(ctx context.Context, messageID string) (*models.HomeMessage, error) {
	var msg models.HomeMessage

	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, home_id, author_id, body, created_at
		FROM messages
		WHERE id = $1
	`, messageID).Scan(&msg.ID, &msg.HomeID, &msg.AuthorID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("message", messageID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// GetActiveMember returns the user's membership in the home, or a not-found
// error if the user never joined or has left.
func (r *HomeDirectoryRepository) GetActiveMember(ctx context.Context, homeID, userID string) (*models.HomeMember, error) {
	var member models.HomeMember

	err := r.db.Pool().QueryRow(ctx, `
		SELECT home_id, user_id, display_name, locale, left_at
		FROM home_members
		WHERE home_id = $1 AND user_id = $2 AND left_at IS NULL
	`, homeID, userID).Scan(&member.HomeID, &member.UserID, &member.DisplayName, &member.Locale, &member.LeftAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("home member", userID)
		}
		return nil, fmt.Errorf("failed to get home member: %w", err)
	}

	return &member, nil
}

// GetPreferenceReport returns the user's latest generated preference report,
// or a not-found error when none has been generated yet.
func (r *HomeDirectoryRepository) GetPreferenceReport(ctx context.Context, userID string) (*models.PreferenceReport, error) {
	var report models.PreferenceReport
	var prefsJSON []byte

	err := r.db.Pool().QueryRow(ctx, `
		SELECT user_id, preferences, generated_at
		FROM preference_reports
		WHERE user_id = $1
		ORDER BY generated_at DESC
		LIMIT 1
	`, userID).Scan(&report.UserID, &prefsJSON, &report.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("preference report", userID)
		}
		return nil, fmt.Errorf("failed to get preference report: %w", err)
	}

	if len(prefsJSON) > 0 {
		if err := json.Unmarshal(prefsJSON, &report.Preferences); err != nil {
			return nil, fmt.Errorf("failed to unmarshal preference report: %w", err)
		}
	}

	return &report, nil
}

// ListPreferenceResponses returns the user's raw onboarding answers.
func (r *HomeDirectoryRepository) ListPreferenceResponses(ctx context.Context, userID string) ([]*models.PreferenceResponse, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT user_id, question_key, answer
		FROM preference_responses
		WHERE user_id = $1
		ORDER BY question_key ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list preference responses: %w", err)
	}
	defer rows.Close()

	var responses []*models.PreferenceResponse
	for rows.Next() {
		var resp models.PreferenceResponse
		if err := rows.Scan(&resp.UserID, &resp.QuestionKey, &resp.Answer); err != nil {
			return nil, fmt.Errorf("failed to scan preference response: %w", err)
		}
		responses = append(responses, &resp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating preference responses: %w", err)
	}

	return responses, nil
}
