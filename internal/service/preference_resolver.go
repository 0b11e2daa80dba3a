package service

import (
	"context"
	"fmt"
	"strconv"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/logging"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
)

// PreferenceSource reads recipient preference data from the main application.
type PreferenceSource interface {
	GetPreferenceReport(ctx context.Context, userID string) (*models.PreferenceReport, error)
	ListPreferenceResponses(ctx context.Context, userID string) ([]*models.PreferenceResponse, error)
}

// PreferenceResolver produces the preference map snapshotted onto each
// request. Priority: generated report first, raw onboarding answers as
// fallback, empty map when the recipient has neither. Missing preferences
// never block a rewrite.
type PreferenceResolver struct {
	source PreferenceSource
}

// NewPreferenceResolver creates a new preference resolver
func NewPreferenceResolver(source PreferenceSource) *PreferenceResolver {
	return &PreferenceResolver{source: source}
}

// Resolve returns the recipient's effective preferences.
func (r *PreferenceResolver) Resolve(ctx context.Context, userID string) (map[string]string, error) {
	report, err := r.source.GetPreferenceReport(ctx, userID)
	if err == nil {
		return report.Preferences, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load preference report: %w", err)
	}

	responses, err := r.source.ListPreferenceResponses(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preference responses: %w", err)
	}

	if len(responses) == 0 {
		logging.FromContext(ctx).WithField("userId", userID).Debug("Recipient has no preference data")
		return map[string]string{}, nil
	}

	prefs := make(map[string]string, len(responses))
	for i, resp := range responses {
		key := resp.QuestionKey
		if key == "" {
			key = "answer_" + strconv.Itoa(i)
		}
		prefs[key] = resp.Answer
	}

	return prefs, nil
}
