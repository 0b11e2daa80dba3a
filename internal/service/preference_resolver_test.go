package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
)

func TestPreferenceResolverUsesReport(t *testing.T) {
	directory := newFakeDirectory()
	directory.reports["bob"] = &models.PreferenceReport{
		UserID:      "bob",
		Preferences: map[string]string{"tone": "gentle", "directness": "low"},
	}
	directory.answers["bob"] = []*models.PreferenceResponse{
		{UserID: "bob", QuestionKey: "ignored", Answer: "the report wins"},
	}

	prefs, err := NewPreferenceResolver(directory).Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tone": "gentle", "directness": "low"}, prefs)
}

func TestPreferenceResolverFallsBackToResponses(t *testing.T) {
	directory := newFakeDirectory()
	directory.answers["bob"] = []*models.PreferenceResponse{
		{UserID: "bob", QuestionKey: "tone", Answer: "gentle"},
		{UserID: "bob", QuestionKey: "", Answer: "anonymous answer"},
	}

	prefs, err := NewPreferenceResolver(directory).Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "gentle", prefs["tone"])
	assert.Equal(t, "anonymous answer", prefs["answer_1"])
}

func TestPreferenceResolverEmptyIsNotAnError(t *testing.T) {
	directory := newFakeDirectory()

	prefs, err := NewPreferenceResolver(directory).Resolve(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Empty(t, prefs)
	assert.NotNil(t, prefs, "missing preferences resolve to an empty map")
}

func TestPreferenceResolverPropagatesRealErrors(t *testing.T) {
	// Only not-found is absorbed; other failures must surface.
	_, err := NewPreferenceResolver(&failingPreferenceSource{}).Resolve(context.Background(), "bob")
	require.Error(t, err)
}

type failingPreferenceSource struct{}

func (failingPreferenceSource) GetPreferenceReport(ctx context.Context, userID string) (*models.PreferenceReport, error) {
	return nil, apperrors.NewDatabaseError("preference report", context.DeadlineExceeded)
}

func (failingPreferenceSource) ListPreferenceResponses(ctx context.Context, userID string) ([]*models.PreferenceResponse, error) {
	return nil, apperrors.NewDatabaseError("preference responses", context.DeadlineExceeded)
}
