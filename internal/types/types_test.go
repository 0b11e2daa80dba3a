package types

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopics(t *testing.T) {
	tests := []struct {
		name     string
		topics   []Topic
		wantCode string
	}{
		{"single topic", []Topic{TopicChores}, ""},
		{"three topics", []Topic{TopicMoney, TopicNoise, TopicOther}, ""},
		{"no topics", []Topic{}, "INVALID_TOPICS"},
		{"four topics", []Topic{TopicChores, TopicMoney, TopicNoise, TopicOther}, "INVALID_TOPICS"},
		{"unknown topic", []Topic{Topic("weather")}, "INVALID_TOPICS"},
		{"duplicate topic", []Topic{TopicChores, TopicChores}, "INVALID_TOPICS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopics(tt.topics)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var svcErr *ServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, tt.wantCode, svcErr.Code)
		})
	}
}

func TestValidateOriginalText(t *testing.T) {
	assert.NoError(t, ValidateOriginalText("the dishes are piling up again"))
	assert.NoError(t, ValidateOriginalText(strings.Repeat("a", MaxOriginalTextLen)))

	assert.Error(t, ValidateOriginalText(""))
	assert.Error(t, ValidateOriginalText("   "))
	assert.Error(t, ValidateOriginalText(strings.Repeat("a", MaxOriginalTextLen+1)))

	// The cap counts characters, not bytes.
	assert.NoError(t, ValidateOriginalText(strings.Repeat("ñ", MaxOriginalTextLen)))
}

func TestPrimaryLanguage(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"es-MX", "es"},
		{"pt_BR", "pt"},
		{"en", "en"},
		{"EN-US", "en"},
		{" fr-CA ", "fr"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PrimaryLanguage(tt.locale), "locale %q", tt.locale)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, TriggerQueued.Terminal())
	assert.False(t, TriggerProcessing.Terminal())
	assert.True(t, TriggerCompleted.Terminal())
	assert.True(t, TriggerFailed.Terminal())
	assert.True(t, TriggerCanceled.Terminal())

	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobProcessing.Terminal())
	assert.False(t, JobBatchSubmitted.Terminal())
	assert.True(t, JobCompleted.Terminal())

	assert.False(t, RequestProcessing.Terminal())
	assert.True(t, RequestFailed.Terminal())

	assert.False(t, BatchRunning.Terminal())
	assert.True(t, BatchExpired.Terminal())
}

func TestClampBackoffBounds(t *testing.T) {
	assert.Equal(t, MinJobBackoff, ClampBackoff(0))
	assert.Equal(t, MinJobBackoff, ClampBackoff(-time.Hour))
	assert.Equal(t, MaxJobBackoff, ClampBackoff(24*time.Hour))
	assert.Equal(t, 5*time.Minute, ClampBackoff(5*time.Minute))

	assert.Equal(t, MinTriggerRetry, ClampTriggerRetry(time.Second))
	assert.Equal(t, time.Minute, ClampTriggerRetry(time.Minute))
}

func TestClampBackoffProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("clamped backoff is always within bounds", prop.ForAll(
		func(seconds int64) bool {
			clamped := ClampBackoff(time.Duration(seconds) * time.Second)
			return clamped >= MinJobBackoff && clamped <= MaxJobBackoff
		},
		gen.Int64Range(-1_000_000, 10_000_000),
	))

	properties.Property("in-range backoff is unchanged", prop.ForAll(
		func(seconds int64) bool {
			d := time.Duration(seconds) * time.Second
			return ClampBackoff(d) == d
		},
		gen.Int64Range(int64(MinJobBackoff/time.Second), int64(MaxJobBackoff/time.Second)),
	))

	properties.Property("trigger retry never drops below the floor", prop.ForAll(
		func(seconds int64) bool {
			return ClampTriggerRetry(time.Duration(seconds)*time.Second) >= MinTriggerRetry
		},
		gen.Int64Range(-1_000_000, 10_000_000),
	))

	properties.TestingRun(t)
}

func TestTopicValid(t *testing.T) {
	for _, topic := range AllTopics {
		assert.True(t, topic.Valid(), "topic %s", topic)
	}
	assert.False(t, Topic("gardening").Valid())
	assert.Len(t, AllTopics, 7)
}
