package service

import (
	"context"
	"strings"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// ClassifierDecision is everything the classifier decides about one flagged
// message before a request is created.
type ClassifierDecision struct {
	Lane          types.Lane
	Topics        []types.Topic
	Intent        string
	Strength      types.Strength
	SourceLocale  string
	TargetLocale  string
	ClassifierRef string
	ContextRef    string
	PromptRef     string
}

// Classifier decides lane, topics, and rewrite strength for a flagged
// message.
type Classifier interface {
	Classify(ctx context.Context, body, authorLocale, recipientLocale string) (*ClassifierDecision, error)
}

const (
	classifierVersion    = "heuristic-v1"
	defaultPromptVersion = "rewrite-v1"
)

// keywordTopics maps trigger words to topics. First match wins per topic;
// a message matching nothing falls back to TopicOther.
var keywordTopics = map[types.Topic][]string{
	types.TopicChores:        {"chore", "dishes", "laundry", "trash", "garbage", "cooking"},
	types.TopicMoney:         {"money", "rent", "bill", "expense", "pay", "owe"},
	types.TopicTidiness:      {"mess", "messy", "clean", "tidy", "clutter"},
	types.TopicNoise:         {"noise", "loud", "quiet", "music", "volume"},
	types.TopicSchedule:      {"late", "schedule", "time", "early", "calendar"},
	types.TopicCommunication: {"ignore", "listen", "talk", "text", "reply", "answer"},
}

// HeuristicClassifier is the built-in keyword classifier used until a model
// backed one is wired in. Lane comes from the locale pair, strength from
// message tone markers.
type HeuristicClassifier struct {
	promptVersion string
}

// NewHeuristicClassifier creates a new heuristic classifier
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{promptVersion: defaultPromptVersion}
}

// Classify derives a decision from the message body and the locale pair.
func (c *HeuristicClassifier) Classify(ctx context.Context, body, authorLocale, recipientLocale string) (*ClassifierDecision, error) {
	lowered := strings.ToLower(body)

	var topics []types.Topic
	for _, topic := range types.AllTopics {
		for _, keyword := range keywordTopics[topic] {
			if strings.Contains(lowered, keyword) {
				topics = append(topics, topic)
				break
			}
		}
		if len(topics) == 3 {
			break
		}
	}
	if len(topics) == 0 {
		topics = []types.Topic{types.TopicOther}
	}

	lane := types.LaneSameLanguage
	if types.PrimaryLanguage(authorLocale) != types.PrimaryLanguage(recipientLocale) {
		lane = types.LaneCrossLanguage
	}

	return &ClassifierDecision{
		Lane:          lane,
		Topics:        topics,
		Intent:        "complaint",
		Strength:      strengthFromTone(lowered),
		SourceLocale:  authorLocale,
		TargetLocale:  recipientLocale,
		ClassifierRef: classifierVersion,
		ContextRef:    "none",
		PromptRef:     c.promptVersion,
	}, nil
}

// strengthFromTone picks rewrite strength from tone markers: shouting or
// profanity-adjacent phrasing gets a strong rewrite, hedged phrasing a light
// one, everything else medium.
func strengthFromTone(lowered string) types.Strength {
	strong := []string{"always", "never", "hate", "sick of", "fed up", "!!!"}
	for _, marker := range strong {
		if strings.Contains(lowered, marker) {
			return types.StrengthStrong
		}
	}

	light := []string{"maybe", "could you", "would you mind", "please"}
	for _, marker := range light {
		if strings.Contains(lowered, marker) {
			return types.StrengthLight
		}
	}

	return types.StrengthMedium
}
