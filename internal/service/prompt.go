package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// renderSystemPrompt builds the instruction block for one job. The model is
// told to answer with a bare JSON document so the collector can parse it
// without a second pass.
func renderSystemPrompt(job *models.ClaimedJob) string {
	var b strings.Builder

	b.WriteString("You rewrite a housemate's complaint so the recipient can hear it without feeling attacked.\n")
	fmt.Fprintf(&b, "Prompt profile: %s.\n", job.PromptRef)
	fmt.Fprintf(&b, "Rewrite strength: %s.\n", job.Strength)
	fmt.Fprintf(&b, "Topics: %s.\n", joinTopics(job.Topics))

	if job.Lane == types.LaneCrossLanguage {
		fmt.Fprintf(&b, "Translate from %s into %s while rewriting.\n", job.SourceLocale, job.TargetLocale)
	} else {
		fmt.Fprintf(&b, "Keep the message in %s.\n", job.TargetLocale)
	}

	if len(job.Preferences) > 0 {
		b.WriteString("The recipient prefers:\n")
		keys := make([]string, 0, len(job.Preferences))
		for k := range job.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, job.Preferences[k])
		}
	}

	lang := types.PrimaryLanguage(job.TargetLocale)
	fmt.Fprintf(&b, `Respond with only a JSON object: {"rewritten_text": string, "output_language": %q, "evaluation": object}.`, lang)

	return b.String()
}

func joinTopics(topics []types.Topic) string {
	parts := make([]string, len(topics))
	for i, t := range topics {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
