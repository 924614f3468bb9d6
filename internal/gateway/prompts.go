package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/promptforge/promptforge/internal/task"
)

const architectTemplate = `You are a prompt architect (revision %d). Write a complete system prompt
for an AI agent that satisfies the requirements below. Output only the prompt
text, with no commentary.

Previous evaluator feedback:
%s

Requirements:
%s`

const evaluatorTemplate = `You are a strict prompt evaluator. Assess how well the candidate system
prompt satisfies the requirements. Respond in exactly this format:

SCORE: <integer 0-100>
FEEDBACK:
- <category>: <score 0-20> - <comment>
SUGGESTIONS:
- <improvement suggestion>

Requirements:
%s

Candidate prompt:
%s`

// buildGenerateMessages renders the architect prompt. The revision counter and
// the flattened feedback history give the model the full refinement context.
func buildGenerateMessages(requirements string, history []task.Feedback) []message {
	feedback := "No previous feedback available."
	if len(history) > 0 {
		feedback = formatFeedback(history[len(history)-1])
	}

	return []message{
		{Role: "system", Content: fmt.Sprintf(architectTemplate, len(history)+1, feedback, requirements)},
	}
}

func buildScoreMessages(prompt, requirements string) []message {
	return []message{
		{Role: "system", Content: fmt.Sprintf(evaluatorTemplate, requirements, prompt)},
		{Role: "user", Content: "Please evaluate this system prompt and provide your score and feedback."},
	}
}

func formatFeedback(fb task.Feedback) string {
	var b strings.Builder
	for category, cf := range fb.Categories {
		fmt.Fprintf(&b, "- %s: %s (score %g)\n", category, cf.Comment, cf.Score)
	}
	if len(fb.Suggestions) > 0 {
		b.WriteString("Suggestions for improvement:\n")
		for _, s := range fb.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if b.Len() == 0 {
		return fb.Raw
	}
	return b.String()
}

// parseEvaluation extracts the score and structured critique from the
// evaluator's SCORE:/FEEDBACK:/SUGGESTIONS: line format. The parse is
// lenient: malformed lines are skipped and the raw text is always preserved.
// The score is clamped into [0,100].
func parseEvaluation(text string) (float64, task.Feedback) {
	fb := task.Feedback{
		Categories: make(map[string]task.CategoryFeedback),
		Raw:        text,
	}

	var score float64
	section := ""

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SCORE:"):
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "SCORE:")), 64); err == nil {
				score = v
			}
		case strings.HasPrefix(line, "FEEDBACK:"):
			section = "feedback"
		case strings.HasPrefix(line, "SUGGESTIONS:"):
			section = "suggestions"
		case strings.HasPrefix(line, "-"):
			item := strings.TrimSpace(strings.TrimPrefix(line, "-"))
			switch section {
			case "feedback":
				if category, cf, ok := parseCategory(item); ok {
					fb.Categories[category] = cf
				}
			case "suggestions":
				if item != "" {
					fb.Suggestions = append(fb.Suggestions, item)
				}
			}
		}
	}

	return clampScore(score), fb
}

// parseCategory splits "<category>: <score> - <comment>" lines.
func parseCategory(item string) (string, task.CategoryFeedback, bool) {
	name, rest, found := strings.Cut(item, ":")
	if !found {
		return "", task.CategoryFeedback{}, false
	}

	cf := task.CategoryFeedback{}
	scorePart, comment, found := strings.Cut(rest, "-")
	if found {
		cf.Comment = strings.TrimSpace(comment)
		if v, err := strconv.ParseFloat(strings.TrimSpace(scorePart), 64); err == nil {
			cf.Score = v
		}
	} else {
		cf.Comment = strings.TrimSpace(rest)
	}

	return strings.TrimSpace(name), cf, true
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
