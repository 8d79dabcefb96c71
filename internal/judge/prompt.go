package judge

import (
	"strings"

	"github.com/danshapiro/voicetest/internal/transcript"
)

// resultSchema lists analysis first so the judge enumerates evidence before scoring.
var resultSchema = map[string]any{
	"type":     "object",
	"required": []any{"analysis", "score", "reasoning", "confidence"},
	"properties": map[string]any{
		"analysis": map[string]any{
			"type":        []any{"string", "array"},
			"description": "Requirement-by-requirement evidence, quoting numbered transcript turns.",
		},
		"score": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"reasoning": map[string]any{"type": "string"},
		"confidence": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
	},
}

const judgeInstructions = `You are a strict evaluator of voice agent conversations.

Break the criteria into individual requirements. For each requirement, state whether the transcript satisfies it and quote the turn numbers that prove it. Only after this analysis, assign a score equal to the fraction of requirements satisfied (0.0 to 1.0). Then summarise your reasoning and give your confidence (0.0 to 1.0).

Reply with a single JSON object with exactly these fields, in this order:
{"analysis": "...", "score": 0.0, "reasoning": "...", "confidence": 0.0}`

func judgePrompt(tr *transcript.Transcript, m Metric) string {
	var b strings.Builder
	b.WriteString("Metric: ")
	b.WriteString(m.Name)
	b.WriteString("\n\nCriteria:\n")
	b.WriteString(strings.TrimSpace(m.Criteria))
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(tr.Render())
	return b.String()
}
