package persona

import (
	"fmt"
	"sort"
	"strings"

	"github.com/personaforge/personaforge/core"
	"github.com/personaforge/personaforge/llm"
)

const systemPrompt = `You are a marketing persona generator. Given an audience brief and
cultural affinity signals, produce exactly one persona as a single JSON object with this shape:

{
  "name": "full name",
  "summary": "2-3 sentence narrative",
  "demographics": {"age": 0, "gender": "", "location": "", "occupation": "", "income_bracket": "", "education": ""},
  "psychographics": {"values": [], "motivations": [], "lifestyle": "", "pain_points": []},
  "communication": {"channels": [], "tone": "", "cadence": ""},
  "marketing": {"key_messages": [], "buying_triggers": [], "objections": []},
  "confidence": 0.0
}

The age must fall inside the brief's age range. Ground preferences in the provided cultural
signals; do not invent brands or artists that contradict them. Respond with JSON only.`

// BuildPrompt assembles the completion request for one persona. A non-empty
// correction is appended when a previous attempt produced unusable output.
func BuildPrompt(brief *core.Brief, insights *core.CulturalInsights, correction string) llm.CompletionRequest {
	var b strings.Builder

	fmt.Fprintf(&b, "Audience brief:\n")
	fmt.Fprintf(&b, "- Description: %s\n", brief.Description)
	fmt.Fprintf(&b, "- Interests: %s\n", strings.Join(brief.Interests, ", "))
	fmt.Fprintf(&b, "- Values: %s\n", strings.Join(brief.Values, ", "))
	fmt.Fprintf(&b, "- Age range: %s\n", brief.AgeRange)
	if brief.Location != "" {
		fmt.Fprintf(&b, "- Location: %s\n", brief.Location)
	}

	b.WriteString("\nCultural affinity signals:\n")
	categories := make([]string, 0, len(insights.Categories))
	for cat := range insights.Categories {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		entities := insights.Categories[cat]
		names := make([]string, 0, len(entities))
		for _, e := range entities {
			names = append(names, e.Name)
		}
		marker := ""
		if insights.Fallback[cat] {
			marker = " (low confidence)"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", cat, marker, strings.Join(names, ", "))
	}

	if correction != "" {
		b.WriteString("\nCorrection from the previous attempt: ")
		b.WriteString(correction)
		b.WriteString("\n")
	}

	return llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   b.String(),
	}
}
