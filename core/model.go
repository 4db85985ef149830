package core

import (
	"fmt"
	"time"
)

// AgeRange enumerates the supported demographic brackets for a brief.
type AgeRange string

const (
	Age18To24 AgeRange = "18-24"
	Age25To34 AgeRange = "25-34"
	Age35To44 AgeRange = "35-44"
	Age45To54 AgeRange = "45-54"
	Age55Plus AgeRange = "55+"
)

func (a AgeRange) valid() bool {
	switch a {
	case Age18To24, Age25To34, Age35To44, Age45To54, Age55Plus:
		return true
	}
	return false
}

// Brief is the caller's input to persona generation. Briefs are immutable
// once validated; the orchestrator never mutates one.
type Brief struct {
	Description string   `json:"description"`
	Interests   []string `json:"interests"`
	Values      []string `json:"values"`
	AgeRange    AgeRange `json:"age_range"`
	Location    string   `json:"location,omitempty"`
	Count       int      `json:"count,omitempty"`
}

// Brief constraints
const (
	BriefMinDescription = 10
	BriefMaxDescription = 1000
	BriefMaxInterests   = 15
	BriefMaxValues      = 10
	BriefMaxCount       = 3
)

// Validate checks the brief against its constraints. Violations surface as
// KindInvalidInput and are never retried.
func (b *Brief) Validate() error {
	if n := len(b.Description); n < BriefMinDescription || n > BriefMaxDescription {
		return NewError(KindInvalidInput, "brief.Validate",
			fmt.Errorf("description must be %d-%d characters, got %d", BriefMinDescription, BriefMaxDescription, n))
	}
	if n := len(b.Interests); n < 1 || n > BriefMaxInterests {
		return NewError(KindInvalidInput, "brief.Validate",
			fmt.Errorf("interests must contain 1-%d entries, got %d", BriefMaxInterests, n))
	}
	if n := len(b.Values); n < 1 || n > BriefMaxValues {
		return NewError(KindInvalidInput, "brief.Validate",
			fmt.Errorf("values must contain 1-%d entries, got %d", BriefMaxValues, n))
	}
	if !b.AgeRange.valid() {
		return NewError(KindInvalidInput, "brief.Validate",
			fmt.Errorf("unrecognized age range %q", b.AgeRange))
	}
	if b.Count < 0 || b.Count > BriefMaxCount {
		return NewError(KindInvalidInput, "brief.Validate",
			fmt.Errorf("count must be 1-%d, got %d", BriefMaxCount, b.Count))
	}
	return nil
}

// EffectiveCount returns the number of personas to generate (default 1).
func (b *Brief) EffectiveCount() int {
	if b.Count <= 0 {
		return 1
	}
	return b.Count
}

// Entity is one recommendation from the cultural provider.
type Entity struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// CulturalInsights holds per-category ordered entity sequences. Categories
// are disjoint. Confidence is monotone non-increasing within a category
// unless the category was filled by a fallback.
type CulturalInsights struct {
	Categories map[string][]Entity `json:"categories"`
	// Fallback marks categories whose upstream fetch failed or returned
	// nothing; their entities carry confidence <= 0.5.
	Fallback map[string]bool `json:"fallback,omitempty"`
}

// NewCulturalInsights creates an empty insight set
func NewCulturalInsights() *CulturalInsights {
	return &CulturalInsights{
		Categories: make(map[string][]Entity),
		Fallback:   make(map[string]bool),
	}
}

// Demographics describes the persona's demographic profile
type Demographics struct {
	Age        int    `json:"age"`
	Gender     string `json:"gender,omitempty"`
	Location   string `json:"location"`
	Occupation string `json:"occupation"`
	Income     string `json:"income_bracket,omitempty"`
	Education  string `json:"education,omitempty"`
}

// Psychographics describes values, motivations, and lifestyle
type Psychographics struct {
	Values      []string `json:"values"`
	Motivations []string `json:"motivations"`
	Lifestyle   string   `json:"lifestyle"`
	PainPoints  []string `json:"pain_points,omitempty"`
}

// Communication describes preferred channels and tone
type Communication struct {
	Channels []string `json:"channels"`
	Tone     string   `json:"tone"`
	Cadence  string   `json:"cadence,omitempty"`
}

// Marketing describes how to reach the persona
type Marketing struct {
	Messages   []string `json:"key_messages"`
	Triggers   []string `json:"buying_triggers,omitempty"`
	Objections []string `json:"objections,omitempty"`
}

// PersonaDraft is the structured output of the LLM step, validated before
// being handed to callers.
type PersonaDraft struct {
	Name           string         `json:"name"`
	Summary        string         `json:"summary"`
	Demographics   Demographics   `json:"demographics"`
	Psychographics Psychographics `json:"psychographics"`
	Communication  Communication  `json:"communication"`
	Marketing      Marketing      `json:"marketing"`
	Confidence     float64        `json:"confidence"`
}

// GenerationMetadata records how a persona was produced.
type GenerationMetadata struct {
	TasteLatency  time.Duration `json:"taste_latency"`
	LLMLatency    time.Duration `json:"llm_latency"`
	TotalLatency  time.Duration `json:"total_latency"`
	SourcesUsed   []string      `json:"sources_used"`
	FallbacksUsed []string      `json:"fallbacks_used,omitempty"`
	Confidence    float64       `json:"confidence"`
	AttemptsLLM   int           `json:"llm_attempts"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// PersonaResult is the final merged output returned to callers.
type PersonaResult struct {
	Draft    *PersonaDraft       `json:"persona"`
	Insights *CulturalInsights   `json:"insights"`
	Metadata *GenerationMetadata `json:"metadata"`
}
