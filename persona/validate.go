package persona

import (
	"fmt"
	"strings"

	"github.com/personaforge/personaforge/core"
)

// ageBounds maps a brief age range to inclusive bounds. The upper bound for
// the open-ended bracket is a generous cap rather than a real limit.
func ageBounds(r core.AgeRange) (int, int) {
	switch r {
	case core.Age18To24:
		return 18, 24
	case core.Age25To34:
		return 25, 34
	case core.Age35To44:
		return 35, 44
	case core.Age45To54:
		return 45, 54
	case core.Age55Plus:
		return 55, 120
	default:
		return 0, 0
	}
}

// ValidateDraft scores a generated draft for structural completeness and
// brief consistency. A score below threshold fails with
// KindValidationFailed; the error hint names the failed checks so a
// corrective retry can target them.
func ValidateDraft(draft *core.PersonaDraft, brief *core.Brief, threshold float64) error {
	type check struct {
		name string
		ok   bool
	}

	lo, hi := ageBounds(brief.AgeRange)
	checks := []check{
		{"name", draft.Name != ""},
		{"summary", len(draft.Summary) >= 20},
		{"age_in_range", draft.Demographics.Age >= lo && draft.Demographics.Age <= hi},
		{"location", draft.Demographics.Location != ""},
		{"occupation", draft.Demographics.Occupation != ""},
		{"values", len(draft.Psychographics.Values) > 0},
		{"motivations", len(draft.Psychographics.Motivations) > 0},
		{"lifestyle", draft.Psychographics.Lifestyle != ""},
		{"channels", len(draft.Communication.Channels) > 0},
		{"tone", draft.Communication.Tone != ""},
		{"key_messages", len(draft.Marketing.Messages) > 0},
		{"confidence_bounded", draft.Confidence >= 0 && draft.Confidence <= 1},
	}

	var failed []string
	passed := 0
	for _, c := range checks {
		if c.ok {
			passed++
		} else {
			failed = append(failed, c.name)
		}
	}

	score := float64(passed) / float64(len(checks))
	if score >= threshold {
		return nil
	}

	err := core.NewError(core.KindValidationFailed, "persona.ValidateDraft",
		fmt.Errorf("draft scored %.2f, below threshold %.2f", score, threshold))
	err.Hint = "failed checks: " + strings.Join(failed, ", ")
	return err
}
