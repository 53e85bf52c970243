package vibe

// PersonReport is one participant's card, extracted from the generated text.
// Matched records which fields were actually found versus filled from
// defaults, so callers can detect model output drift.
type PersonReport struct {
	Name                string          `json:"name"`
	IsCurrentUser       bool            `json:"is_current_user"`
	VibeScore           float64         `json:"vibe_score"`
	VibeDescriptor      string          `json:"vibe_descriptor"`
	Reciprocity         float64         `json:"reciprocity"`
	ReciprocityCategory string          `json:"reciprocity_category"`
	EnergyRole          string          `json:"energy_role"`
	Presence            float64         `json:"presence"`
	PresenceCategory    string          `json:"presence_category"`
	PresenceStyle       string          `json:"presence_style"`
	Narrative           string          `json:"narrative"`
	OneLiner            string          `json:"one_liner,omitempty"`
	Matched             map[string]bool `json:"matched"`
}

type GroupReport struct {
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// Report is the full parsed result for one analysis.
type Report struct {
	People       []PersonReport `json:"people"`
	Group        GroupReport    `json:"group"`
	GroupMatched bool           `json:"group_matched"`
}

// Field labels used in PersonReport.Matched.
const (
	FieldVibe        = "vibe"
	FieldReciprocity = "reciprocity"
	FieldPresence    = "presence"
	FieldNarrative   = "narrative"
	FieldOneLiner    = "one_liner"
)

// Defaults applied when a pattern does not match.
const (
	DefaultScore          = 5.0
	DefaultGroupScore     = 5.5
	DefaultGroupSummary   = "A mix of energies and dynamics"
	DefaultVibeDescriptor = "Unique communicator"
	DefaultEnergyRole     = "Balanced"
	DefaultPresenceStyle  = "Consistent"
	DefaultOneLiner       = "Engaged participant"
)

// ReciprocityCategoryFor maps a reciprocity/energy score to its bucket.
// The 2.5 boundary belongs to Taker, not Extreme Taker.
func ReciprocityCategoryFor(score float64) string {
	switch {
	case score < 2.5:
		return "Extreme Taker"
	case score <= 5:
		return "Taker"
	case score <= 7.5:
		return "Giver"
	default:
		return "Extreme Giver"
	}
}

// PresenceCategoryFor maps a presence score to its bucket: 8.0 is Mostly Present.
func PresenceCategoryFor(score float64) string {
	switch {
	case score <= 2:
		return "Never Around"
	case score <= 5:
		return "Sometimes Around"
	case score <= 8:
		return "Mostly Present"
	default:
		return "Always Present"
	}
}

// clampScore forces a parsed value into the 1..10 range.
func clampScore(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
