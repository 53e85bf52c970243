package vibe

import (
	"regexp"
	"strconv"
	"strings"
)

// The parser turns free-form generated prose into structured cards. Every
// field has a deterministic default, so Parse never fails on malformed input;
// it only clamps numbers and records what it could not find.
//
// Two report shapes exist: the current one (🧩 **Name** sections with bolded
// "Reciprocity Style" / "Social Presence" lines) and the legacy one
// (### 🧩/🍀 headers with "Your Energy" / "Your Presence" / "Your Vibe"
// lines). Parse detects the shape and applies the matching rule set.

const (
	maxNameLen       = 50
	maxDescriptorLen = 120
	maxNarrativeLen  = 500
	maxOneLinerLen   = 150
)

var (
	reSectionName = regexp.MustCompile(`🧩\s+\*\*([^*]+)\*\*`)

	reVibeModern = regexp.MustCompile(`(?i)🪶\s+Social Vibe[:\s]*([0-9.]+)\s*/\s*10\s*[—–-]\s*\[([^\]]+)\]`)
	reVibeLoose  = regexp.MustCompile(`(?i)Social Vibe[:\s]*\*{0,2}([0-9.]+)\s*/\s*10\*{0,2}\s*[—–-]?\s*([^\n]+)`)

	reReciprocity = regexp.MustCompile(`(?i)\*\*(?:Your\s+)?Reciprocity Style:\*\*\s*([0-9.]+)\s*/\s*10`)
	rePresence    = regexp.MustCompile(`(?i)\*\*(?:Your\s+)?Social Presence:\*\*\s*([0-9.]+)\s*/\s*10`)

	reGroupModern = regexp.MustCompile(`(?i)🌐\s+Group Social Vibe\s*\n\s*Score[:\s]*([0-9.]+)\s*/\s*10\s*[—–-]\s*([^\n]+)`)

	reLegacyHeader   = regexp.MustCompile(`###\s*[🧩🍀]`)
	reLegacyName     = regexp.MustCompile(`###\s*[🧩🍀]\s+(?:You\s*\(([^)]+)\)|([A-Za-z][A-Za-z\s]*?))\s*(?:\n|$)`)
	reLegacyNameBare = regexp.MustCompile(`[🧩🍀]\s+([A-Za-z][A-Za-z\s]*?)\s*(?:\n|:|$)`)
	reEnergyLegacy   = regexp.MustCompile(`(?i)(?:Your\s+)?Energy[:\s]*([0-9.]+)\s*/\s*10\s*\(([^)]+)\)`)
	rePresenceLegacy = regexp.MustCompile(`(?i)(?:Your\s+)?Presence[:\s]*([0-9.]+)\s*/\s*10\s*\(([^)]+)\)`)
	reGroupLegacy    = regexp.MustCompile(`Group Score:\s*\*{0,2}([0-9.]+)\s*/\s*10`)
	reGroupLegacySum = regexp.MustCompile(`Group Score:[^\n]*\n\*{0,2}\s*([^\n*]+)`)

	reBoldLead = regexp.MustCompile(`^\*\*[^*]*\*\*\s*[-:]?\s*`)
	reQuoted   = regexp.MustCompile(`["“”]([^"“”]+)["“”]`)
	reSentence = regexp.MustCompile(`[^.!?\n]+[.!?]`)
	reMarkup   = regexp.MustCompile(`[*_]`)
)

// Parse extracts per-person cards and the group summary from finalText.
// It is a pure function: the same input always yields the same Report.
func Parse(finalText, displayName string) Report {
	if reLegacyHeader.MatchString(finalText) {
		return parseLegacy(finalText, displayName)
	}
	return parseModern(finalText)
}

func parseModern(text string) Report {
	r := Report{Group: GroupReport{Score: DefaultGroupScore, Summary: DefaultGroupSummary}}

	if m := reGroupModern.FindStringSubmatch(text); m != nil {
		if score, ok := parseScore(m[1]); ok {
			r.Group = GroupReport{Score: score, Summary: strings.TrimSpace(m[2])}
			r.GroupMatched = true
		}
	}

	for _, frag := range modernFragments(text) {
		if p, ok := parseModernPerson(frag); ok {
			r.People = append(r.People, p)
		}
	}
	return r
}

// modernFragments slices the buffer into per-person sections: each starts at
// a 🧩 marker and ends at the next 🧩, the 🌐 group header, or a ## heading.
func modernFragments(text string) []string {
	starts := reSectionName.FindAllStringIndex(text, -1)
	frags := make([]string, 0, len(starts))
	for i, loc := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		frag := text[loc[0]:end]
		if j := strings.Index(frag, "🌐"); j >= 0 {
			frag = frag[:j]
		}
		if j := strings.Index(frag, "##"); j >= 0 {
			frag = frag[:j]
		}
		frags = append(frags, frag)
	}
	return frags
}

func parseModernPerson(frag string) (PersonReport, bool) {
	m := reSectionName.FindStringSubmatch(frag)
	if m == nil {
		return PersonReport{}, false
	}
	name := strings.TrimSpace(m[1])
	if name == "" || len([]rune(name)) > maxNameLen {
		return PersonReport{}, false
	}

	p := PersonReport{
		Name:           name,
		IsCurrentUser:  strings.Contains(frag, "**Your Reciprocity Style:**"),
		VibeScore:      DefaultScore,
		VibeDescriptor: DefaultVibeDescriptor,
		Reciprocity:    DefaultScore,
		EnergyRole:     DefaultEnergyRole,
		Presence:       DefaultScore,
		PresenceStyle:  DefaultPresenceStyle,
		Matched:        map[string]bool{},
	}

	if vm := reVibeModern.FindStringSubmatch(frag); vm != nil {
		if score, ok := parseScore(vm[1]); ok {
			p.VibeScore = score
			p.VibeDescriptor = cleanDescriptor(vm[2])
			p.Matched[FieldVibe] = true
		}
	}
	if rm := reReciprocity.FindStringSubmatch(frag); rm != nil {
		if score, ok := parseScore(rm[1]); ok {
			p.Reciprocity = score
			p.Matched[FieldReciprocity] = true
		}
	}
	if pm := rePresence.FindStringSubmatch(frag); pm != nil {
		if score, ok := parseScore(pm[1]); ok {
			p.Presence = score
			p.Matched[FieldPresence] = true
		}
	}

	if n := extractBetween(frag, []string{"**Your Communication Pattern:**", "**Communication Pattern:**"}, []string{"\n**", "\n---"}); n != "" {
		p.Narrative = truncateRunes(firstParagraph(stripBoldLead(n)), maxNarrativeLen)
		p.Matched[FieldNarrative] = p.Narrative != ""
	}

	p.ReciprocityCategory = ReciprocityCategoryFor(p.Reciprocity)
	p.PresenceCategory = PresenceCategoryFor(p.Presence)
	return p, true
}

func parseLegacy(text, displayName string) Report {
	r := Report{Group: GroupReport{Score: DefaultGroupScore, Summary: DefaultGroupSummary}}

	if m := reGroupLegacy.FindStringSubmatch(text); m != nil {
		if score, ok := parseScore(m[1]); ok {
			r.Group.Score = score
			r.GroupMatched = true
			if sm := reGroupLegacySum.FindStringSubmatch(text); sm != nil {
				r.Group.Summary = strings.TrimSpace(sm[1])
			}
		}
	}

	for _, frag := range legacyFragments(text) {
		if p, ok := parseLegacyPerson(frag, displayName); ok {
			r.People = append(r.People, p)
		}
	}
	return r
}

func legacyFragments(text string) []string {
	starts := reLegacyHeader.FindAllStringIndex(text, -1)
	frags := make([]string, 0, len(starts))
	for i, loc := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		frags = append(frags, text[loc[0]:end])
	}
	return frags
}

func parseLegacyPerson(frag, displayName string) (PersonReport, bool) {
	var name string
	if m := reLegacyName.FindStringSubmatch(frag); m != nil {
		if m[1] != "" {
			name = m[1]
		} else {
			name = m[2]
		}
	} else if m := reLegacyNameBare.FindStringSubmatch(frag); m != nil {
		name = m[1]
	}
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxNameLen || strings.Contains(strings.ToLower(name), "group") {
		return PersonReport{}, false
	}

	isCurrent := strings.Contains(frag, "🧩") ||
		strings.Contains(strings.ToLower(frag), "you (") ||
		(displayName != "" && strings.Contains(frag, "("+displayName+")"))

	p := PersonReport{
		Name:           name,
		IsCurrentUser:  isCurrent,
		VibeScore:      DefaultScore,
		VibeDescriptor: DefaultVibeDescriptor,
		Reciprocity:    DefaultScore,
		EnergyRole:     DefaultEnergyRole,
		Presence:       DefaultScore,
		PresenceStyle:  DefaultPresenceStyle,
		Narrative:      "Shows balanced engagement patterns.",
		OneLiner:       DefaultOneLiner,
		Matched:        map[string]bool{},
	}

	if vm := reVibeLoose.FindStringSubmatch(frag); vm != nil {
		if score, ok := parseScore(vm[1]); ok {
			p.VibeScore = score
			p.VibeDescriptor = cleanDescriptor(vm[2])
			p.Matched[FieldVibe] = true
		}
	}
	if em := reEnergyLegacy.FindStringSubmatch(frag); em != nil {
		if score, ok := parseScore(em[1]); ok {
			p.Reciprocity = score
			p.EnergyRole = strings.TrimSpace(em[2])
			p.Matched[FieldReciprocity] = true
		}
	}
	if pm := rePresenceLegacy.FindStringSubmatch(frag); pm != nil {
		if score, ok := parseScore(pm[1]); ok {
			p.Presence = score
			p.PresenceStyle = strings.TrimSpace(pm[2])
			p.Matched[FieldPresence] = true
		}
	}

	if n := extractBetween(frag, []string{"Your Balance:"}, []string{"Your Vibe:"}); n != "" {
		p.Narrative = truncateRunes(firstParagraph(stripBoldLead(n)), maxNarrativeLen)
		p.Matched[FieldNarrative] = true
	}

	if idx := strings.Index(frag, "Your Vibe:"); idx >= 0 {
		rest := frag[idx+len("Your Vibe:"):]
		if one := extractOneLiner(rest); one != "" {
			p.OneLiner = truncateRunes(one, maxOneLinerLen)
			p.Matched[FieldOneLiner] = true
		}
	}

	p.ReciprocityCategory = ReciprocityCategoryFor(p.Reciprocity)
	p.PresenceCategory = PresenceCategoryFor(p.Presence)
	return p, true
}

// extractOneLiner prefers a quoted phrase, then falls back to the first
// sentence-terminated clause.
func extractOneLiner(text string) string {
	if m := reQuoted.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := reSentence.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

// extractBetween returns the trimmed substring after the first label found
// and before the earliest of the stop markers (or end of fragment).
func extractBetween(frag string, labels, stops []string) string {
	start := -1
	for _, label := range labels {
		if i := strings.Index(frag, label); i >= 0 {
			start = i + len(label)
			break
		}
	}
	if start < 0 {
		return ""
	}
	rest := frag[start:]
	end := len(rest)
	for _, stop := range stops {
		if i := strings.Index(rest, stop); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(rest[:end])
}

// stripBoldLead removes a leading **bolded** lead-in fragment, if present.
func stripBoldLead(s string) string {
	return strings.TrimSpace(reBoldLead.ReplaceAllString(s, ""))
}

// firstParagraph keeps the first blank-line-delimited paragraph, or the first
// line when the text has no paragraph break.
func firstParagraph(s string) string {
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func cleanDescriptor(s string) string {
	s = reMarkup.ReplaceAllString(s, "")
	return truncateRunes(strings.TrimSpace(s), maxDescriptorLen)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// parseScore parses and clamps a score capture into [1, 10].
func parseScore(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "."), 64)
	if err != nil {
		return 0, false
	}
	return clampScore(v), true
}
