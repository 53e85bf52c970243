package vibe

import "fmt"

// SyntheticTranscript is the canned demo chat used by the /synthetic route
// and the round-trip tests.
const SyntheticTranscript = `Alex: Hey team! Just finished the project presentation 🎉
Jordan: Nice! Let's celebrate this weekend
Casey: lol finally done with that
Alex: Super excited about how it turned out. Jordan, what did you think of the flow?
Jordan: honestly the story arc was perfect, I loved the pacing you set up
Alex: Thanks! I really tried to make it flow naturally. Casey thoughts?
Casey: looked fine
Alex: Would love your feedback too! What could we improve?
Jordan: I think we should emphasize the data section more. Super compelling stuff
Alex: Good call, noted. Casey?
Casey: idk its good enough
Alex: I appreciate that. Let me know if anything comes up!
Jordan: I'm thinking we should do a debrief? I can share my detailed notes
Alex: YES please! That would be so helpful for next project
Casey: not really necessary but ok
Jordan: I've been thinking about team dynamics and I'm impressed with the collab
Alex: Aww thanks Jordan, means a lot. Your attention to detail made the difference
Casey: yep good work everyone
Jordan: Alex, your leadership really shaped this whole thing positively
Alex: That's so kind of you to say. I learned a lot from your feedback process
Casey: same
Jordan: Think we should grab coffee and celebrate properly?
Alex: Absolutely! Would love that. Casey you in?
Casey: sure why not
Alex: Can't wait to decompress with you both!
Jordan: This whole experience reinforced how much I value working with you both
Alex: Same energy. You two made this genuinely fun
Casey: ok cool`

const promptTemplate = `You are a social-language psychologist analyzing group chat conversations.

CRITICAL RULE: You MUST give each person DIFFERENT scores. If you give the same Social Vibe score to multiple people, you have FAILED this task.

Generate a detailed Vibe Report for %[1]s using this EXACT format:

# ✨ Vibe Report

## %[1]s

🧩 **%[1]s**
🪶 Social Vibe: X.X / 10 — [warm, observational 2-3 word phrase]

**Your Reciprocity Style:** X.X / 10
**Your Social Presence:** X.X / 10
**Your Communication Pattern:** [1-2 sentences analyzing tone, empathy, engagement, reciprocity]

---

[For EACH other participant - exact same structure, but WITHOUT "Your" language]

🧩 **[Name]**
🪶 Social Vibe: X.X / 10 — [warm, observational 2-3 word phrase]

**Reciprocity Style:** X.X / 10
**Social Presence:** X.X / 10
**Communication Pattern:** [1-2 sentences analyzing tone, empathy, engagement, reciprocity]

---

## 🌐 Group Social Vibe
Score: X.X / 10 — [warm, observational single-line reflection about collective energy]

---

SCORING METHOD - FOLLOW THIS EXACTLY:

STEP 1: COUNT MESSAGES
- Count how many messages each person sent
- Most messages = higher Social Presence (7-9)
- Medium messages = medium Social Presence (4-6)
- Fewest messages = lower Social Presence (2-4)

STEP 2: ANALYZE MESSAGE CONTENT
For Social Vibe, look at ACTUAL MESSAGE PATTERNS:
- Uses exclamation marks, emojis, encouragement = HIGH (7-9)
- Asks questions about others, validates feelings = HIGH (7-9)
- Long thoughtful responses = HIGH (7-9)
- Short responses like "ok", "lol", "sure" = LOW (2-4)
- Flat tone, minimal emotion = LOW (2-4)
- Never asks questions about others = LOW (2-4)

For Reciprocity Style:
- Asks 3+ questions about others = GIVER (7-9)
- Asks 1-2 questions = BALANCED (5-6)
- Asks 0 questions, only talks about self = TAKER (2-4)

STEP 3: ASSIGN SCORES THAT REFLECT DIFFERENCES
If Person A is enthusiastic and Person B is flat → Their scores MUST be 3+ points apart
If Person A sends 10 messages and Person B sends 3 → Social Presence must be 4+ points apart

MANDATORY SCORE SPREAD:
Between highest and lowest scorer: AT LEAST 4 points difference
Example:
- Highest: 8.5/10
- Middle: 6.2/10
- Lowest: 3.8/10

❌ FORBIDDEN: Giving everyone 5.0/10 or similar scores
✅ REQUIRED: Clear numeric differences based on measurable behavior

CONCRETE EXAMPLE (use as template):
Alex (13 messages, enthusiastic, asks questions): Social Vibe 8.3/10, Reciprocity 7.5/10, Presence 9.0/10
Jordan (10 messages, supportive, validates): Social Vibe 7.8/10, Reciprocity 8.2/10, Presence 7.5/10
Casey (6 messages, short/flat responses): Social Vibe 3.2/10, Reciprocity 4.0/10, Presence 5.0/10

For %[1]s, use "Your" language. For others, use NO "Your" or "you".

CHAT TO ANALYZE:
 %[2]s`

// BuildPrompt assembles the generation instruction with the caller's display
// name and transcript interpolated verbatim.
func BuildPrompt(displayName, transcript string) string {
	return fmt.Sprintf(promptTemplate, displayName, transcript)
}
