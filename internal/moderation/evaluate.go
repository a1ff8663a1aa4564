package moderation

import "strings"

// Verdict is the raw outcome of scoring a message.
type Verdict struct {
	Score   int
	Reasons []string
}

// Action is what should happen to a scored message. Delivery is never
// blocked; Delete redacts the stored content after the fact.
type Action struct {
	Delete  bool
	Flag    bool
	Score   int
	Reasons []string
}

// None reports whether the action leaves the message untouched.
func (a Action) None() bool {
	return !a.Delete && !a.Flag
}

var defaultRules = DefaultRules()

// Evaluate scores normalized tokens against the default rules.
func Evaluate(tokens []string) Verdict {
	return defaultRules.Evaluate(tokens)
}

// Moderate normalizes, scores and decides on text using the default rules.
func Moderate(text string) Action {
	return defaultRules.Moderate(text)
}

// Evaluate scores normalized tokens. A hard-banned token short-circuits with
// the sentinel score; otherwise word hits add per occurrence and each
// distinct pattern adds once. Reasons are deduplicated in first-seen order.
func (r *Rules) Evaluate(tokens []string) Verdict {
	score := 0
	var reasons []string

	for _, tok := range tokens {
		if _, ok := r.HardBanned[tok]; ok {
			return Verdict{Score: HardBanScore, Reasons: []string{ReasonHardBanned}}
		}
		if _, ok := r.Insults[tok]; ok {
			score += insultWeight
			reasons = append(reasons, ReasonInsult)
		}
		if _, ok := r.Sexual[tok]; ok {
			score += sexualWeight
			reasons = append(reasons, ReasonSexual)
		}
	}

	joined := strings.Join(tokens, " ")
	for _, p := range r.Sensitive {
		if p.MatchString(joined) {
			score += sensitiveScore
			reasons = append(reasons, ReasonSensitive)
		}
	}
	for _, p := range r.Threats {
		if p.MatchString(joined) {
			score += threatScore
			reasons = append(reasons, ReasonThreat)
		}
	}

	return Verdict{Score: score, Reasons: dedupe(reasons)}
}

// Moderate runs the whole pure pipeline over raw text.
func (r *Rules) Moderate(text string) Action {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return Action{}
	}
	return Decide(r.Evaluate(tokens))
}

// Decide maps a verdict onto an action:
//
//	score >= 999 or hard_banned -> delete + flag
//	score >= 7                  -> delete + flag
//	3 <= score < 7              -> flag
//	score < 3                   -> nothing
func Decide(v Verdict) Action {
	reasons := dedupe(v.Reasons)
	a := Action{Score: v.Score, Reasons: reasons}

	switch {
	case v.Score >= HardBanScore || contains(reasons, ReasonHardBanned):
		a.Delete, a.Flag = true, true
		if !contains(reasons, ReasonHardBanned) {
			a.Reasons = append(a.Reasons, ReasonHardBanned)
		}
	case v.Score >= 7:
		a.Delete, a.Flag = true, true
	case v.Score >= 3:
		a.Flag = true
	}
	return a
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
