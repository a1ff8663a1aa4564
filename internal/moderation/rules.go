package moderation

import (
	"regexp"
	"strings"
)

// Reason tags attached to verdicts and stored in flagged_reason.
const (
	ReasonHardBanned = "hard_banned"
	ReasonInsult     = "insult"
	ReasonSexual     = "sexual"
	ReasonSensitive  = "sensitive_info"
	ReasonThreat     = "threat"
)

// Per-hit weights.
const (
	HardBanScore   = 999
	insultWeight   = 3
	sexualWeight   = 4
	sensitiveScore = 5
	threatScore    = 6
)

// Rules is a moderation rule set. Word sets are matched against whole
// normalized tokens; patterns run against the space-joined tokens, so they
// only ever see [a-z0-9 ] and must be written in normalized form.
type Rules struct {
	HardBanned map[string]struct{}
	Insults    map[string]struct{}
	Sexual     map[string]struct{}
	Sensitive  []*regexp.Regexp
	Threats    []*regexp.Regexp
}

// Patterns are compiled once at package init and reused for every call,
// which keeps them safe for concurrent use by the worker pool.
var (
	defaultSensitive = []*regexp.Regexp{
		// Requests to move the conversation to another channel.
		regexp.MustCompile(`\b(whatsapp|snapchat|snap|telegram|instagram|insta|kik|signal|wechat)\b`),
		// Sharing or asking for contact or location details.
		regexp.MustCompile(`\b(my|your|ur) (number|phone|address|email|home address|location)\b`),
		// Email providers survive normalization as "name gmail com".
		regexp.MustCompile(`\b(gmail|yahoo|hotmail|outlook|icloud|protonmail) com\b`),
		// Money and identity documents.
		regexp.MustCompile(`\b(credit card|card number|bank account|iban|ssn|social security|passport number|cashapp|venmo|paypal)\b`),
	}

	defaultThreats = []*regexp.Regexp{
		regexp.MustCompile(`\bi (will|ll|am going to|m going to|m gonna|am gonna|gonna) (find|hunt|kill|hurt|stab|shoot|get) (you|u)\b`),
		regexp.MustCompile(`\b(kill|hurt|stab|shoot|beat|rape|strangle) (you|u|your family)\b`),
		regexp.MustCompile(`\b(watch your back|you will regret|know where you live|you are dead|ur dead|youre dead)\b`),
	}
)

// DefaultRules returns the built-in rule set.
func DefaultRules() *Rules {
	return &Rules{
		HardBanned: wordSet(
			"nigger", "nigga", "faggot", "kys", "pedo", "pedophile",
			"childporn", "rapist",
		),
		Insults: wordSet(
			"idiot", "stupid", "moron", "loser", "dumb", "bitch", "bastard",
			"asshole", "jerk", "pathetic", "worthless", "ugly", "freak",
			"creep", "retard", "fuck", "fucking", "cunt", "dickhead", "trash",
		),
		Sexual: wordSet(
			"nude", "nudes", "naked", "sex", "sexy", "horny", "dick", "cock",
			"pussy", "boobs", "tits", "porn", "slut", "whore", "blowjob",
			"cum", "sext", "onlyfans",
		),
		Sensitive: defaultSensitive,
		Threats:   defaultThreats,
	}
}

// wordSet builds a lookup set from words already in normalized form.
func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}
