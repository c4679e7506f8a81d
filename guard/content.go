package guard

import (
	"regexp"
	"unicode/utf8"
)

// Content length tiers. Only the highest matching tier applies.
const (
	lengthCritical = 100_000
	lengthHigh     = 50_000
	lengthElevated = 10_000
)

type detector struct {
	label   string
	score   int
	pattern *regexp.Regexp
}

// Compiled RE2 patterns keep no match position between calls and are safe for
// concurrent use.
var detectors = []detector{
	{
		label:   "spam_keywords",
		score:   30,
		pattern: regexp.MustCompile(`(?i)\b(buy now|click here|limited time offer|act now|free money|100% free|risk[- ]free|winner|you have been selected)\b`),
	},
	{
		label:   "phishing",
		score:   50,
		pattern: regexp.MustCompile(`(?i)\b(verify your (account|identity)|confirm your (password|login)|account (has been )?suspended|update your payment (details|information))\b`),
	},
	{
		label:   "script_injection",
		score:   60,
		pattern: regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|click|mouseover)\s*=)`),
	},
	{
		label:   "crypto_scam",
		score:   40,
		pattern: regexp.MustCompile(`(?i)\b(double your (bitcoin|btc|crypto|eth)|guaranteed (returns|profit)|send \d+(\.\d+)? ?(btc|eth|usdt))\b`),
	},
	{
		label:   "sensitive_data_request",
		score:   40,
		pattern: regexp.MustCompile(`(?i)\b(social security number|credit card number|bank account (number|details)|your (pin|cvv))\b`),
	},
	{
		label:   "url_shortener",
		score:   20,
		pattern: regexp.MustCompile(`(?i)\b(bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly|is\.gd)/\S+`),
	},
	{
		label:   "excessive_punctuation",
		score:   10,
		pattern: regexp.MustCompile(`[!?]{4,}`),
	},
}

// ContentRisk is the automated review of a piece of free text.
type ContentRisk struct {
	Score   int      `json:"score"`
	Flags   []string `json:"flags,omitempty"`
	Allowed bool     `json:"allowed"`
}

// CheckContentRisk runs every detector over content in a fixed order. A
// detector contributes its score once however often it matches. A length
// penalty is added on top, and the total is clamped to [0, 100].
func CheckContentRisk(content string) ContentRisk {
	var (
		score int
		flags []string
	)

	for _, d := range detectors {
		if d.pattern.MatchString(content) {
			score += d.score
			flags = append(flags, d.label)
		}
	}

	switch n := utf8.RuneCountInString(content); {
	case n > lengthCritical:
		score += 50
		flags = append(flags, "excessive_length")
	case n > lengthHigh:
		score += 20
		flags = append(flags, "long_content")
	case n > lengthElevated:
		score += 5
	}

	score = min(max(score, 0), CriticalRisk)

	return ContentRisk{
		Score:   score,
		Flags:   flags,
		Allowed: score < HighRisk,
	}
}
