package guard

import (
	"slices"
	"strings"
)

// Risk score thresholds.
const (
	CriticalRisk = 100
	HighRisk     = 50

	unknownFlagRisk = 25
)

var categoryRisk = map[string]int{
	"prohibited": 100,
	"illegal":    100,
	"malware":    100,
	"harassment": 90,
	"spam":       75,
	"suspicious": 50,
}

// RiskAssessment summarizes a set of explicit risk flags.
type RiskAssessment struct {
	MaxRisk       int      `json:"maxRisk"`
	CriticalFlags []string `json:"criticalFlags,omitempty"`
	HighRiskFlags []string `json:"highRiskFlags,omitempty"`
}

// HasCritical reports whether any flag can never be overridden.
func (a RiskAssessment) HasCritical() bool {
	return len(a.CriticalFlags) > 0
}

// FlagRisk returns the score of a single flag. Flags are matched case
// insensitively; unknown flags score 25.
func FlagRisk(flag string) int {
	if score, ok := categoryRisk[normalizeFlag(flag)]; ok {
		return score
	}
	return unknownFlagRisk
}

// AssessRiskFlags scores every flag and partitions the critical and high-risk
// ones. Each partition lists a flag once, in first-seen order.
func AssessRiskFlags(flags []string) RiskAssessment {
	var a RiskAssessment
	for _, raw := range flags {
		flag := normalizeFlag(raw)
		score := FlagRisk(flag)
		a.MaxRisk = max(a.MaxRisk, score)

		switch {
		case score >= CriticalRisk:
			if !slices.Contains(a.CriticalFlags, flag) {
				a.CriticalFlags = append(a.CriticalFlags, flag)
			}
		case score >= HighRisk:
			if !slices.Contains(a.HighRiskFlags, flag) {
				a.HighRiskFlags = append(a.HighRiskFlags, flag)
			}
		}
	}
	return a
}

func normalizeFlag(flag string) string {
	return strings.ToLower(strings.TrimSpace(flag))
}
