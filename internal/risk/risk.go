// Package risk derives an overall risk level for a record from its
// matches.
package risk

import (
	"github.com/opensource-compliance/kestrel/internal/domain"
)

// escalationThreshold is the number of HIGH-or-above matches that
// lifts the risk level one grade.
const escalationThreshold = 2

// Classify returns the risk level for a match list: the maximum match
// severity, escalated one grade when two or more matches at HIGH or
// above compound, capped at CRITICAL. Empty list is LOW.
//
// Total and monotonic: defined for every list shape, and adding a
// match never lowers the result.
func Classify(matches []domain.Match) domain.RiskLevel {
	if len(matches) == 0 {
		return domain.SeverityLow
	}

	max := domain.SeverityLow
	highOrAbove := 0
	for _, m := range matches {
		if m.Severity.Rank() > max.Rank() {
			max = m.Severity
		}
		if m.Severity.Rank() >= domain.SeverityHigh.Rank() {
			highOrAbove++
		}
	}

	if highOrAbove >= escalationThreshold {
		max = escalate(max)
	}

	return max
}

func escalate(s domain.Severity) domain.Severity {
	switch s {
	case domain.SeverityLow:
		return domain.SeverityMedium
	case domain.SeverityMedium:
		return domain.SeverityHigh
	case domain.SeverityHigh, domain.SeverityCritical:
		return domain.SeverityCritical
	default:
		return s
	}
}
