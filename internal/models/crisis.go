package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CrisisLevel is the four-point severity scale shared by messages, sessions
// and escalations.
type CrisisLevel string

const (
	CrisisLow      CrisisLevel = "low"
	CrisisMedium   CrisisLevel = "medium"
	CrisisHigh     CrisisLevel = "high"
	CrisisCritical CrisisLevel = "critical"
)

// Rank orders levels so they can be compared. Unknown levels rank below low.
func (l CrisisLevel) Rank() int {
	switch l {
	case CrisisLow:
		return 1
	case CrisisMedium:
		return 2
	case CrisisHigh:
		return 3
	case CrisisCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether l is one of the four known levels.
func (l CrisisLevel) Valid() bool {
	return l.Rank() > 0
}

// Priority maps the level to the session priority value.
func (l CrisisLevel) Priority() int {
	switch l {
	case CrisisCritical:
		return 10
	case CrisisHigh:
		return 7
	case CrisisMedium:
		return 4
	default:
		return 1
	}
}

// IsEscalation reports whether the level requires an emergency escalation.
func (l CrisisLevel) IsEscalation() bool {
	return l.Rank() >= CrisisHigh.Rank()
}

// MaxLevel returns the more severe of the two levels.
func MaxLevel(a, b CrisisLevel) CrisisLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	if !a.Valid() {
		return CrisisLow
	}
	return a
}

// ParseCrisisLevel parses a level name case-insensitively.
func ParseCrisisLevel(s string) (CrisisLevel, error) {
	l := CrisisLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown crisis level %q", s)
	}
	return l, nil
}

// UnmarshalJSON rejects unknown level names.
func (l *CrisisLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = ""
		return nil
	}
	parsed, err := ParseCrisisLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
