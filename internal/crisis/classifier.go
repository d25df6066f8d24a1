// Package crisis classifies free-text chat messages into crisis levels using
// tiered phrase lists.
package crisis

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"crisis-intervention/backend/internal/models"
)

// Tiers holds the phrase lists for each escalating level. Phrases are matched
// as case-insensitive substrings.
type Tiers struct {
	Critical []string `json:"critical"`
	High     []string `json:"high"`
	Medium   []string `json:"medium"`
}

// DefaultTiers returns the built-in English phrase lists
func DefaultTiers() Tiers {
	return Tiers{
		Critical: []string{
			"kill myself",
			"end my life",
			"suicide",
			"want to die",
			"going to kill me",
			"he will kill me",
			"she will kill me",
			"overdose",
			"can't breathe",
			"bleeding",
			"right now he is",
		},
		High: []string{
			"threatened",
			"threatening",
			"weapon",
			"gun",
			"knife",
			"hit me",
			"hurt me",
			"beat me",
			"choked",
			"strangled",
			"locked me",
			"not safe",
		},
		Medium: []string{
			"scared",
			"afraid",
			"frightened",
			"controlling",
			"yelling",
			"following me",
			"watching me",
			"unsafe",
			"worried",
		},
	}
}

// LoadTiers reads phrase lists from a JSON file
func LoadTiers(path string) (Tiers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tiers{}, fmt.Errorf("read crisis tiers: %w", err)
	}
	var t Tiers
	if err := json.Unmarshal(data, &t); err != nil {
		return Tiers{}, fmt.Errorf("parse crisis tiers: %w", err)
	}
	if len(t.Critical)+len(t.High)+len(t.Medium) == 0 {
		return Tiers{}, fmt.Errorf("crisis tiers file %s has no phrases", path)
	}
	return t, nil
}

type tier struct {
	level   models.CrisisLevel
	phrases []string
}

// Classifier assigns a crisis level to message text. It is safe for
// concurrent use.
type Classifier struct {
	tiers []tier
}

// NewClassifier builds a classifier. Tiers are evaluated critical first, so
// a severe phrase is never masked by a milder one appearing earlier in the
// text.
func NewClassifier(t Tiers) *Classifier {
	return &Classifier{
		tiers: []tier{
			{level: models.CrisisCritical, phrases: normalise(t.Critical)},
			{level: models.CrisisHigh, phrases: normalise(t.High)},
			{level: models.CrisisMedium, phrases: normalise(t.Medium)},
		},
	}
}

func normalise(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Classify returns the crisis level of text
func (c *Classifier) Classify(text string) models.CrisisLevel {
	level, _ := c.ClassifyWithMatch(text)
	return level
}

// ClassifyWithMatch also returns the phrase that decided the level, empty for
// low.
func (c *Classifier) ClassifyWithMatch(text string) (models.CrisisLevel, string) {
	lower := strings.ToLower(text)
	for _, t := range c.tiers {
		for _, phrase := range t.phrases {
			if strings.Contains(lower, phrase) {
				return t.level, phrase
			}
		}
	}
	return models.CrisisLow, ""
}
