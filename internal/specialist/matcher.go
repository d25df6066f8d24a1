package specialist

import (
	"context"

	"crisis-intervention/backend/internal/models"
)

// MatchConfig tunes the scoring heuristic
type MatchConfig struct {
	// BaseScore is given to every candidate
	BaseScore int
	// CrisisTag is the speciality that earns CrisisBonus for high and critical sessions
	CrisisTag   string
	CrisisBonus int
	// ResponseTimeCap is the response time in seconds at which the speed bonus reaches zero
	ResponseTimeCap int
	// CapacityWeight multiplies each spare chat slot
	CapacityWeight int
}

// DefaultMatchConfig mirrors the tuning used by the website's dashboard
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		BaseScore:       10,
		CrisisTag:       "crisis",
		CrisisBonus:     5,
		ResponseTimeCap: 60,
		CapacityWeight:  2,
	}
}

// Matcher selects the best specialist for a crisis level
type Matcher struct {
	registry Registry
	cfg      MatchConfig
}

// NewMatcher creates a matcher over registry
func NewMatcher(registry Registry, cfg MatchConfig) *Matcher {
	return &Matcher{registry: registry, cfg: cfg}
}

// Score rates a single candidate for level
func (m *Matcher) Score(s models.Specialist, level models.CrisisLevel) int {
	score := m.cfg.BaseScore
	if level.IsEscalation() && m.cfg.CrisisTag != "" && s.HasSpeciality(m.cfg.CrisisTag) {
		score += m.cfg.CrisisBonus
	}
	if speed := m.cfg.ResponseTimeCap - s.ResponseTime; speed > 0 {
		score += speed
	}
	score += s.SpareCapacity() * m.cfg.CapacityWeight
	return score
}

// FindBest returns the highest-scoring online, available specialist. Ties go
// to the earlier specialist in registry order. The second result is false
// when there is no candidate.
func (m *Matcher) FindBest(ctx context.Context, level models.CrisisLevel) (models.Specialist, bool, error) {
	return m.findBest(ctx, level, nil)
}

func (m *Matcher) findBest(ctx context.Context, level models.CrisisLevel, exclude map[string]bool) (models.Specialist, bool, error) {
	candidates, err := m.registry.ListAvailable(ctx)
	if err != nil {
		return models.Specialist{}, false, err
	}

	var best models.Specialist
	bestScore := 0
	found := false
	for _, c := range candidates {
		if !c.IsAvailable || !c.IsOnline || exclude[c.ID] {
			continue
		}
		if score := m.Score(c, level); !found || score > bestScore {
			best, bestScore, found = c, score, true
		}
	}
	return best, found, nil
}

// Reserve picks the best specialist and takes one of their chat slots in a
// single step. If the chosen specialist fills up between selection and
// reservation, the next best is tried. found is false when nobody is free.
func (m *Matcher) Reserve(ctx context.Context, level models.CrisisLevel) (s models.Specialist, found bool, err error) {
	exclude := make(map[string]bool)
	for {
		candidate, ok, err := m.findBest(ctx, level, exclude)
		if err != nil || !ok {
			return models.Specialist{}, false, err
		}
		reserved, err := m.registry.IncrementLoad(ctx, candidate.ID)
		if err == nil {
			return reserved, true, nil
		}
		exclude[candidate.ID] = true
	}
}
