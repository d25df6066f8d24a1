// Package risk turns questionnaire answers into a risk score, a category
// breakdown and recommendations. Everything here is pure and stateless.
package risk

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Level is the coarse risk classification of an assessment
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Thresholds are the percentage cut-offs between levels. A percentage at or
// below Low is low, at or below Medium is medium, anything above is high.
type Thresholds struct {
	Low    float64
	Medium float64
}

// DefaultThresholds are tuning values, not derived from domain research.
var DefaultThresholds = Thresholds{Low: 33, Medium: 66}

// QuestionResponse is one answer from the website. Answer holds a bool for
// yes-no and emergency-check questions, a 0-based option index for
// multiple-choice questions and a number for scale questions.
type QuestionResponse struct {
	QuestionID string `json:"questionId"`
	Answer     any    `json:"answer"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// RiskScore summarises an assessment
type RiskScore struct {
	TotalScore       float64              `json:"totalScore"`
	MaxPossibleScore float64              `json:"maxPossibleScore"`
	Percentage       float64              `json:"percentage"`
	Level            Level                `json:"level"`
	CategoryScores   map[Category]float64 `json:"categoryScores"`
}

// Assessment is the single result handed back to the website
type Assessment struct {
	Score              RiskScore        `json:"score"`
	Recommendations    []Recommendation `json:"recommendations"`
	EmergencyTriggered bool             `json:"emergencyTriggered"`
	MissingRequired    []string         `json:"missingRequired,omitempty"`
}

// Engine scores responses against a fixed questionnaire
type Engine struct {
	questions  []Question
	byID       map[string]Question
	thresholds Thresholds
	templates  []Template
}

// NewEngine builds an engine over questions. Zero thresholds fall back to
// DefaultThresholds.
func NewEngine(questions []Question, thresholds Thresholds) *Engine {
	if thresholds.Low <= 0 || thresholds.Medium <= thresholds.Low {
		thresholds = DefaultThresholds
	}
	e := &Engine{
		questions:  append([]Question(nil), questions...),
		byID:       make(map[string]Question, len(questions)),
		thresholds: thresholds,
		templates:  DefaultTemplates(),
	}
	for _, q := range questions {
		e.byID[q.ID] = q
	}
	return e
}

// Questions returns the questionnaire
func (e *Engine) Questions() []Question {
	return append([]Question(nil), e.questions...)
}

// Score computes the weighted risk score. Unknown, skipped and unusable
// answers are ignored and do not count towards the maximum.
func (e *Engine) Score(responses []QuestionResponse) RiskScore {
	score := RiskScore{CategoryScores: make(map[Category]float64)}

	for _, r := range responses {
		if r.Skipped {
			continue
		}
		q, ok := e.byID[r.QuestionID]
		if !ok {
			continue
		}
		points, ok := contribution(q, r.Answer)
		if !ok {
			continue
		}
		score.TotalScore += points
		score.MaxPossibleScore += float64(q.Weight * 10)
		score.CategoryScores[q.Category] += points
	}

	if score.MaxPossibleScore > 0 {
		score.Percentage = score.TotalScore / score.MaxPossibleScore * 100
	}
	score.Level = e.level(score.Percentage)
	return score
}

func (e *Engine) level(percentage float64) Level {
	switch {
	case percentage <= e.thresholds.Low:
		return LevelLow
	case percentage <= e.thresholds.Medium:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// contribution returns the points one answer adds, and false when the answer
// cannot be interpreted for the question type.
func contribution(q Question, answer any) (float64, bool) {
	full := float64(q.Weight * 10)
	switch q.Type {
	case TypeYesNo, TypeEmergencyCheck:
		yes, ok := answerBool(answer)
		if !ok {
			return 0, false
		}
		if yes {
			return full, true
		}
		return 0, true

	case TypeMultipleChoice:
		n := len(q.Options)
		idx, ok := answerNumber(answer)
		if !ok || n == 0 || idx != math.Trunc(idx) || idx < 0 || int(idx) >= n {
			return 0, false
		}
		return idx / float64(n) * full, true

	case TypeScale:
		v, ok := answerNumber(answer)
		if !ok {
			return 0, false
		}
		top := float64(q.ScaleMax)
		if top <= 0 {
			top = DefaultScaleMax
		}
		// Normalised to 0-10 so a full-scale answer is worth weight*10
		v = math.Max(0, math.Min(v, top))
		return v * full / top, true
	}
	return 0, false
}

// HasEmergencyTrigger reports whether any emergency question was answered
// yes. Callers must check it independently of the score level.
func (e *Engine) HasEmergencyTrigger(responses []QuestionResponse) bool {
	for _, r := range responses {
		if r.Skipped {
			continue
		}
		q, ok := e.byID[r.QuestionID]
		if !ok || !q.TriggersEmergency {
			continue
		}
		if yes, ok := answerBool(r.Answer); ok && yes {
			return true
		}
	}
	return false
}

// MissingRequired lists required questions without a usable answer, in
// questionnaire order.
func (e *Engine) MissingRequired(responses []QuestionResponse) []string {
	answered := make(map[string]bool, len(responses))
	for _, r := range responses {
		if r.Skipped {
			continue
		}
		if q, ok := e.byID[r.QuestionID]; ok {
			if _, ok := contribution(q, r.Answer); ok {
				answered[q.ID] = true
			}
		}
	}

	var missing []string
	for _, q := range e.questions {
		if q.Required && !answered[q.ID] {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

// ScoreAndRecommend is the stateless entry point used by the website. It may
// be called repeatedly with partial or updated response sets.
func (e *Engine) ScoreAndRecommend(responses []QuestionResponse) Assessment {
	score := e.Score(responses)
	return Assessment{
		Score:              score,
		Recommendations:    e.Recommend(score, responses),
		EmergencyTriggered: e.HasEmergencyTrigger(responses),
		MissingRequired:    e.MissingRequired(responses),
	}
}

func answerBool(v any) (bool, bool) {
	switch a := v.(type) {
	case bool:
		return a, true
	case string:
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "yes", "true", "y":
			return true, true
		case "no", "false", "n":
			return false, true
		}
	}
	return false, false
}

func answerNumber(v any) (float64, bool) {
	var f float64
	switch a := v.(type) {
	case float64:
		f = a
	case int:
		f = float64(a)
	case int64:
		f = float64(a)
	case json.Number:
		parsed, err := a.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
