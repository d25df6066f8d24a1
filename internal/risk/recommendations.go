package risk

import "sort"

// Priority ranks recommendations; lower sorts first
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityMedium    Priority = "medium"
	PriorityLow       Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityImmediate:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Resource is an external link attached to a recommendation
type Resource struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Recommendation is one suggested next step
type Recommendation struct {
	ID          string     `json:"id"`
	Priority    Priority   `json:"priority"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Actions     []string   `json:"actions"`
	Resources   []Resource `json:"resources,omitempty"`
}

// Template is static recommendation data plus the rule that selects it.
// A template applies when any of its conditions hold: the category score
// reaches Cutoff, the overall level reaches MinLevel, or an emergency answer
// was given and OnEmergency is set.
type Template struct {
	Recommendation
	Category    Category
	Cutoff      float64
	MinLevel    Level
	OnEmergency bool
}

func levelRank(l Level) int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

func (t Template) applies(score RiskScore, emergency bool) bool {
	if t.OnEmergency && emergency {
		return true
	}
	if t.MinLevel != "" && levelRank(score.Level) >= levelRank(t.MinLevel) && score.MaxPossibleScore > 0 {
		return true
	}
	if t.Category != "" && t.Cutoff > 0 && score.CategoryScores[t.Category] >= t.Cutoff {
		return true
	}
	return false
}

// Recommend filters the static templates against score and orders the
// result most severe first. Templates of equal priority keep catalogue order.
func (e *Engine) Recommend(score RiskScore, responses []QuestionResponse) []Recommendation {
	emergency := e.HasEmergencyTrigger(responses)

	out := make([]Recommendation, 0, len(e.templates))
	for _, t := range e.templates {
		if t.applies(score, emergency) {
			rec := t.Recommendation
			rec.Actions = append([]string(nil), t.Actions...)
			rec.Resources = append([]Resource(nil), t.Resources...)
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.rank() < out[j].Priority.rank()
	})
	return out
}

var emergencyResources = []Resource{
	{Title: "Emergency services", Phone: "911"},
	{Title: "National Domestic Violence Hotline", Phone: "1-800-799-7233", URL: "https://www.thehotline.org"},
}

// DefaultTemplates is the recommendation catalogue. Cut-offs are category
// score points, not percentages.
func DefaultTemplates() []Template {
	return []Template{
		{
			Recommendation: Recommendation{
				ID:          "immediate-safety",
				Priority:    PriorityImmediate,
				Title:       "Get to safety now",
				Description: "Your answers show you may be in immediate danger.",
				Actions: []string{
					"Call emergency services if you can do so safely",
					"Move to a room with an exit and away from weapons",
					"Use the quick-exit button if someone is watching",
				},
				Resources: emergencyResources,
			},
			Category:    CategoryImmediateDanger,
			Cutoff:      80,
			OnEmergency: true,
		},
		{
			Recommendation: Recommendation{
				ID:          "protective-order",
				Priority:    PriorityHigh,
				Title:       "Ask about an emergency protective order",
				Description: "A protective order can legally require the person to stay away from you.",
				Actions: []string{
					"Write down dates and details of each incident",
					"Keep photos of injuries and damaged property",
					"Request a same-day consultation with our attorneys",
				},
			},
			Category: CategoryPhysicalAbuse,
			Cutoff:   60,
			MinLevel: LevelHigh,
		},
		{
			Recommendation: Recommendation{
				ID:          "sexual-assault-support",
				Priority:    PriorityHigh,
				Title:       "Confidential sexual assault support",
				Description: "Specialist advocates can help with medical care and reporting options.",
				Actions: []string{
					"Seek medical attention, even if you do not plan to report",
					"Contact a sexual assault advocate",
				},
				Resources: []Resource{{Title: "RAINN", Phone: "1-800-656-4673", URL: "https://www.rainn.org"}},
			},
			Category: CategorySexualAbuse,
			Cutoff:   80,
		},
		{
			Recommendation: Recommendation{
				ID:          "child-custody",
				Priority:    PriorityHigh,
				Title:       "Protect your children",
				Description: "Emergency custody orders can be requested alongside a protective order.",
				Actions: []string{
					"Keep children's documents in a safe place",
					"Tell the school who may and may not collect them",
					"Discuss emergency custody with an attorney",
				},
			},
			Category: CategoryChildrenSafety,
			Cutoff:   70,
		},
		{
			Recommendation: Recommendation{
				ID:          "stalking-plan",
				Priority:    PriorityMedium,
				Title:       "Secure your devices and routines",
				Description: "Monitoring and following are warning signs that often escalate.",
				Actions: []string{
					"Check your phone for location sharing and unknown apps",
					"Change passwords from a device the person cannot access",
					"Keep a log of every contact or sighting",
				},
			},
			Category: CategoryStalking,
			Cutoff:   30,
		},
		{
			Recommendation: Recommendation{
				ID:          "safety-plan",
				Priority:    PriorityMedium,
				Title:       "Build a safety plan",
				Description: "A plan helps you act quickly if things get worse.",
				Actions: []string{
					"Pack a go-bag with documents, medication and cash",
					"Agree a code word with someone you trust",
					"Identify a safe place you can reach at any hour",
				},
			},
			Category: CategoryEmotionalAbuse,
			Cutoff:   30,
			MinLevel: LevelMedium,
		},
		{
			Recommendation: Recommendation{
				ID:          "financial-independence",
				Priority:    PriorityMedium,
				Title:       "Regain control of your finances",
				Description: "Financial control is a form of abuse and can be addressed legally.",
				Actions: []string{
					"Open an account the person cannot see",
					"Request copies of joint account statements",
				},
			},
			Category: CategoryFinancialAbuse,
			Cutoff:   20,
		},
		{
			Recommendation: Recommendation{
				ID:          "support-network",
				Priority:    PriorityLow,
				Title:       "Connect with support",
				Description: "You do not have to deal with this alone.",
				Actions: []string{
					"Join a local support group",
					"Chat with one of our specialists",
				},
			},
			Category: CategorySupportNetwork,
			Cutoff:   25,
		},
		{
			Recommendation: Recommendation{
				ID:          "legal-consultation",
				Priority:    PriorityLow,
				Title:       "Book a free consultation",
				Description: "Talk through your options with an attorney in confidence.",
				Actions: []string{
					"Choose a time that is safe for you",
					"Prepare any documents you already have",
				},
			},
			MinLevel: LevelLow,
		},
	}
}
