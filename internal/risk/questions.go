package risk

// Category groups assessment questions and their scores
type Category string

// The eight fixed assessment categories
const (
	CategoryImmediateDanger Category = "immediate-danger"
	CategoryPhysicalAbuse   Category = "physical-abuse"
	CategoryEmotionalAbuse  Category = "emotional-abuse"
	CategoryFinancialAbuse  Category = "financial-abuse"
	CategorySexualAbuse     Category = "sexual-abuse"
	CategoryStalking        Category = "stalking"
	CategoryChildrenSafety  Category = "children-safety"
	CategorySupportNetwork  Category = "support-network"
)

// Categories lists every category in reporting order
var Categories = []Category{
	CategoryImmediateDanger,
	CategoryPhysicalAbuse,
	CategoryEmotionalAbuse,
	CategoryFinancialAbuse,
	CategorySexualAbuse,
	CategoryStalking,
	CategoryChildrenSafety,
	CategorySupportNetwork,
}

// QuestionType decides how an answer is turned into points
type QuestionType string

const (
	TypeYesNo          QuestionType = "yes-no"
	TypeMultipleChoice QuestionType = "multiple-choice"
	TypeScale          QuestionType = "scale"
	TypeEmergencyCheck QuestionType = "emergency-check"
)

// DefaultScaleMax is the top of a scale question's range
const DefaultScaleMax = 10

// Question is one item of the risk questionnaire
type Question struct {
	ID                string       `json:"id"`
	Category          Category     `json:"category"`
	Type              QuestionType `json:"type"`
	Text              string       `json:"text"`
	Weight            int          `json:"weight"`
	Options           []string     `json:"options,omitempty"`
	ScaleMax          int          `json:"scaleMax,omitempty"`
	TriggersEmergency bool         `json:"triggersEmergency,omitempty"`
	Required          bool         `json:"required"`
}

// DefaultQuestions is the questionnaire served to the website. Options of
// multiple-choice questions are ordered from lowest to highest risk.
func DefaultQuestions() []Question {
	return []Question{
		{
			ID:                "immediate-danger-now",
			Category:          CategoryImmediateDanger,
			Type:              TypeEmergencyCheck,
			Text:              "Are you in immediate danger right now?",
			Weight:            10,
			TriggersEmergency: true,
			Required:          true,
		},
		{
			ID:                "threat-to-kill",
			Category:          CategoryImmediateDanger,
			Type:              TypeYesNo,
			Text:              "Has the person threatened to kill you or themselves?",
			Weight:            9,
			TriggersEmergency: true,
			Required:          true,
		},
		{
			ID:       "weapon-access",
			Category: CategoryImmediateDanger,
			Type:     TypeYesNo,
			Text:     "Does the person have access to a weapon?",
			Weight:   8,
			Required: true,
		},
		{
			ID:       "physical-harm-frequency",
			Category: CategoryPhysicalAbuse,
			Type:     TypeMultipleChoice,
			Text:     "How often has the person physically hurt you?",
			Weight:   8,
			Options:  []string{"Never", "Once", "A few times", "Often", "It is getting worse"},
			Required: true,
		},
		{
			ID:       "strangulation",
			Category: CategoryPhysicalAbuse,
			Type:     TypeYesNo,
			Text:     "Has the person ever choked or strangled you?",
			Weight:   9,
			Required: false,
		},
		{
			ID:       "fear-level",
			Category: CategoryEmotionalAbuse,
			Type:     TypeScale,
			Text:     "How afraid are you of the person (0-10)?",
			Weight:   6,
			ScaleMax: DefaultScaleMax,
			Required: true,
		},
		{
			ID:       "isolation",
			Category: CategoryEmotionalAbuse,
			Type:     TypeYesNo,
			Text:     "Does the person stop you from seeing friends or family?",
			Weight:   5,
		},
		{
			ID:       "financial-control",
			Category: CategoryFinancialAbuse,
			Type:     TypeMultipleChoice,
			Text:     "How much control does the person have over your money?",
			Weight:   4,
			Options:  []string{"None", "Some", "Most", "All of it"},
		},
		{
			ID:       "forced-sexual-acts",
			Category: CategorySexualAbuse,
			Type:     TypeYesNo,
			Text:     "Has the person forced you into sexual acts?",
			Weight:   8,
		},
		{
			ID:       "followed-or-monitored",
			Category: CategoryStalking,
			Type:     TypeMultipleChoice,
			Text:     "Does the person follow you or monitor your phone?",
			Weight:   6,
			Options:  []string{"No", "I think so", "Yes, sometimes", "Yes, constantly"},
		},
		{
			ID:       "children-at-risk",
			Category: CategoryChildrenSafety,
			Type:     TypeYesNo,
			Text:     "Are children in the home exposed to the violence?",
			Weight:   7,
		},
		{
			ID:       "threats-about-children",
			Category: CategoryChildrenSafety,
			Type:     TypeYesNo,
			Text:     "Has the person threatened to take or harm the children?",
			Weight:   8,
		},
		{
			ID:       "no-safe-place",
			Category: CategorySupportNetwork,
			Type:     TypeYesNo,
			Text:     "Do you lack a safe place you could go to?",
			Weight:   5,
		},
		{
			ID:       "support-isolation",
			Category: CategorySupportNetwork,
			Type:     TypeScale,
			Text:     "How alone do you feel in dealing with this (0-10)?",
			Weight:   3,
			ScaleMax: DefaultScaleMax,
		},
	}
}
