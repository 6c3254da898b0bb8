package verification

import "sort"

// Verdict is the normalized per-capture (and after fusion, per-track) legal
// outcome.
type Verdict struct {
	IsViolation       bool    `json:"is_violation"`
	Severity          string  `json:"severity"`
	ViolatedArticles  []int   `json:"violated_articles"`
	Reasoning         string  `json:"reasoning"`
	RecommendedAction string  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`
	MaxConfidence     float64 `json:"max_confidence,omitempty"`
	Mock              bool    `json:"mock,omitempty"`
}

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	ActionNone     = "none"
	ActionBlur     = "blur"
	ActionPixelate = "pixelate"
	ActionMask     = "mask"
)

// baseArticles maps a detection type to the GDPR articles it touches before
// graph enrichment.
var baseArticles = map[string][]int{
	"face":           {6, 9},
	"person":         {6},
	"license_plate":  {6},
	"fingerprint":    {9},
	"hand_biometric": {9},
	"id_document":    {5, 6},
	"credit_card":    {5, 6},
	"signature":      {6},
}

type typeRule struct {
	severity   string
	action     string
	confidence float64
	reasoning  string
}

// typeRules is the deterministic rulebook for everything except person.
// These types are identifying on their face, so no perception call is
// needed to reach a verdict.
var typeRules = map[string]typeRule{
	"face":           {SeverityHigh, ActionBlur, 0.95, "A human face directly identifies a natural person; biometric data under Article 9"},
	"fingerprint":    {SeverityHigh, ActionPixelate, 0.95, "Fingerprints are biometric data capable of uniquely identifying a person"},
	"id_document":    {SeverityHigh, ActionBlur, 0.95, "Identity documents expose name, photograph and identifiers of a natural person"},
	"credit_card":    {SeverityHigh, ActionPixelate, 0.95, "Payment card details are personal and financial data"},
	"hand_biometric": {SeverityHigh, ActionBlur, 0.95, "Palm and hand geometry is biometric data capable of identification"},
	"license_plate":  {SeverityHigh, ActionPixelate, 0.90, "A license plate links to the registered keeper of the vehicle"},
	"signature":      {SeverityHigh, ActionBlur, 0.90, "A handwritten signature identifies and can impersonate a natural person"},
}

// RuleVerdict produces the deterministic verdict for a non-person type.
// Unknown types are not violations.
func RuleVerdict(detectionType string, contextArticles []int) Verdict {
	rule, ok := typeRules[detectionType]
	if !ok {
		return Verdict{
			IsViolation:       false,
			Severity:          SeverityLow,
			Reasoning:         "Detection type carries no identifying data",
			RecommendedAction: ActionNone,
			Confidence:        0.8,
		}
	}

	articles := unionArticles(baseArticles[detectionType], contextArticles)
	return Verdict{
		IsViolation:       true,
		Severity:          rule.severity,
		ViolatedArticles:  articles,
		Reasoning:         rule.reasoning,
		RecommendedAction: rule.action,
		Confidence:        rule.confidence,
	}
}

func unionArticles(sets ...[]int) []int {
	seen := map[int]bool{}
	var out []int
	for _, set := range sets {
		for _, n := range set {
			if n > 0 && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Ints(out)
	return out
}
