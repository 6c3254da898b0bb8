package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/occultashield/shield-api/clients"
	"github.com/occultashield/shield-api/knowledge"
)

// Closed keyword sets driving vulnerability classification, matched
// case-insensitively as substrings of the consolidated tags, environments
// and context indicators ("hospital_gown" matches "hospital").
var vulnerableContexts = map[string][]string{
	"medical":   {"medical", "hospital", "clinic", "doctor", "nurse", "patient", "ambulance"},
	"minor":     {"minor", "child", "school", "playground", "kindergarten"},
	"religious": {"religious", "church", "mosque", "synagogue", "temple", "worship"},
	"political": {"political", "protest", "rally", "demonstration", "election"},
	"intimate":  {"intimate", "nude", "underwear", "bedroom", "bathroom"},
	"ethnic":    {"ethnic", "indigenous", "traditional_dress"},
}

// vulnerabilityOrder fixes the match precedence so classification is
// deterministic when a term could fall into several sets.
var vulnerabilityOrder = []string{"minor", "medical", "intimate", "religious", "political", "ethnic"}

// Normal context keywords: a match here without any vulnerable match means
// no vulnerability.
var normalContexts = []string{
	"public_space", "street", "park", "plaza",
	"workplace", "office",
	"commercial", "shop", "store", "market",
	"recreational", "beach", "sport", "gym",
	"transport", "station", "airport", "bus", "train",
}

var actionPriority = map[string]int{
	ActionMask:     3,
	ActionPixelate: 2,
	ActionBlur:     1,
	ActionNone:     0,
	"":             0,
}

// GraphReader is the slice of the knowledge client the Judge needs.
type GraphReader interface {
	ContextForDetection(ctx context.Context, detectionType string) []knowledge.Article
	HybridSearch(ctx context.Context, query string, detectedObjects []string, k int) []string
}

// Consolidated is the merged view of every witness description for one
// track.
type Consolidated struct {
	Summary           string
	Tags              []string
	Environments      []string
	ContextIndicators []string
	AgeGroups         []string
	AvgConfidence     float64
	AnyMock           bool
}

// Judge applies the legal rulebook. It holds no per-video state.
type Judge struct {
	graph GraphReader
}

func NewJudge(graph GraphReader) *Judge {
	return &Judge{graph: graph}
}

// Consolidate merges per-capture witness descriptions by union, and
// concatenates the visual summaries.
func Consolidate(descriptions []clients.WitnessDescription) Consolidated {
	var c Consolidated
	var summaries []string
	tagSet := map[string]bool{}
	envSet := map[string]bool{}
	indicatorSet := map[string]bool{}
	ageSet := map[string]bool{}
	var confSum float64

	for _, d := range descriptions {
		if d.VisualSummary != "" {
			summaries = append(summaries, d.VisualSummary)
		}
		for _, tag := range d.Tags {
			tagSet[strings.ToLower(tag)] = true
		}
		if d.Environment != "" {
			envSet[strings.ToLower(d.Environment)] = true
		}
		for _, ind := range d.ContextIndicators {
			indicatorSet[strings.ToLower(ind)] = true
		}
		if d.AgeGroup != "" {
			ageSet[strings.ToLower(d.AgeGroup)] = true
		}
		confSum += d.Confidence
		c.AnyMock = c.AnyMock || d.Mock
	}

	c.Summary = strings.Join(summaries, " | ")
	c.Tags = sortedKeys(tagSet)
	c.Environments = sortedKeys(envSet)
	c.ContextIndicators = sortedKeys(indicatorSet)
	c.AgeGroups = sortedKeys(ageSet)
	if len(descriptions) > 0 {
		c.AvgConfidence = confSum / float64(len(descriptions))
	}
	return c
}

// Vulnerability is the outcome of context classification for a person
// track.
type Vulnerability struct {
	Vulnerable bool
	Type       string
	Reason     string
	Confidence float64
}

// ClassifyVulnerability applies the closed keyword sets to the consolidated
// context. Age group child or teenager forces the minor type.
func ClassifyVulnerability(c Consolidated) Vulnerability {
	for _, age := range c.AgeGroups {
		if age == "child" || age == "teenager" {
			return Vulnerability{
				Vulnerable: true,
				Type:       "minor",
				Reason:     fmt.Sprintf("age group %q indicates a minor", age),
				Confidence: 0.9,
			}
		}
	}

	terms := append(append([]string{}, c.Tags...), c.ContextIndicators...)
	terms = append(terms, c.Environments...)
	for _, term := range terms {
		for _, vulnType := range vulnerabilityOrder {
			for _, kw := range vulnerableContexts[vulnType] {
				if strings.Contains(term, kw) {
					return Vulnerability{
						Vulnerable: true,
						Type:       vulnType,
						Reason:     fmt.Sprintf("context indicator %q marks a vulnerable setting (%s)", term, vulnType),
						Confidence: 0.85,
					}
				}
			}
		}
	}
	for _, term := range terms {
		for _, kw := range normalContexts {
			if strings.Contains(term, kw) {
				return Vulnerability{
					Vulnerable: false,
					Reason:     fmt.Sprintf("context indicator %q marks an ordinary setting", term),
					Confidence: 0.8,
				}
			}
		}
	}

	// No recognized context either way: proportionality favors no special
	// protection.
	return Vulnerability{Vulnerable: false, Reason: "no recognized context indicators", Confidence: 0.6}
}

// FuseVerdicts combines per-frame verdicts for a non-person track by union
// of evidence.
func FuseVerdicts(verdicts []Verdict) Verdict {
	if len(verdicts) == 0 {
		return Normalize(Verdict{})
	}

	var fused Verdict
	var confSum, maxConf float64
	var violating []Verdict
	articleSets := make([][]int, 0, len(verdicts))

	for _, v := range verdicts {
		confSum += v.Confidence
		if v.Confidence > maxConf {
			maxConf = v.Confidence
		}
		fused.Mock = fused.Mock || v.Mock
		if v.IsViolation {
			violating = append(violating, v)
			articleSets = append(articleSets, v.ViolatedArticles)
			if actionPriority[v.RecommendedAction] > actionPriority[fused.RecommendedAction] {
				fused.RecommendedAction = v.RecommendedAction
			}
			if fused.Reasoning == "" {
				fused.Reasoning = v.Reasoning
			}
		}
	}

	fused.Confidence = confSum / float64(len(verdicts))
	fused.MaxConfidence = maxConf

	switch {
	case len(violating) >= 3:
		fused.IsViolation = true
		fused.Severity = SeverityCritical
	case len(violating) == 2:
		fused.IsViolation = true
		fused.Severity = SeverityHigh
	case len(violating) == 1:
		fused.IsViolation = true
		fused.Severity = violating[0].Severity
	default:
		fused.Severity = SeverityLow
		fused.RecommendedAction = ActionNone
		fused.Reasoning = "no violating frames"
	}
	fused.ViolatedArticles = unionArticles(articleSets...)
	return Normalize(fused)
}

// JudgePerson turns a consolidated person description into a verdict,
// enriched with retrieved legal context.
func (j *Judge) JudgePerson(ctx context.Context, c Consolidated) Verdict {
	vuln := ClassifyVulnerability(c)
	if !vuln.Vulnerable {
		return Normalize(Verdict{
			IsViolation:       false,
			Severity:          SeverityLow,
			Reasoning:         vuln.Reason + "; any visible face is handled by its own face track",
			RecommendedAction: ActionNone,
			Confidence:        vuln.Confidence,
			Mock:              c.AnyMock,
		})
	}

	severity := SeverityMedium
	switch vuln.Type {
	case "medical", "minor", "intimate":
		severity = SeverityHigh
	}

	articles := baseArticles["person"]
	var snippets []string
	if j.graph != nil {
		legal := j.graph.ContextForDetection(ctx, "person")
		for _, a := range legal {
			articles = unionArticles(articles, []int{a.Number})
		}
		query := fmt.Sprintf("person in %s context", vuln.Type)
		snippets = j.graph.HybridSearch(ctx, query, c.Tags, 3)
	}
	if len(snippets) > 3 {
		snippets = snippets[:3]
	}

	reasoning := vuln.Reason
	if len(snippets) > 0 {
		reasoning += "; legal context: " + strings.Join(snippets, " / ")
	}

	return Normalize(Verdict{
		IsViolation:       true,
		Severity:          severity,
		ViolatedArticles:  articles,
		Reasoning:         reasoning,
		RecommendedAction: ActionBlur,
		Confidence:        vuln.Confidence,
		Mock:              c.AnyMock,
	})
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// verdictSchema pins the shape every verdict must have before persistence.
const verdictSchema = `{
	"type": "object",
	"required": ["is_violation", "severity", "violated_articles", "reasoning", "recommended_action", "confidence"],
	"properties": {
		"is_violation": {"type": "boolean"},
		"severity": {"enum": ["low", "medium", "high", "critical"]},
		"violated_articles": {"type": "array", "items": {"type": "integer", "minimum": 1}},
		"reasoning": {"type": "string"},
		"recommended_action": {"enum": ["none", "blur", "pixelate", "mask"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"max_confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"mock": {"type": "boolean"}
	}
}`

// Normalize fills defaults for missing or out-of-range fields and asserts
// the result matches the verdict schema.
func Normalize(v Verdict) Verdict {
	if v.Severity == "" {
		v.Severity = SeverityLow
	}
	if v.RecommendedAction == "" {
		v.RecommendedAction = ActionNone
	}
	if v.ViolatedArticles == nil {
		v.ViolatedArticles = []int{}
	}
	if v.Reasoning == "" {
		v.Reasoning = "no reasoning provided"
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	if v.MaxConfidence < v.Confidence {
		v.MaxConfidence = v.Confidence
	}
	return v
}

// ValidateVerdict checks a serialized verdict against the schema. Used by
// tests and by the persistence layer before writing records.
func ValidateVerdict(v Verdict) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return validateAgainstSchema(raw)
}
