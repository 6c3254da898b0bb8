package verification

import (
	"context"
	"testing"

	"github.com/occultashield/shield-api/clients"
	"github.com/occultashield/shield-api/knowledge"
	"github.com/stretchr/testify/require"
)

func TestRuleVerdictTable(t *testing.T) {
	face := RuleVerdict("face", nil)
	require.True(t, face.IsViolation)
	require.Equal(t, SeverityHigh, face.Severity)
	require.Equal(t, ActionBlur, face.RecommendedAction)
	require.GreaterOrEqual(t, face.Confidence, 0.95)
	require.Equal(t, []int{6, 9}, face.ViolatedArticles)

	plate := RuleVerdict("license_plate", []int{6, 83})
	require.True(t, plate.IsViolation)
	require.Equal(t, ActionPixelate, plate.RecommendedAction)
	require.GreaterOrEqual(t, plate.Confidence, 0.90)
	require.Equal(t, []int{6, 83}, plate.ViolatedArticles)

	other := RuleVerdict("cat", nil)
	require.False(t, other.IsViolation)
	require.Equal(t, ActionNone, other.RecommendedAction)
}

func TestFuseVerdictsSeverityEscalation(t *testing.T) {
	violation := Verdict{IsViolation: true, Severity: SeverityMedium, RecommendedAction: ActionBlur, Confidence: 0.8, ViolatedArticles: []int{6}}

	one := FuseVerdicts([]Verdict{violation})
	require.True(t, one.IsViolation)
	require.Equal(t, SeverityMedium, one.Severity)

	two := FuseVerdicts([]Verdict{violation, violation})
	require.Equal(t, SeverityHigh, two.Severity)

	three := FuseVerdicts([]Verdict{violation, violation, violation})
	require.Equal(t, SeverityCritical, three.Severity)
}

func TestFuseVerdictsUnionOfEvidence(t *testing.T) {
	fused := FuseVerdicts([]Verdict{
		{IsViolation: false, Severity: SeverityLow, RecommendedAction: ActionNone, Confidence: 0.6},
		{IsViolation: true, Severity: SeverityHigh, RecommendedAction: ActionBlur, Confidence: 0.9, ViolatedArticles: []int{9, 6}},
		{IsViolation: true, Severity: SeverityHigh, RecommendedAction: ActionMask, Confidence: 0.7, ViolatedArticles: []int{5}},
	})
	require.True(t, fused.IsViolation)
	require.Equal(t, SeverityHigh, fused.Severity)
	// Most protective action wins.
	require.Equal(t, ActionMask, fused.RecommendedAction)
	require.Equal(t, []int{5, 6, 9}, fused.ViolatedArticles)
	require.InDelta(t, (0.6+0.9+0.7)/3, fused.Confidence, 1e-9)
	require.Equal(t, 0.9, fused.MaxConfidence)
}

func TestFuseVerdictsNoViolations(t *testing.T) {
	fused := FuseVerdicts([]Verdict{
		{IsViolation: false, Confidence: 0.8},
		{IsViolation: false, Confidence: 0.6},
	})
	require.False(t, fused.IsViolation)
	require.Equal(t, ActionNone, fused.RecommendedAction)
}

func TestClassifyVulnerability(t *testing.T) {
	minor := ClassifyVulnerability(Consolidated{AgeGroups: []string{"child"}, Tags: []string{"workplace"}})
	require.True(t, minor.Vulnerable)
	require.Equal(t, "minor", minor.Type)

	medical := ClassifyVulnerability(Consolidated{AgeGroups: []string{"adult"}, ContextIndicators: []string{"medical"}})
	require.True(t, medical.Vulnerable)
	require.Equal(t, "medical", medical.Type)

	normal := ClassifyVulnerability(Consolidated{AgeGroups: []string{"adult"}, Tags: []string{"public_space"}})
	require.False(t, normal.Vulnerable)
	require.Equal(t, 0.8, normal.Confidence)

	unmatched := ClassifyVulnerability(Consolidated{AgeGroups: []string{"adult"}, Tags: []string{"sunny"}})
	require.False(t, unmatched.Vulnerable)
	require.Equal(t, 0.6, unmatched.Confidence)
}

func TestHospitalContextIsMedical(t *testing.T) {
	v := ClassifyVulnerability(Consolidated{
		AgeGroups: []string{"adult"},
		Tags:      []string{"hospital_gown", "medical_setting"},
	})
	require.True(t, v.Vulnerable)
	require.Equal(t, "medical", v.Type)

	j := NewJudge(stubGraph{})
	verdict := j.JudgePerson(context.Background(), Consolidated{
		AgeGroups: []string{"adult"},
		Tags:      []string{"hospital_gown", "medical_setting"},
	})
	require.True(t, verdict.IsViolation)
	require.Equal(t, SeverityHigh, verdict.Severity)
	require.Equal(t, ActionBlur, verdict.RecommendedAction)
	require.Subset(t, verdict.ViolatedArticles, []int{6, 9})
}

func TestBeachContextIsNormal(t *testing.T) {
	v := ClassifyVulnerability(Consolidated{
		AgeGroups: []string{"adult"},
		Tags:      []string{"swimwear", "beach"},
	})
	require.False(t, v.Vulnerable)
}

func TestConsolidate(t *testing.T) {
	c := Consolidate([]clients.WitnessDescription{
		{VisualSummary: "person at a desk", Tags: []string{"Indoor", "desk"}, Environment: "office", AgeGroup: "adult", Confidence: 0.8},
		{VisualSummary: "person standing", Tags: []string{"indoor"}, Environment: "office", AgeGroup: "adult", Confidence: 0.6, Mock: true},
	})
	require.Equal(t, "person at a desk | person standing", c.Summary)
	require.Equal(t, []string{"desk", "indoor"}, c.Tags)
	require.Equal(t, []string{"office"}, c.Environments)
	require.Equal(t, []string{"adult"}, c.AgeGroups)
	require.InDelta(t, 0.7, c.AvgConfidence, 1e-9)
	require.True(t, c.AnyMock)
}

type stubGraph struct{}

func (stubGraph) ContextForDetection(context.Context, string) []knowledge.Article {
	return []knowledge.Article{{Number: 9, Title: "Special categories", Content: "biometric data"}}
}

func (stubGraph) HybridSearch(context.Context, string, []string, int) []string {
	return []string{"Article 9: special categories", "Article 6: lawfulness"}
}

func TestJudgePersonVulnerable(t *testing.T) {
	j := NewJudge(stubGraph{})
	v := j.JudgePerson(context.Background(), Consolidated{
		ContextIndicators: []string{"medical"},
		AgeGroups:         []string{"adult"},
	})
	require.True(t, v.IsViolation)
	require.Equal(t, SeverityHigh, v.Severity)
	require.Equal(t, ActionBlur, v.RecommendedAction)
	require.Contains(t, v.ViolatedArticles, 6)
	require.Contains(t, v.ViolatedArticles, 9)
	require.Contains(t, v.Reasoning, "legal context")
}

func TestJudgePersonNormal(t *testing.T) {
	j := NewJudge(stubGraph{})
	v := j.JudgePerson(context.Background(), Consolidated{
		Tags:      []string{"public_space"},
		AgeGroups: []string{"adult"},
	})
	require.False(t, v.IsViolation)
	require.Equal(t, ActionNone, v.RecommendedAction)
	require.Contains(t, v.Reasoning, "face track")
}

func TestNormalizeAndValidate(t *testing.T) {
	v := Normalize(Verdict{Confidence: 1.5})
	require.Equal(t, SeverityLow, v.Severity)
	require.Equal(t, ActionNone, v.RecommendedAction)
	require.NotNil(t, v.ViolatedArticles)
	require.Equal(t, 1.0, v.Confidence)
	require.NoError(t, ValidateVerdict(v))

	require.Error(t, ValidateVerdict(Verdict{Severity: "catastrophic", RecommendedAction: ActionNone, ViolatedArticles: []int{}, Reasoning: "x"}))
}
