package pipeline

import (
	"encoding/json"

	"github.com/occultashield/shield-api/anonymize"
	"github.com/occultashield/shield-api/db"
)

// videoSummary is the compliance projection persisted on completion.
type videoSummary struct {
	TotalTracks        int            `json:"total_tracks"`
	Violations         int            `json:"violations"`
	ViolationsByType   map[string]int `json:"violations_by_type,omitempty"`
	BySeverity         map[string]int `json:"by_severity,omitempty"`
	TracksModified     int            `json:"tracks_modified"`
	ComplianceStatus   string         `json:"compliance_status"`
	MockVerifications  int            `json:"mock_verifications,omitempty"`
}

func buildSummary(verifications []db.VerificationRecord, actions []anonymize.Action) string {
	s := videoSummary{
		TotalTracks:      len(verifications),
		ViolationsByType: map[string]int{},
		BySeverity:       map[string]int{},
		TracksModified:   len(actions),
	}
	for _, v := range verifications {
		if v.Mock {
			s.MockVerifications++
		}
		if !v.IsViolation {
			continue
		}
		s.Violations++
		s.ViolationsByType[v.Type]++
		s.BySeverity[v.Severity]++
	}

	switch {
	case s.Violations == 0:
		s.ComplianceStatus = "compliant"
	case s.TracksModified > 0:
		s.ComplianceStatus = "anonymized"
	default:
		s.ComplianceStatus = "violations_unresolved"
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}
