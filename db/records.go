package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/verification"
)

// Video lifecycle statuses as persisted. The anonymization phase is named
// "editing" in the store while the SSE surface calls it "anonymizing"; they
// are one state.
const (
	StatusPending          = "pending"
	StatusProcessing       = "processing"
	StatusDetected         = "detected"
	StatusVerifying        = "verifying"
	StatusVerified         = "verified"
	StatusWaitingForReview = "waiting_for_review"
	StatusEditing          = "editing"
	StatusCompleted        = "completed"
	StatusError            = "error"
)

const (
	tableVideo        = "video"
	tableDetection    = "detection"
	tableVerification = "verification"
	tableDecision     = "decision"
)

// Video is the persisted source record: immutable probe metadata plus the
// mutable lifecycle state.
type Video struct {
	ID            string  `json:"id,omitempty"`
	UserID        string  `json:"user_id"`
	Filename      string  `json:"filename"`
	OriginalPath  string  `json:"original_path"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	FPS           float64 `json:"fps"`
	TotalFrames   int     `json:"total_frames"`
	Duration      float64 `json:"duration_seconds"`
	Status        string  `json:"status"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ProcessedPath string  `json:"processed_path,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	CreatedAt     string  `json:"created_at,omitempty"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
}

// DetectionRecord is the persisted projection of one track, with its box
// history and captures inline so the anonymizer can reconstruct geometry
// without re-running detection.
type DetectionRecord struct {
	ID            string                    `json:"id,omitempty"`
	VideoID       string                    `json:"video_id"`
	TrackID       int                       `json:"track_id"`
	Type          string                    `json:"detection_type"`
	History       []detection.BoundingBox   `json:"history"`
	Captures      []detection.Capture       `json:"captures"`
	FirstFrame    int                       `json:"first_frame"`
	LastFrame     int                       `json:"last_frame"`
	AvgConfidence float64                   `json:"avg_confidence"`
	MaxConfidence float64                   `json:"max_confidence"`
}

// VerificationRecord is the Judge's persisted per-track verdict. The
// detection back-reference is written as detection_id; legacy rows that
// used the bare "detection" field are still read.
type VerificationRecord struct {
	ID                string   `json:"id,omitempty"`
	DetectionID       string   `json:"detection_id"`
	LegacyDetection   string   `json:"detection,omitempty"`
	VideoID           string   `json:"video_id"`
	TrackID           int      `json:"track_id"`
	Type              string   `json:"detection_type"`
	IsViolation       bool     `json:"is_violation"`
	Severity          string   `json:"severity"`
	ViolatedArticles  []int    `json:"violated_articles"`
	Reasoning         string   `json:"reasoning"`
	RecommendedAction string   `json:"recommended_action"`
	Confidence        float64  `json:"confidence"`
	MaxConfidence     float64  `json:"max_confidence"`
	Mock              bool     `json:"mock,omitempty"`
	VulnerabilityType string   `json:"vulnerability_type,omitempty"`
	Summary           string   `json:"summary,omitempty"`
}

// DecisionRecord is one reviewer decision on a verification.
type DecisionRecord struct {
	ID                 string `json:"id,omitempty"`
	VerificationID     string `json:"verification_id"`
	VideoID            string `json:"video_id"`
	UserID             string `json:"user_id"`
	Action             string `json:"action"`
	ConfirmedViolation bool   `json:"confirmed_violation"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
	Notes              string `json:"notes,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateVideo persists a new pending video. A fresh UUID is assigned when
// the caller does not bring one.
func (s *Store) CreateVideo(v Video) (string, error) {
	v.Status = StatusPending
	v.CreatedAt = now()
	v.UpdatedAt = v.CreatedAt
	id := v.ID
	if id == "" {
		id = uuid.New().String()
	}
	v.ID = ""
	db, err := s.conn()
	if err != nil {
		return "", err
	}
	if _, err := db.Create(thing(tableVideo, id), v); err != nil {
		return "", fmt.Errorf("error creating video record %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) GetVideo(videoID string) (Video, error) {
	db, err := s.conn()
	if err != nil {
		return Video{}, err
	}
	raw, err := db.Select(thing(tableVideo, videoID))
	if err != nil {
		return Video{}, fmt.Errorf("error selecting video %s: %w", videoID, err)
	}
	var v Video
	if err := decode(raw, &v); err != nil {
		return Video{}, fmt.Errorf("error decoding video %s: %w", videoID, err)
	}
	if v.Status == "" {
		return Video{}, fmt.Errorf("video %s not found", videoID)
	}
	return v, nil
}

// SetStatus unconditionally moves the video to status.
func (s *Store) SetStatus(videoID, status string) error {
	return s.mergeVideo(videoID, map[string]interface{}{"status": status})
}

func (s *Store) SetError(videoID, message string) error {
	return s.mergeVideo(videoID, map[string]interface{}{
		"status":        StatusError,
		"error_message": message,
	})
}

func (s *Store) SetProcessedPath(videoID, path string) error {
	return s.mergeVideo(videoID, map[string]interface{}{
		"status":         StatusCompleted,
		"processed_path": path,
	})
}

// SetProbeData fills the immutable source metadata once probing succeeds.
func (s *Store) SetProbeData(videoID string, width, height int, fps float64, totalFrames int, duration float64) error {
	return s.mergeVideo(videoID, map[string]interface{}{
		"width":            width,
		"height":           height,
		"fps":              fps,
		"total_frames":     totalFrames,
		"duration_seconds": duration,
	})
}

func (s *Store) SetSummary(videoID, summary string) error {
	return s.mergeVideo(videoID, map[string]interface{}{"summary": summary})
}

func (s *Store) mergeVideo(videoID string, patch map[string]interface{}) error {
	patch["updated_at"] = now()
	db, err := s.conn()
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s MERGE $patch", thing(tableVideo, videoID))
	if _, err := db.Query(query, map[string]interface{}{"patch": patch}); err != nil {
		return fmt.Errorf("error updating video %s: %w", videoID, err)
	}
	return nil
}

// CompareAndSetStatus atomically transitions from → to. Returns false when
// the video was not in the expected status, so concurrent auto-start
// launchers serialize on it.
func (s *Store) CompareAndSetStatus(videoID, from, to string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(
		"UPDATE %s SET status = $to, updated_at = $now WHERE status = $from RETURN AFTER",
		thing(tableVideo, videoID),
	)
	raw, err := db.Query(query, map[string]interface{}{"to": to, "from": from, "now": now()})
	if err != nil {
		return false, fmt.Errorf("error transitioning video %s %s->%s: %w", videoID, from, to, err)
	}
	rows, err := queryRows(raw)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// CreateDetections persists the detection batch after the detection phase
// completes. Individual bad records are logged and skipped; losing every
// record aborts the phase.
func (s *Store) CreateDetections(videoID string, records []DetectionRecord) ([]DetectionRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	created := make([]DetectionRecord, 0, len(records))
	var failed int
	for _, rec := range records {
		rec.VideoID = videoID
		raw, err := db.Create(tableDetection, rec)
		if err != nil {
			failed++
			log.Log(videoID, "error persisting detection record", "track_id", rec.TrackID, "err", err)
			continue
		}
		var out []DetectionRecord
		if err := decode(raw, &out); err != nil || len(out) == 0 {
			var single DetectionRecord
			if err := decode(raw, &single); err != nil {
				failed++
				log.Log(videoID, "error decoding created detection record", "track_id", rec.TrackID, "err", err)
				continue
			}
			out = []DetectionRecord{single}
		}
		created = append(created, out[0])
	}
	if failed > 0 && len(created) == 0 {
		return nil, fmt.Errorf("all %d detection records failed to persist", failed)
	}
	return created, nil
}

func (s *Store) DetectionsForVideo(videoID string) ([]DetectionRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	raw, err := db.Query("SELECT * FROM detection WHERE video_id = $video ORDER BY track_id", map[string]interface{}{"video": videoID})
	if err != nil {
		return nil, fmt.Errorf("error listing detections for video %s: %w", videoID, err)
	}
	rows, err := queryRows(raw)
	if err != nil {
		return nil, err
	}
	records := make([]DetectionRecord, 0, len(rows))
	for _, row := range rows {
		var rec DetectionRecord
		if err := decode(row, &rec); err != nil {
			return nil, fmt.Errorf("error decoding detection record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// CreateVerifications persists the per-track verdicts.
func (s *Store) CreateVerifications(videoID string, records []VerificationRecord) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	var failed int
	for _, rec := range records {
		rec.VideoID = videoID
		if err := verification.ValidateVerdict(verification.Verdict{
			IsViolation:       rec.IsViolation,
			Severity:          rec.Severity,
			ViolatedArticles:  rec.ViolatedArticles,
			Reasoning:         rec.Reasoning,
			RecommendedAction: rec.RecommendedAction,
			Confidence:        rec.Confidence,
			MaxConfidence:     rec.MaxConfidence,
		}); err != nil {
			failed++
			log.Log(videoID, "verdict failed validation, not persisting", "track_id", rec.TrackID, "err", err)
			continue
		}
		if _, err := db.Create(tableVerification, rec); err != nil {
			failed++
			log.Log(videoID, "error persisting verification record", "track_id", rec.TrackID, "err", err)
		}
	}
	if failed > 0 && failed == len(records) {
		return fmt.Errorf("all %d verification records failed to persist", failed)
	}
	return nil
}

func (s *Store) VerificationsForVideo(videoID string) ([]VerificationRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	raw, err := db.Query("SELECT * FROM verification WHERE video_id = $video ORDER BY track_id", map[string]interface{}{"video": videoID})
	if err != nil {
		return nil, fmt.Errorf("error listing verifications for video %s: %w", videoID, err)
	}
	rows, err := queryRows(raw)
	if err != nil {
		return nil, err
	}
	records := make([]VerificationRecord, 0, len(rows))
	for _, row := range rows {
		var rec VerificationRecord
		if err := decode(row, &rec); err != nil {
			return nil, fmt.Errorf("error decoding verification record: %w", err)
		}
		// Legacy rows carry the back-reference under "detection".
		if rec.DetectionID == "" {
			rec.DetectionID = rec.LegacyDetection
		}
		rec.LegacyDetection = ""
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) CreateDecision(rec DecisionRecord) error {
	rec.CreatedAt = now()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Create(tableDecision, rec); err != nil {
		return fmt.Errorf("error creating decision record: %w", err)
	}
	return nil
}

// RecoverInterrupted marks every video stuck mid-phase as errored. Phases
// cannot be resumed after a restart; a retry is a fresh start.
func (s *Store) RecoverInterrupted() (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	raw, err := db.Query(
		"UPDATE video SET status = $error, error_message = $msg, updated_at = $now WHERE status IN $stuck RETURN AFTER",
		map[string]interface{}{
			"error": StatusError,
			"msg":   "processing interrupted by server restart",
			"now":   now(),
			"stuck": []string{StatusProcessing, StatusVerifying, StatusEditing},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("error recovering interrupted videos: %w", err)
	}
	rows, err := queryRows(raw)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
