package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/occultashield/shield-api/anonymize"
	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/db"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/errors"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/occultashield/shield-api/progress"
	"github.com/occultashield/shield-api/video"
)

// Decision is one reviewer choice for a verification record.
type Decision struct {
	VerificationID     string `json:"verification_id"`
	Action             string `json:"action"`
	ConfirmedViolation bool   `json:"confirmed_violation"`
	RejectionReason    string `json:"rejection_reason,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

const ActionNoModify = "no_modify"

var validDecisionActions = map[string]bool{
	ActionNoModify: true,
	"blur":         true,
	"pixelate":     true,
	"mask":         true,
}

// ErrNotReviewable means the video was not waiting for review when decisions
// arrived.
var ErrNotReviewable = stderrors.New("video is not waiting for review")

// ApplyDecisions validates and persists the reviewer's decisions, claims the
// review → editing transition, then runs phase-2 in the background.
func (c *Coordinator) ApplyDecisions(videoID, userID string, decisions []Decision) error {
	for _, d := range decisions {
		if d.VerificationID == "" {
			return fmt.Errorf("decision missing verification_id")
		}
		if !validDecisionActions[d.Action] {
			return fmt.Errorf("invalid decision action %q", d.Action)
		}
	}

	won, err := c.store.CompareAndSetStatus(videoID, db.StatusWaitingForReview, db.StatusEditing)
	if err != nil {
		return err
	}
	if !won {
		return ErrNotReviewable
	}

	for _, d := range decisions {
		err := c.store.CreateDecision(db.DecisionRecord{
			VerificationID:     d.VerificationID,
			VideoID:            videoID,
			UserID:             userID,
			Action:             d.Action,
			ConfirmedViolation: d.ConfirmedViolation,
			RejectionReason:    d.RejectionReason,
			Notes:              d.Notes,
		})
		if err != nil {
			log.Log(videoID, "error persisting decision", "verification_id", d.VerificationID, "err", err)
		}
	}

	go func() {
		if err := recovered(videoID, "phase-2", func() error {
			c.runPhase2(videoID, decisions)
			return nil
		}); err != nil {
			c.terminate(videoID, errors.Internal("pipeline panicked", err))
		}
	}()
	return nil
}

func (c *Coordinator) runPhase2(videoID string, decisions []Decision) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancels.Store(videoID, cancel)
	defer func() {
		cancel()
		c.cancels.Remove(videoID)
	}()

	c.broker.Register(videoID)
	err := c.anonymizePhase(ctx, videoID, decisions)

	success := fmt.Sprintf("%t", err == nil)
	metrics.Metrics.PipelineRuns.WithLabelValues("phase2", success).Inc()
	metrics.Metrics.PipelineDurationSec.WithLabelValues("phase2", success).Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			err = errors.Timeout("phase-2 deadline exceeded")
		case stderrors.Is(err, context.Canceled):
			err = errors.Cancelled("anonymization cancelled")
		}
		log.LogError(videoID, "phase-2 failed", err, "code", errors.CodeOf(err))
		if dbErr := c.store.SetError(videoID, err.Error()); dbErr != nil {
			log.Log(videoID, "error persisting failure status", "err", dbErr)
		}
		c.terminate(videoID, err)
	}
}

func (c *Coordinator) anonymizePhase(ctx context.Context, videoID string, decisions []Decision) error {
	v, err := c.store.GetVideo(videoID)
	if err != nil {
		return errors.Dependency("error loading video record", err)
	}
	input := video.InputVideo{
		Path:        v.OriginalPath,
		Width:       v.Width,
		Height:      v.Height,
		FPS:         v.FPS,
		TotalFrames: v.TotalFrames,
		Duration:    v.Duration,
	}

	actions, verifications, err := c.buildActions(videoID, decisions)
	if err != nil {
		return err
	}
	return c.anonymizeAndFinalize(ctx, videoID, input, actions, verifications)
}

// buildActions maps reviewer decisions onto per-track effect actions. One
// decision per verification; absence means no action, and no_modify skips
// the track explicitly.
func (c *Coordinator) buildActions(videoID string, decisions []Decision) ([]anonymize.Action, []db.VerificationRecord, error) {
	verifications, err := c.store.VerificationsForVideo(videoID)
	if err != nil {
		return nil, nil, errors.Dependency("error loading verifications", err)
	}
	detections, err := c.store.DetectionsForVideo(videoID)
	if err != nil {
		return nil, nil, errors.Dependency("error loading detections", err)
	}
	byID := map[string]db.DetectionRecord{}
	for _, rec := range detections {
		byID[rec.ID] = rec
	}
	decisionFor := map[string]Decision{}
	for _, d := range decisions {
		decisionFor[d.VerificationID] = d
	}

	var actions []anonymize.Action
	for _, ver := range verifications {
		d, ok := decisionFor[ver.ID]
		if !ok || d.Action == ActionNoModify {
			continue
		}
		effect := d.Action

		det, ok := byID[ver.DetectionID]
		if !ok {
			log.Log(videoID, "verification references unknown detection", "verification_id", ver.ID, "detection_id", ver.DetectionID)
			continue
		}
		action := anonymize.Action{
			Type:    effect,
			TrackID: det.TrackID,
			Boxes:   make(map[int]detection.BoundingBox, len(det.History)),
			Masks:   map[int][]float64{},
		}
		for _, box := range det.History {
			action.Boxes[box.Frame] = box
			if len(box.Mask) > 0 {
				action.Masks[box.Frame] = box.Mask
			}
		}
		actions = append(actions, action)
	}
	return actions, verifications, nil
}

// anonymizeAndFinalize writes the effect pass to an intermediate file, then
// remuxes it into the final output with scrubbed metadata. The partial
// intermediate is deleted on failure.
func (c *Coordinator) anonymizeAndFinalize(ctx context.Context, videoID string, input video.InputVideo, actions []anonymize.Action, verifications []db.VerificationRecord) error {
	c.broker.ChangePhase(videoID, progress.PhaseAnonymizing, fmt.Sprintf("anonymizing %d tracks", len(actions)))

	if err := os.MkdirAll(config.ProcessedDir(c.cfg.Storage.Root), 0755); err != nil {
		return errors.Resource("error creating output directory", err)
	}
	finalPath := config.ProcessedPath(c.cfg.Storage.Root, input.Path)
	intermediatePath := finalPath + ".part.mp4"

	c.gpu.Lock()
	err := runAnonymize(ctx, videoID, input, actions, intermediatePath, c.cfg.Edition, func(frame, total int) {
		c.broker.UpdateProgress(videoID, frame, total, "frames anonymized")
	})
	c.gpu.Unlock()
	if err != nil {
		if rmErr := os.Remove(intermediatePath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Log(videoID, "error removing partial output", "err", rmErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Resource("error running anonymization pass", err)
	}

	err = finalizeOutput(ctx, intermediatePath, finalPath, video.FinalizeOpts{
		VideoID:     videoID,
		Title:       "Anonymized Video",
		Artist:      "OccultaShield",
		Copyright:   "Processed for GDPR compliance",
		Description: "All personal data removed or obscured",
		CRF:         c.cfg.Edition.CRF,
		Preset:      c.cfg.Edition.Preset,
	})
	if err != nil {
		return errors.Resource("error finalizing output", err)
	}

	summary := buildSummary(verifications, actions)
	if err := c.store.SetSummary(videoID, summary); err != nil {
		log.Log(videoID, "error persisting video summary", "err", err)
	}
	if err := c.store.SetProcessedPath(videoID, finalPath); err != nil {
		return errors.Dependency("error persisting processed path", err)
	}

	c.broker.Complete(videoID, "processing complete")
	log.Log(videoID, "phase-2 complete", "output", finalPath, "actions", len(actions))
	return nil
}
