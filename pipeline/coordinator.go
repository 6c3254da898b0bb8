package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/occultashield/shield-api/anonymize"
	"github.com/occultashield/shield-api/cache"
	"github.com/occultashield/shield-api/capture"
	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/db"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/errors"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/occultashield/shield-api/progress"
	"github.com/occultashield/shield-api/tracker"
	"github.com/occultashield/shield-api/verification"
	"github.com/occultashield/shield-api/video"
)

// Store is the slice of the record store the coordinator drives.
type Store interface {
	GetVideo(videoID string) (db.Video, error)
	SetStatus(videoID, status string) error
	SetError(videoID, message string) error
	SetProcessedPath(videoID, path string) error
	SetProbeData(videoID string, width, height int, fps float64, totalFrames int, duration float64) error
	SetSummary(videoID, summary string) error
	CompareAndSetStatus(videoID, from, to string) (bool, error)
	CreateDetections(videoID string, records []db.DetectionRecord) ([]db.DetectionRecord, error)
	DetectionsForVideo(videoID string) ([]db.DetectionRecord, error)
	CreateVerifications(videoID string, records []db.VerificationRecord) error
	VerificationsForVideo(videoID string) ([]db.VerificationRecord, error)
	CreateDecision(rec db.DecisionRecord) error
}

// Detector is the slice of the detection pool the frame loop needs.
type Detector interface {
	DetectBatch(ctx context.Context, frames []*video.Frame) (map[int][]detection.TypedBox, error)
	Strategy() detection.Strategy
}

// Verifier runs the verification phase over the persisted captures.
type Verifier interface {
	Run(ctx context.Context, videoID string, requests []verification.Request, onProgress func(done, total int)) ([]verification.TrackVerdict, error)
}

// FrameSource yields decoded frame batches in order.
type FrameSource interface {
	ReadBatch(ctx context.Context, batchSize int) ([]*video.Frame, error)
	Close()
}

// Seams for the ffmpeg-backed pieces, overridden in tests.
var (
	newFrameSource = func(ctx context.Context, videoID string, input video.InputVideo) (FrameSource, error) {
		return video.NewFrameReader(ctx, videoID, input)
	}
	runAnonymize   = anonymize.Run
	finalizeOutput = video.Finalize
)

// Coordinator drives both pipeline phases for all videos of the process. The
// GPU lock serializes detection and anonymization across videos.
type Coordinator struct {
	store    Store
	broker   *progress.Broker
	detector Detector
	verifier Verifier
	prober   video.Prober
	cfg      config.File
	timeout  time.Duration

	gpu     sync.Mutex
	cancels *cache.Cache[context.CancelFunc]
}

func NewCoordinator(store Store, broker *progress.Broker, detector Detector, verifier Verifier, prober video.Prober, cfg config.File, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Coordinator{
		store:    store,
		broker:   broker,
		detector: detector,
		verifier: verifier,
		prober:   prober,
		cfg:      cfg,
		timeout:  timeout,
		cancels:  cache.New[context.CancelFunc](),
	}
}

// AutoStart transitions pending → processing and launches phase-1 in the
// background. Only one caller wins the CAS; everyone else observes the
// already-running job.
func (c *Coordinator) AutoStart(videoID string) (bool, error) {
	v, err := c.store.GetVideo(videoID)
	if err != nil {
		return false, err
	}
	if v.Status != db.StatusPending {
		return false, nil
	}
	won, err := c.store.CompareAndSetStatus(videoID, db.StatusPending, db.StatusProcessing)
	if err != nil || !won {
		return false, err
	}
	go func() {
		if err := recovered(videoID, "phase-1", func() error {
			c.StartPipeline(videoID, v.OriginalPath)
			return nil
		}); err != nil {
			c.terminate(videoID, errors.Internal("pipeline panicked", err))
		}
	}()
	return true, nil
}

// Cancel fires the video's cancellation token. Returns false when no phase is
// running for it.
func (c *Coordinator) Cancel(videoID string) bool {
	cancel := c.cancels.Get(videoID)
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// StartPipeline runs phase-1 (probe, detect, verify) to waiting_for_review,
// or straight to completed when the video has nothing to review. Exactly one
// terminal event is emitted on failure.
func (c *Coordinator) StartPipeline(videoID, inputPath string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancels.Store(videoID, cancel)
	defer func() {
		cancel()
		c.cancels.Remove(videoID)
	}()

	c.broker.Register(videoID)
	err := c.runPhase1(ctx, videoID, inputPath)

	success := fmt.Sprintf("%t", err == nil)
	metrics.Metrics.PipelineRuns.WithLabelValues("phase1", success).Inc()
	metrics.Metrics.PipelineDurationSec.WithLabelValues("phase1", success).Observe(time.Since(start).Seconds())

	if err != nil {
		c.failPhase1(ctx, videoID, inputPath, err)
	}
}

func (c *Coordinator) runPhase1(ctx context.Context, videoID, inputPath string) error {
	input, err := c.prober.ProbeFile(videoID, inputPath)
	if err != nil {
		return err
	}
	if err := c.store.SetProbeData(videoID, input.Width, input.Height, input.FPS, input.TotalFrames, input.Duration); err != nil {
		log.Log(videoID, "error persisting probe data", "err", err)
	}
	log.AddContext(videoID, "total_frames", input.TotalFrames, "fps", input.FPS)

	result, err := c.detectPhase(ctx, videoID, input)
	if err != nil {
		return err
	}
	tracks := result.Tracks
	metrics.Metrics.TracksPerVideo.Observe(float64(len(tracks)))

	if len(tracks) == 0 {
		// Nothing to review: strip metadata and finish.
		log.Log(videoID, "no detections, skipping review")
		if err := c.store.SetStatus(videoID, db.StatusEditing); err != nil {
			return errors.Dependency("error updating video status", err)
		}
		if err := c.anonymizeAndFinalize(ctx, videoID, input, nil, nil); err != nil {
			return err
		}
		return nil
	}

	records := detectionRecords(videoID, tracks)
	created, err := c.store.CreateDetections(videoID, records)
	if err != nil {
		return errors.Dependency("error persisting detections", err)
	}
	if err := c.store.SetStatus(videoID, db.StatusDetected); err != nil {
		return errors.Dependency("error updating video status", err)
	}

	verdicts, err := c.verifyPhase(ctx, videoID, created)
	if err != nil {
		return err
	}

	if err := c.store.CreateVerifications(videoID, verificationRecords(videoID, verdicts)); err != nil {
		return errors.Dependency("error persisting verifications", err)
	}
	if err := c.store.SetStatus(videoID, db.StatusVerified); err != nil {
		return errors.Dependency("error updating video status", err)
	}

	// Even an all-clear verification keeps the human in the loop: any
	// detection means a reviewer signs off.
	if err := c.store.SetStatus(videoID, db.StatusWaitingForReview); err != nil {
		return errors.Dependency("error updating video status", err)
	}
	c.broker.ChangePhase(videoID, progress.PhaseWaitingForReview, fmt.Sprintf("%d tracks awaiting review", len(verdicts)))
	log.Log(videoID, "phase-1 complete", "tracks", len(tracks), "verdicts", len(verdicts), "by_type", fmt.Sprint(result.CountByType))
	return nil
}

// detectPhase runs the frame loop under the GPU lock: decode, detect, track
// and capture.
func (c *Coordinator) detectPhase(ctx context.Context, videoID string, input video.InputVideo) (detection.DetectionResult, error) {
	c.broker.ChangePhase(videoID, progress.PhaseDetecting, "detection started")

	c.gpu.Lock()
	defer c.gpu.Unlock()

	source, err := newFrameSource(ctx, videoID, input)
	if err != nil {
		return detection.DetectionResult{}, errors.Resource("error opening frame decoder", err)
	}
	defer source.Close()

	trk := tracker.New(c.cfg.Tracking, input.FPS)
	captures := capture.NewManager(c.cfg.Processing, c.cfg.Storage.Root, videoID, input.FPS)
	batchSize := c.detector.Strategy().BatchSize
	processed := 0

	for {
		frames, readErr := source.ReadBatch(ctx, batchSize)
		if len(frames) > 0 {
			boxes, err := c.detector.DetectBatch(ctx, frames)
			if err != nil {
				return detection.DetectionResult{}, errors.Dependency("error running detection batch", err)
			}
			for _, frame := range frames {
				for _, lt := range trk.Observe(frame.Num, boxes[frame.Num]) {
					if lt.Hits == 1 && lt.Updated {
						c.broker.ReportDetection(videoID, progress.DetectionEvent{
							TrackID: lt.TrackID,
							Type:    lt.Type,
							Frame:   frame.Num,
							Conf:    lt.Box.Confidence,
						})
					}
					if snap := captures.Consider(frame, lt); snap != nil {
						trk.AddCapture(lt.TrackID, *snap)
					}
				}
				processed++
			}
			c.broker.UpdateProgress(videoID, processed, input.TotalFrames, "frames processed")
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return detection.DetectionResult{}, ctx.Err()
			}
			return detection.DetectionResult{}, errors.Resource("error decoding frames", readErr)
		}
		if err := ctx.Err(); err != nil {
			return detection.DetectionResult{}, err
		}
	}

	result := detection.DetectionResult{
		Tracks:      trk.Tracks(),
		TotalFrames: processed,
		CountByType: map[string]int{},
	}
	for _, tr := range result.Tracks {
		result.CountByType[tr.Type]++
	}
	return result, nil
}

func (c *Coordinator) verifyPhase(ctx context.Context, videoID string, records []db.DetectionRecord) ([]verification.TrackVerdict, error) {
	if err := c.store.SetStatus(videoID, db.StatusVerifying); err != nil {
		return nil, errors.Dependency("error updating video status", err)
	}
	c.broker.ChangePhase(videoID, progress.PhaseVerifying, "verification started")

	var requests []verification.Request
	for _, rec := range records {
		for _, snap := range rec.Captures {
			requests = append(requests, verification.Request{
				ImagePath:    snap.ImagePath,
				DetectionID:  rec.ID,
				TrackID:      rec.TrackID,
				Type:         rec.Type,
				BBox:         snap.BBox,
				Frame:        snap.Frame,
				TimestampSec: snap.TimestampSec,
			})
		}
	}

	verdicts, err := c.verifier.Run(ctx, videoID, requests, func(done, total int) {
		c.broker.UpdateProgress(videoID, done, total, "tracks verified")
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Dependency("error running verification", err)
	}

	for _, tv := range verdicts {
		c.broker.ReportVerification(videoID, progress.VerificationEvent{
			TrackID:     tv.TrackID,
			Type:        tv.Type,
			IsViolation: tv.Verdict.IsViolation,
			Severity:    tv.Verdict.Severity,
		})
	}
	return verdicts, nil
}

// failPhase1 maps the failure onto the error taxonomy, cleans up and emits
// the terminal event.
func (c *Coordinator) failPhase1(ctx context.Context, videoID, inputPath string, err error) {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded) || (ctx.Err() == context.DeadlineExceeded && stderrors.Is(err, context.Canceled)):
		err = errors.Timeout("phase-1 deadline exceeded")
	case stderrors.Is(err, context.Canceled):
		err = errors.Cancelled("processing cancelled")
	}
	code := errors.CodeOf(err)
	log.LogError(videoID, "phase-1 failed", err, "code", code)

	if code == errors.CodeInvalidInput {
		// The phase never started: the upload is unusable, drop it and leave
		// the record pending.
		if rmErr := os.Remove(inputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Log(videoID, "error deleting invalid upload", "err", rmErr)
		}
		if dbErr := c.store.SetStatus(videoID, db.StatusPending); dbErr != nil {
			log.Log(videoID, "error resetting status after invalid input", "err", dbErr)
		}
	} else {
		c.cleanCaptures(videoID)
		if dbErr := c.store.SetError(videoID, err.Error()); dbErr != nil {
			log.Log(videoID, "error persisting failure status", "err", dbErr)
		}
	}
	c.terminate(videoID, err)
}

// terminate emits the single terminal error event for a failed run.
func (c *Coordinator) terminate(videoID string, err error) {
	c.broker.Error(videoID, progress.ErrorInfo{
		Code:        errors.CodeOf(err),
		Message:     err.Error(),
		Detail:      errors.DetailOf(err),
		Recoverable: errors.IsRecoverable(err),
	})
}

func (c *Coordinator) cleanCaptures(videoID string) {
	dir := config.CapturesDir(c.cfg.Storage.Root, videoID)
	if err := os.RemoveAll(dir); err != nil {
		log.Log(videoID, "error cleaning captures", "dir", dir, "err", err)
	}
}

func detectionRecords(videoID string, tracks []*detection.TrackedDetection) []db.DetectionRecord {
	records := make([]db.DetectionRecord, 0, len(tracks))
	for _, tr := range tracks {
		captures := make([]detection.Capture, 0, len(tr.Captures))
		captures = append(captures, tr.Captures...)
		records = append(records, db.DetectionRecord{
			VideoID:       videoID,
			TrackID:       tr.TrackID,
			Type:          tr.Type,
			History:       tr.History,
			Captures:      captures,
			FirstFrame:    tr.FirstFrame(),
			LastFrame:     tr.LastFrame(),
			AvgConfidence: tr.AvgConfidence(),
			MaxConfidence: tr.MaxConfidence(),
		})
	}
	return records
}

func verificationRecords(videoID string, verdicts []verification.TrackVerdict) []db.VerificationRecord {
	records := make([]db.VerificationRecord, 0, len(verdicts))
	for _, tv := range verdicts {
		rec := db.VerificationRecord{
			DetectionID:       tv.DetectionID,
			VideoID:           videoID,
			TrackID:           tv.TrackID,
			Type:              tv.Type,
			IsViolation:       tv.Verdict.IsViolation,
			Severity:          tv.Verdict.Severity,
			ViolatedArticles:  tv.Verdict.ViolatedArticles,
			Reasoning:         tv.Verdict.Reasoning,
			RecommendedAction: tv.Verdict.RecommendedAction,
			Confidence:        tv.Verdict.Confidence,
			MaxConfidence:     tv.Verdict.MaxConfidence,
			Mock:              tv.Verdict.Mock,
			Summary:           tv.Summary,
		}
		if tv.Vulnerability != nil && tv.Vulnerability.Vulnerable {
			rec.VulnerabilityType = tv.Vulnerability.Type
		}
		records = append(records, rec)
	}
	return records
}
