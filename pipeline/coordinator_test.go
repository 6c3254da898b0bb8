package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/occultashield/shield-api/anonymize"
	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/db"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/errors"
	"github.com/occultashield/shield-api/progress"
	"github.com/occultashield/shield-api/verification"
	"github.com/occultashield/shield-api/video"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu            sync.Mutex
	video         db.Video
	statuses      []string
	detections    []db.DetectionRecord
	verifications []db.VerificationRecord
	decisions     []db.DecisionRecord
	summary       string
	processedPath string
	errMsg        string
}

func (s *fakeStore) GetVideo(string) (db.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video, nil
}

func (s *fakeStore) SetStatus(_, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video.Status = status
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) SetError(_, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video.Status = db.StatusError
	s.statuses = append(s.statuses, db.StatusError)
	s.errMsg = message
	return nil
}

func (s *fakeStore) SetProcessedPath(_, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video.Status = db.StatusCompleted
	s.statuses = append(s.statuses, db.StatusCompleted)
	s.processedPath = path
	return nil
}

func (s *fakeStore) SetProbeData(string, int, int, float64, int, float64) error { return nil }

func (s *fakeStore) SetSummary(_, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
	return nil
}

func (s *fakeStore) CompareAndSetStatus(_, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video.Status != from {
		return false, nil
	}
	s.video.Status = to
	s.statuses = append(s.statuses, to)
	return true, nil
}

func (s *fakeStore) CreateDetections(videoID string, records []db.DetectionRecord) ([]db.DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		records[i].ID = fmt.Sprintf("detection:%d", i+1)
	}
	s.detections = append(s.detections, records...)
	return records, nil
}

func (s *fakeStore) DetectionsForVideo(string) ([]db.DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detections, nil
}

func (s *fakeStore) CreateVerifications(_ string, records []db.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		records[i].ID = fmt.Sprintf("verification:%d", i+1)
	}
	s.verifications = append(s.verifications, records...)
	return nil
}

func (s *fakeStore) VerificationsForVideo(string) ([]db.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifications, nil
}

func (s *fakeStore) CreateDecision(rec db.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, rec)
	return nil
}

type fakeProber struct {
	input video.InputVideo
	err   error
}

func (p fakeProber) ProbeFile(string, string, ...string) (video.InputVideo, error) {
	return p.input, p.err
}

type fakeDetector struct {
	boxes func(frameNum int) []detection.TypedBox
	block bool
}

func (d fakeDetector) Strategy() detection.Strategy {
	return detection.Strategy{BatchSize: 4}
}

func (d fakeDetector) DetectBatch(ctx context.Context, frames []*video.Frame) (map[int][]detection.TypedBox, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := map[int][]detection.TypedBox{}
	for _, f := range frames {
		if d.boxes != nil {
			out[f.Num] = d.boxes(f.Num)
		}
	}
	return out, nil
}

type fakeVerifier struct {
	verdicts func(requests []verification.Request) []verification.TrackVerdict
}

func (v fakeVerifier) Run(_ context.Context, _ string, requests []verification.Request, onProgress func(done, total int)) ([]verification.TrackVerdict, error) {
	out := v.verdicts(requests)
	if onProgress != nil {
		onProgress(len(out), len(out))
	}
	return out, nil
}

type fakeSource struct {
	frames []*video.Frame
	pos    int
}

func (s *fakeSource) ReadBatch(ctx context.Context, batchSize int) ([]*video.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*video.Frame
	for len(out) < batchSize && s.pos < len(s.frames) {
		out = append(out, s.frames[s.pos])
		s.pos++
	}
	if s.pos >= len(s.frames) {
		return out, io.EOF
	}
	return out, nil
}

func (s *fakeSource) Close() {}

func testFrames(n, w, h int) []*video.Frame {
	frames := make([]*video.Frame, n)
	for i := range frames {
		frames[i] = &video.Frame{Data: make([]byte, w*h*3), Width: w, Height: h, Num: i + 1}
	}
	return frames
}

func testInput(path string, frames int) video.InputVideo {
	return video.InputVideo{
		Path:        path,
		Width:       32,
		Height:      32,
		FPS:         30,
		TotalFrames: frames,
		Duration:    float64(frames) / 30,
	}
}

func stubSource(frames []*video.Frame) func() {
	orig := newFrameSource
	newFrameSource = func(context.Context, string, video.InputVideo) (FrameSource, error) {
		return &fakeSource{frames: frames}, nil
	}
	return func() { newFrameSource = orig }
}

func stubFFmpeg(t *testing.T, gotActions *[]anonymize.Action) func() {
	origRun, origFinalize := runAnonymize, finalizeOutput
	runAnonymize = func(_ context.Context, _ string, _ video.InputVideo, actions []anonymize.Action, outPath string, _ config.EditionConfig, onProgress func(frame, total int)) error {
		if gotActions != nil {
			*gotActions = actions
		}
		if onProgress != nil {
			onProgress(1, 1)
		}
		return os.WriteFile(outPath, []byte("intermediate"), 0644)
	}
	finalizeOutput = func(_ context.Context, intermediatePath, finalPath string, _ video.FinalizeOpts) error {
		if err := os.Rename(intermediatePath, finalPath); err != nil {
			return err
		}
		return nil
	}
	return func() { runAnonymize, finalizeOutput = origRun, origFinalize }
}

func testConfig(t *testing.T) config.File {
	cfg := config.DefaultFile()
	cfg.Storage.Root = t.TempDir()
	return cfg
}

func drainUntil(t *testing.T, ch chan progress.Event, eventType string) progress.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before %s event", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestPhase1ZeroDetectionsFastPath(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "video.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("source"), 0644))

	defer stubSource(testFrames(6, 32, 32))()
	var gotActions []anonymize.Action
	defer stubFFmpeg(t, &gotActions)()

	store := &fakeStore{video: db.Video{Status: db.StatusProcessing, OriginalPath: inputPath}}
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker, fakeDetector{}, fakeVerifier{}, fakeProber{input: testInput(inputPath, 6)}, cfg, time.Minute)

	ch := broker.Subscribe("vid-1")
	c.StartPipeline("vid-1", inputPath)

	require.Empty(t, gotActions)
	require.Equal(t, db.StatusCompleted, store.video.Status)
	require.Contains(t, store.statuses, db.StatusEditing)
	require.NotContains(t, store.statuses, db.StatusWaitingForReview)
	require.FileExists(t, store.processedPath)

	ev := drainUntil(t, ch, progress.EventComplete)
	require.Equal(t, "vid-1", ev.VideoID)
}

func stableFaceBoxes(frameNum int) []detection.TypedBox {
	return []detection.TypedBox{{
		Type: detection.TypeFace,
		Box:  detection.BoundingBox{X1: 4, Y1: 4, X2: 24, Y2: 24, Confidence: 0.9, Frame: frameNum},
	}}
}

func violationVerdicts(requests []verification.Request) []verification.TrackVerdict {
	seen := map[int]verification.Request{}
	for _, r := range requests {
		seen[r.TrackID] = r
	}
	var out []verification.TrackVerdict
	for tid, r := range seen {
		out = append(out, verification.TrackVerdict{
			TrackID:     tid,
			DetectionID: r.DetectionID,
			Type:        r.Type,
			Verdict: verification.Verdict{
				IsViolation:       true,
				Severity:          verification.SeverityHigh,
				ViolatedArticles:  []int{6, 9},
				Reasoning:         "face visible",
				RecommendedAction: verification.ActionBlur,
				Confidence:        0.95,
				MaxConfidence:     0.95,
			},
		})
	}
	return out
}

func TestPhase1EndsAtWaitingForReview(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "video.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("source"), 0644))

	defer stubSource(stubFramesWithData(t))()

	store := &fakeStore{video: db.Video{Status: db.StatusProcessing, OriginalPath: inputPath}}
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker,
		fakeDetector{boxes: stableFaceBoxes},
		fakeVerifier{verdicts: violationVerdicts},
		fakeProber{input: testInput(inputPath, 8)}, cfg, time.Minute)

	c.StartPipeline("vid-1", inputPath)

	require.Equal(t, db.StatusWaitingForReview, store.video.Status)
	require.Equal(t, []string{db.StatusDetected, db.StatusVerifying, db.StatusVerified, db.StatusWaitingForReview}, store.statuses)
	require.Len(t, store.detections, 1)
	require.Equal(t, detection.TypeFace, store.detections[0].Type)
	require.NotEmpty(t, store.detections[0].Captures)
	require.Len(t, store.verifications, 1)
	require.Equal(t, "detection:1", store.verifications[0].DetectionID)
	require.True(t, store.verifications[0].IsViolation)
}

func stubFramesWithData(t *testing.T) []*video.Frame {
	t.Helper()
	return testFrames(8, 32, 32)
}

func TestPhase1InvalidInputDeletesFileAndStaysPending(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "broken.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("not a video"), 0644))

	store := &fakeStore{video: db.Video{Status: db.StatusProcessing, OriginalPath: inputPath}}
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker, fakeDetector{}, fakeVerifier{},
		fakeProber{err: errors.InvalidInput("no video stream found", nil)}, cfg, time.Minute)

	ch := broker.Subscribe("vid-1")
	c.StartPipeline("vid-1", inputPath)

	require.NoFileExists(t, inputPath)
	require.Equal(t, db.StatusPending, store.video.Status)

	ev := drainUntil(t, ch, progress.EventError)
	require.Equal(t, errors.CodeInvalidInput, ev.Error.Code)
}

func TestPhase1CancelIsRecoverable(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "video.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("source"), 0644))

	defer stubSource(testFrames(8, 32, 32))()

	store := &fakeStore{video: db.Video{Status: db.StatusProcessing, OriginalPath: inputPath}}
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker, fakeDetector{block: true}, fakeVerifier{},
		fakeProber{input: testInput(inputPath, 8)}, cfg, time.Minute)

	ch := broker.Subscribe("vid-1")
	go func() {
		// Fire the cancellation token once the run has registered it.
		for !c.Cancel("vid-1") {
			time.Sleep(time.Millisecond)
		}
	}()
	c.StartPipeline("vid-1", inputPath)

	require.Equal(t, db.StatusError, store.video.Status)
	ev := drainUntil(t, ch, progress.EventError)
	require.Equal(t, errors.CodeCancelled, ev.Error.Code)
	require.True(t, ev.Error.Recoverable)
}

func TestPhase1Timeout(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "video.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("source"), 0644))

	defer stubSource(testFrames(8, 32, 32))()

	store := &fakeStore{video: db.Video{Status: db.StatusProcessing, OriginalPath: inputPath}}
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker, fakeDetector{block: true}, fakeVerifier{},
		fakeProber{input: testInput(inputPath, 8)}, cfg, 50*time.Millisecond)

	ch := broker.Subscribe("vid-1")
	c.StartPipeline("vid-1", inputPath)

	require.Equal(t, db.StatusError, store.video.Status)
	ev := drainUntil(t, ch, progress.EventError)
	require.Equal(t, errors.CodeTimeout, ev.Error.Code)
}

func reviewableStore(t *testing.T, inputPath string) *fakeStore {
	history := []detection.BoundingBox{
		{X1: 4, Y1: 4, X2: 24, Y2: 24, Confidence: 0.9, Frame: 1},
		{X1: 5, Y1: 5, X2: 25, Y2: 25, Confidence: 0.9, Frame: 2},
	}
	return &fakeStore{
		video: db.Video{
			Status:       db.StatusWaitingForReview,
			OriginalPath: inputPath,
			Width:        32, Height: 32, FPS: 30, TotalFrames: 2,
		},
		detections: []db.DetectionRecord{
			{ID: "detection:1", TrackID: 1, Type: detection.TypeFace, History: history},
			{ID: "detection:2", TrackID: 2, Type: detection.TypePerson, History: history},
		},
		verifications: []db.VerificationRecord{
			{ID: "verification:1", DetectionID: "detection:1", TrackID: 1, Type: detection.TypeFace, IsViolation: true, Severity: verification.SeverityHigh, RecommendedAction: verification.ActionBlur},
			{ID: "verification:2", DetectionID: "detection:2", TrackID: 2, Type: detection.TypePerson, IsViolation: false, RecommendedAction: verification.ActionNone},
		},
	}
}

func TestApplyDecisionsRunsPhase2(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "video.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("source"), 0644))

	var gotActions []anonymize.Action
	defer stubFFmpeg(t, &gotActions)()

	store := reviewableStore(t, inputPath)
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker, fakeDetector{}, fakeVerifier{}, fakeProber{}, cfg, time.Minute)

	ch := broker.Subscribe("vid-1")
	err := c.ApplyDecisions("vid-1", "user:alice", []Decision{
		{VerificationID: "verification:1", Action: "pixelate", ConfirmedViolation: true},
		{VerificationID: "verification:2", Action: ActionNoModify, RejectionReason: "false positive"},
	})
	require.NoError(t, err)

	drainUntil(t, ch, progress.EventComplete)

	// The reviewer's pixelate overrides the recommended blur; no_modify skips
	// the person track entirely.
	require.Len(t, gotActions, 1)
	require.Equal(t, "pixelate", gotActions[0].Type)
	require.Equal(t, 1, gotActions[0].TrackID)
	require.Len(t, gotActions[0].Boxes, 2)

	require.Equal(t, db.StatusCompleted, store.video.Status)
	require.FileExists(t, store.processedPath)
	require.Len(t, store.decisions, 2)
	require.Equal(t, "user:alice", store.decisions[0].UserID)
	require.Contains(t, store.summary, `"compliance_status":"anonymized"`)
}

func TestDetectPhaseCountsTracksByType(t *testing.T) {
	cfg := testConfig(t)
	defer stubSource(testFrames(4, 32, 32))()

	face := detection.TypedBox{Type: detection.TypeFace, Box: detection.BoundingBox{X1: 4, Y1: 4, X2: 24, Y2: 24, Confidence: 0.9}}
	c := NewCoordinator(&fakeStore{}, progress.NewBroker(), fakeDetector{boxes: func(int) []detection.TypedBox {
		return []detection.TypedBox{face}
	}}, fakeVerifier{}, fakeProber{}, cfg, time.Minute)

	result, err := c.detectPhase(context.Background(), "vid-1", testInput("video.mp4", 4))
	require.NoError(t, err)
	require.Equal(t, 4, result.TotalFrames)
	require.Len(t, result.Tracks, 1)
	require.Equal(t, map[string]int{detection.TypeFace: 1}, result.CountByType)
}

func TestApplyDecisionsSkipsUndecidedVerifications(t *testing.T) {
	cfg := testConfig(t)
	inputPath := filepath.Join(cfg.Storage.Root, "video.mp4")
	require.NoError(t, os.WriteFile(inputPath, []byte("source"), 0644))

	var gotActions []anonymize.Action
	defer stubFFmpeg(t, &gotActions)()

	store := reviewableStore(t, inputPath)
	broker := progress.NewBroker()
	c := NewCoordinator(store, broker, fakeDetector{}, fakeVerifier{}, fakeProber{}, cfg, time.Minute)

	ch := broker.Subscribe("vid-1")
	// verification:1 is a violation with a recommended blur, but the reviewer
	// only ruled on verification:2.
	err := c.ApplyDecisions("vid-1", "user:alice", []Decision{
		{VerificationID: "verification:2", Action: ActionNoModify},
	})
	require.NoError(t, err)

	drainUntil(t, ch, progress.EventComplete)

	// Absence of a decision means no action; a recommendation on its own
	// never modifies the track.
	require.Empty(t, gotActions)
	require.Equal(t, db.StatusCompleted, store.video.Status)
	require.FileExists(t, store.processedPath)
}

func TestApplyDecisionsRejectsWrongStatus(t *testing.T) {
	cfg := testConfig(t)
	store := &fakeStore{video: db.Video{Status: db.StatusProcessing}}
	c := NewCoordinator(store, progress.NewBroker(), fakeDetector{}, fakeVerifier{}, fakeProber{}, cfg, time.Minute)

	err := c.ApplyDecisions("vid-1", "user:alice", nil)
	require.ErrorIs(t, err, ErrNotReviewable)
}

func TestApplyDecisionsValidatesActions(t *testing.T) {
	cfg := testConfig(t)
	store := &fakeStore{video: db.Video{Status: db.StatusWaitingForReview}}
	c := NewCoordinator(store, progress.NewBroker(), fakeDetector{}, fakeVerifier{}, fakeProber{}, cfg, time.Minute)

	err := c.ApplyDecisions("vid-1", "user:alice", []Decision{{VerificationID: "verification:1", Action: "delete"}})
	require.Error(t, err)
	// Validation failures must not claim the review transition.
	require.Equal(t, db.StatusWaitingForReview, store.video.Status)
}

func TestBuildSummary(t *testing.T) {
	verifications := []db.VerificationRecord{
		{IsViolation: true, Type: "face", Severity: "high"},
		{IsViolation: true, Type: "face", Severity: "critical"},
		{IsViolation: false, Type: "person", Mock: true},
	}
	actions := []anonymize.Action{{Type: "blur", TrackID: 1}}

	raw := buildSummary(verifications, actions)
	require.Contains(t, raw, `"total_tracks":3`)
	require.Contains(t, raw, `"violations":2`)
	require.Contains(t, raw, `"compliance_status":"anonymized"`)
	require.Contains(t, raw, `"mock_verifications":1`)

	require.Contains(t, buildSummary(nil, nil), `"compliance_status":"compliant"`)
}
