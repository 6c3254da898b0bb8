package detection

import (
	"context"
	"testing"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/video"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	memGB   float64
	results map[string][][]RawDetection
}

func (s *stubClient) Detect(_ context.Context, model string, frames []*video.Frame) ([][]RawDetection, error) {
	if r, ok := s.results[model]; ok {
		return r, nil
	}
	return make([][]RawDetection, len(frames)), nil
}

func (s *stubClient) AcceleratorMemoryGB(context.Context) (float64, error) {
	return s.memGB, nil
}

func TestStrategyTable(t *testing.T) {
	tests := []struct {
		memGB    float64
		parallel bool
		tier     string
		batch    int
	}{
		{0, false, "nano", 8},
		{7.9, false, "nano", 8},
		{8, true, "small", 32},
		{16, true, "medium", 64},
		{31.9, true, "medium", 64},
		{32, true, "medium", 96},
		{48, true, "medium", 128},
	}
	for _, tt := range tests {
		s := StrategyFor(tt.memGB)
		require.Equal(t, tt.parallel, s.Parallel, "memGB=%v", tt.memGB)
		require.Equal(t, tt.tier, s.ModelTier, "memGB=%v", tt.memGB)
		require.Equal(t, tt.batch, s.BatchSize, "memGB=%v", tt.memGB)
	}
}

func TestStrategyMonotone(t *testing.T) {
	prev := StrategyFor(0)
	for _, memGB := range []float64{4, 8, 12, 16, 24, 32, 40, 64} {
		s := StrategyFor(memGB)
		require.GreaterOrEqual(t, s.BatchSize, prev.BatchSize, "memGB=%v", memGB)
		prev = s
	}
}

func TestIoU(t *testing.T) {
	a := BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	require.Equal(t, 1.0, a.IoU(a))
	require.Equal(t, 0.0, a.IoU(BoundingBox{X1: 20, Y1: 20, X2: 30, Y2: 30}))

	b := BoundingBox{X1: 5, Y1: 0, X2: 15, Y2: 10}
	require.InDelta(t, 50.0/150.0, a.IoU(b), 1e-9)
}

func TestDetectBatchFilters(t *testing.T) {
	frame := &video.Frame{Width: 640, Height: 480, Num: 1}
	client := &stubClient{
		memGB: 0,
		results: map[string][][]RawDetection{
			"yolov8n-seg": {{
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100, Confidence: 0.9}, ClassID: 0, Mask: []float64{0, 0, 100, 0, 100, 100}},
				// not a person class
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100, Confidence: 0.9}, ClassID: 16},
				// too small for a person
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.9}, ClassID: 0},
			}},
			"yolov8n-face": {{
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 20, Y2: 20, Confidence: 0.8}},
				// area 100 < 200 minimum
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.8}},
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 20, Y2: 20, Confidence: 0.2}},
			}},
			"yolov8n": {{
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 50, Confidence: 0.7}, ClassID: 2},
				// class 16 is not a vehicle, dropped by the plate proxy
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 50, Confidence: 0.7}, ClassID: 16},
			}},
		},
	}

	pool := NewPool(context.Background(), client, config.DefaultFile().Detector)
	out, err := pool.DetectBatch(context.Background(), []*video.Frame{frame})
	require.NoError(t, err)

	boxes := out[1]
	counts := map[string]int{}
	for _, tb := range boxes {
		counts[tb.Type]++
		require.Equal(t, 1, tb.Box.Frame)
	}
	require.Equal(t, map[string]int{TypePerson: 1, TypeFace: 1, TypeLicensePlate: 1}, counts)
}

func TestPlateSpecializedKeepsAllClasses(t *testing.T) {
	cfg := config.DefaultFile().Detector
	cfg.PlateModel = "plate-detect-v2"
	client := &stubClient{
		results: map[string][][]RawDetection{
			"plate-detect-v2": {{
				{Box: BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 50, Confidence: 0.7}, ClassID: 0},
			}},
		},
	}
	pool := NewPool(context.Background(), client, cfg)
	out, err := pool.DetectBatch(context.Background(), []*video.Frame{{Width: 640, Height: 480, Num: 3}})
	require.NoError(t, err)
	require.Len(t, out[3], 1)
	require.Equal(t, TypeLicensePlate, out[3][0].Type)
}

func TestTrackedDetectionDerived(t *testing.T) {
	track := &TrackedDetection{
		TrackID: 7,
		Type:    TypeFace,
		History: []BoundingBox{
			{Frame: 10, Confidence: 0.5},
			{Frame: 11, Confidence: 0.9},
			{Frame: 12, Confidence: 0.7},
		},
		Captures: []Capture{
			{Frame: 10, BBox: BoundingBox{Frame: 10, Confidence: 0.5}},
			{Frame: 11, BBox: BoundingBox{Frame: 11, Confidence: 0.9}},
		},
	}
	require.Equal(t, 10, track.FirstFrame())
	require.Equal(t, 12, track.LastFrame())
	require.InDelta(t, 0.7, track.AvgConfidence(), 1e-9)
	require.Equal(t, 0.9, track.MaxConfidence())
	require.Equal(t, 11, track.BestCapture().Frame)

	box, ok := track.BoxAt(11)
	require.True(t, ok)
	require.Equal(t, 0.9, box.Confidence)
	_, ok = track.BoxAt(13)
	require.False(t, ok)
}
