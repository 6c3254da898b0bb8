package anonymize

import (
	"image"
	"testing"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/video"
	"github.com/stretchr/testify/require"
)

func gradientFrame(num int) *video.Frame {
	f := &video.Frame{Data: make([]byte, 64*64*3), Width: 64, Height: 64, Num: num}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			f.SetBGR(x, y, byte(x*4), byte(y*4), byte((x+y)*2))
		}
	}
	return f
}

func TestInterpolateFillsShortGaps(t *testing.T) {
	a := &Action{
		Type:    "blur",
		TrackID: 1,
		Boxes: map[int]detection.BoundingBox{
			10: {X1: 0, Y1: 0, X2: 10, Y2: 10, Frame: 10},
			20: {X1: 10, Y1: 10, X2: 20, Y2: 20, Frame: 20},
		},
	}
	Interpolate(a)

	// Gap of exactly 10 is filled.
	require.Len(t, a.Boxes, 11)
	mid := a.Boxes[15]
	require.InDelta(t, 5, mid.X1, 1e-9)
	require.InDelta(t, 15, mid.X2, 1e-9)
	require.Equal(t, 15, mid.Frame)
}

func TestInterpolateSkipsLongGaps(t *testing.T) {
	a := &Action{
		Type:    "blur",
		TrackID: 1,
		Boxes: map[int]detection.BoundingBox{
			10: {X1: 0, Y1: 0, X2: 10, Y2: 10, Frame: 10},
			21: {X1: 10, Y1: 10, X2: 20, Y2: 20, Frame: 21},
		},
	}
	Interpolate(a)
	// Gap of 11 frames means the track legitimately disappeared.
	require.Len(t, a.Boxes, 2)
}

func TestBlurChangesRegionOnly(t *testing.T) {
	fx := newEffects(config.DefaultFile().Edition)
	frame := gradientFrame(1)
	orig := frame.Clone()

	a := &Action{Type: "blur", TrackID: 1}
	fx.apply(frame, a, detection.BoundingBox{X1: 16, Y1: 16, X2: 48, Y2: 48}, nil)

	// Outside the region nothing moved.
	b, g, r := frame.BGR(0, 0)
	ob, og, or := orig.BGR(0, 0)
	require.Equal(t, []byte{ob, og, or}, []byte{b, g, r})

	// Inside, the gradient flattened.
	changed := false
	for y := 20; y < 44 && !changed; y++ {
		for x := 20; x < 44; x++ {
			b, g, r := frame.BGR(x, y)
			ob, og, or := orig.BGR(x, y)
			if b != ob || g != og || r != or {
				changed = true
				break
			}
		}
	}
	require.True(t, changed)
}

func TestPixelateNoiseIsStableAcrossFrames(t *testing.T) {
	fx := newEffects(config.DefaultFile().Edition)
	box := detection.BoundingBox{X1: 16, Y1: 16, X2: 48, Y2: 48}
	a := &Action{Type: "pixelate", TrackID: 7}

	frame1 := gradientFrame(1)
	fx.apply(frame1, a, box, nil)
	frame2 := gradientFrame(2)
	fx.apply(frame2, a, box, nil)

	// Identical input and identical track must produce identical output.
	require.Equal(t, frame1.Data, frame2.Data)
}

func TestPixelateNoiseDiffersBetweenTracks(t *testing.T) {
	fx := newEffects(config.DefaultFile().Edition)
	box := detection.BoundingBox{X1: 16, Y1: 16, X2: 48, Y2: 48}

	frame1 := gradientFrame(1)
	fx.apply(frame1, &Action{Type: "pixelate", TrackID: 1}, box, nil)
	frame2 := gradientFrame(1)
	fx.apply(frame2, &Action{Type: "pixelate", TrackID: 2}, box, nil)

	require.NotEqual(t, frame1.Data, frame2.Data)
}

func TestScrambleIsDeterministic(t *testing.T) {
	cfg := config.DefaultFile().Edition
	box := detection.BoundingBox{X1: 16, Y1: 16, X2: 48, Y2: 48}

	frame1 := gradientFrame(1)
	newEffects(cfg).apply(frame1, &Action{Type: "mask", TrackID: 1}, box, nil)
	frame2 := gradientFrame(1)
	newEffects(cfg).apply(frame2, &Action{Type: "mask", TrackID: 1}, box, nil)

	require.Equal(t, frame1.Data, frame2.Data)
	require.NotEqual(t, gradientFrame(1).Data, frame1.Data)
}

func TestTinyMaskedRegionSkipped(t *testing.T) {
	fx := newEffects(config.DefaultFile().Edition)
	frame := gradientFrame(1)
	orig := frame.Clone()

	// 1x1 box with a polygon mask: far below 0.1% of the frame area.
	box := detection.BoundingBox{X1: 10, Y1: 10, X2: 11, Y2: 11}
	mask := []float64{10, 10, 11, 10, 11, 11}
	fx.apply(frame, &Action{Type: "blur", TrackID: 1}, box, mask)

	require.Equal(t, orig.Data, frame.Data)
}

func TestMaskedBlendLeavesOutsidePolygonUntouched(t *testing.T) {
	fx := newEffects(config.DefaultFile().Edition)
	frame := gradientFrame(1)
	orig := frame.Clone()

	// Polygon covers the left half of a large box.
	box := detection.BoundingBox{X1: 0, Y1: 0, X2: 64, Y2: 64}
	mask := []float64{0, 0, 32, 0, 32, 64, 0, 64}
	fx.apply(frame, &Action{Type: "pixelate", TrackID: 1}, box, mask)

	// Right half outside the polygon is untouched.
	b, g, r := frame.BGR(60, 32)
	ob, og, or := orig.BGR(60, 32)
	require.Equal(t, []byte{ob, og, or}, []byte{b, g, r})

	// Left half changed somewhere.
	changed := false
	for y := 0; y < 64 && !changed; y++ {
		for x := 0; x < 32; x++ {
			b, g, r := frame.BGR(x, y)
			ob, og, or := orig.BGR(x, y)
			if b != ob || g != og || r != or {
				changed = true
				break
			}
		}
	}
	require.True(t, changed)
}

func TestRasterizePolygon(t *testing.T) {
	rect := image.Rect(0, 0, 10, 10)
	raster := rasterizePolygon([]float64{0, 0, 10, 0, 10, 10, 0, 10}, rect)
	for i := range raster {
		require.True(t, raster[i])
	}

	empty := rasterizePolygon([]float64{20, 20, 30, 20, 30, 30}, rect)
	for i := range empty {
		require.False(t, empty[i])
	}
}
