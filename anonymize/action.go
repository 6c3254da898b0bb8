package anonymize

import (
	"sort"

	"github.com/occultashield/shield-api/detection"
)

// Action is one track marked for modification: the effect to apply and the
// per-frame geometry to apply it at.
type Action struct {
	Type    string
	TrackID int
	Boxes   map[int]detection.BoundingBox
	Masks   map[int][]float64
}

// maxInterpolationGap bounds gap filling; longer absences are treated as the
// track legitimately leaving the frame.
const maxInterpolationGap = 10

// Interpolate fills short gaps in an action's frame coverage with linearly
// interpolated boxes. Gaps longer than maxInterpolationGap are left alone.
// Masks are never interpolated; interpolated frames fall back to plain
// rectangular application.
func Interpolate(a *Action) {
	frames := make([]int, 0, len(a.Boxes))
	for f := range a.Boxes {
		frames = append(frames, f)
	}
	sort.Ints(frames)

	for i := 1; i < len(frames); i++ {
		f1, f2 := frames[i-1], frames[i]
		gap := f2 - f1
		if gap <= 1 || gap > maxInterpolationGap {
			continue
		}
		b1, b2 := a.Boxes[f1], a.Boxes[f2]
		for f := f1 + 1; f < f2; f++ {
			t := float64(f-f1) / float64(gap)
			a.Boxes[f] = detection.BoundingBox{
				X1:         lerp(b1.X1, b2.X1, t),
				Y1:         lerp(b1.Y1, b2.Y1, t),
				X2:         lerp(b1.X2, b2.X2, t),
				Y2:         lerp(b1.Y2, b2.Y2, t),
				Confidence: lerp(b1.Confidence, b2.Confidence, t),
				Frame:      f,
			}
		}
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
