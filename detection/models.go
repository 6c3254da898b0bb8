package detection

import (
	"image"
	"math"
)

// Detection types known to the pipeline. The verifier has rules for more
// types than the detector pool emits; uploads re-classified by the vision
// backend can land on any of these.
const (
	TypeFace         = "face"
	TypePerson       = "person"
	TypeLicensePlate = "license_plate"
	TypeFingerprint  = "fingerprint"
	TypeIDDocument   = "id_document"
	TypeCreditCard   = "credit_card"
	TypeSignature    = "signature"
	TypeHandBio      = "hand_biometric"
	TypeUnknown      = "unknown"
)

// Minimum pixel areas below which a detection is dropped at source.
const (
	MinFaceArea    = 200.0
	MinDefaultArea = 500.0
)

// BoundingBox is an axis-aligned box in pixel coordinates with x2 > x1 and
// y2 > y1. Mask, when present, is a flat [x0,y0,x1,y1,...] polygon from the
// segmentation model.
type BoundingBox struct {
	X1         float64   `json:"x1"`
	Y1         float64   `json:"y1"`
	X2         float64   `json:"x2"`
	Y2         float64   `json:"y2"`
	Confidence float64   `json:"confidence"`
	Frame      int       `json:"frame"`
	Mask       []float64 `json:"mask,omitempty"`
}

func (b BoundingBox) Width() float64  { return b.X2 - b.X1 }
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BoundingBox) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// IoU is intersection over union; zero when the boxes are disjoint or
// degenerate.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Rect converts to an integer rectangle expanded by margin and clipped to
// bounds. The result may be empty after clipping.
func (b BoundingBox) Rect(margin int, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(math.Floor(b.X1))-margin,
		int(math.Floor(b.Y1))-margin,
		int(math.Ceil(b.X2))+margin,
		int(math.Ceil(b.Y2))+margin,
	)
	return r.Intersect(bounds)
}

// TypedBox pairs a detection type with its box; the pool emits these per
// frame and the tracker consumes them grouped by type.
type TypedBox struct {
	Type string      `json:"type"`
	Box  BoundingBox `json:"box"`
}

// Capture records one snapshot taken from a track.
type Capture struct {
	Frame        int         `json:"frame"`
	ImagePath    string      `json:"image_path"`
	BBox         BoundingBox `json:"bbox"`
	Reason       string      `json:"reason"`
	TimestampSec float64     `json:"timestamp_seconds"`
}

// TrackedDetection is the read-only projection of a track after detection
// finishes: a strictly frame-ordered box history plus the captures taken
// along the way.
type TrackedDetection struct {
	TrackID  int           `json:"track_id"`
	Type     string        `json:"type"`
	History  []BoundingBox `json:"history"`
	Captures []Capture     `json:"captures"`
}

func (t *TrackedDetection) FirstFrame() int {
	if len(t.History) == 0 {
		return 0
	}
	return t.History[0].Frame
}

func (t *TrackedDetection) LastFrame() int {
	if len(t.History) == 0 {
		return 0
	}
	return t.History[len(t.History)-1].Frame
}

func (t *TrackedDetection) AvgConfidence() float64 {
	if len(t.History) == 0 {
		return 0
	}
	var sum float64
	for _, b := range t.History {
		sum += b.Confidence
	}
	return sum / float64(len(t.History))
}

func (t *TrackedDetection) MaxConfidence() float64 {
	var best float64
	for _, b := range t.History {
		if b.Confidence > best {
			best = b.Confidence
		}
	}
	return best
}

// BestCapture returns the capture with the highest box confidence, or nil
// when the track never produced one.
func (t *TrackedDetection) BestCapture() *Capture {
	var best *Capture
	for i := range t.Captures {
		c := &t.Captures[i]
		if best == nil || c.BBox.Confidence > best.BBox.Confidence {
			best = c
		}
	}
	return best
}

// BoxAt returns the history entry for frame, if any.
func (t *TrackedDetection) BoxAt(frame int) (BoundingBox, bool) {
	for _, b := range t.History {
		if b.Frame == frame {
			return b, true
		}
		if b.Frame > frame {
			break
		}
	}
	return BoundingBox{}, false
}

// DetectionResult is the full output of the detection phase for one video.
type DetectionResult struct {
	Tracks      []*TrackedDetection
	TotalFrames int
	CountByType map[string]int
}
