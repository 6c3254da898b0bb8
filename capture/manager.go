package capture

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/occultashield/shield-api/tracker"
	"github.com/occultashield/shield-api/video"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var typeColors = map[string]color.RGBA{
	detection.TypeFace:         {R: 0xe7, G: 0x4c, B: 0x3c, A: 0xff},
	detection.TypePerson:       {R: 0x2e, G: 0xcc, B: 0x71, A: 0xff},
	detection.TypeLicensePlate: {R: 0x34, G: 0x98, B: 0xdb, A: 0xff},
}

var defaultColor = color.RGBA{R: 0xf3, G: 0x9c, B: 0x12, A: 0xff}

type trackState struct {
	stableRun      int
	captureCount   int
	lastCaptureSec float64
}

// Manager decides per track and per frame whether to snapshot, and writes
// the clean and annotated crop pair when it does.
type Manager struct {
	cfg      config.ProcessingConfig
	dir      string
	videoID  string
	fps      float64
	trackDir map[int]bool
	states   map[int]*trackState
}

func NewManager(cfg config.ProcessingConfig, storageRoot, videoID string, fps float64) *Manager {
	if fps <= 0 {
		fps = 30
	}
	return &Manager{
		cfg:      cfg,
		dir:      config.CapturesDir(storageRoot, videoID),
		videoID:  videoID,
		fps:      fps,
		trackDir: map[int]bool{},
		states:   map[int]*trackState{},
	}
}

// quota limits captures by how long the track has existed.
func quota(durationSec float64, maxCaptures int) int {
	switch {
	case durationSec < 2:
		return 1
	case durationSec < 4:
		return 2
	case durationSec < 6:
		return 3
	default:
		q := int(math.Floor(durationSec / 2))
		if maxCaptures > 0 && q > maxCaptures {
			q = maxCaptures
		}
		return q
	}
}

// Consider applies the capture policy to one live track on one frame. It
// returns the written capture, or nil when the policy declined or the crop
// was empty.
func (m *Manager) Consider(frame *video.Frame, lt tracker.LiveTrack) *detection.Capture {
	st := m.states[lt.TrackID]
	if st == nil {
		st = &trackState{lastCaptureSec: math.Inf(-1)}
		m.states[lt.TrackID] = st
	}

	if lt.Updated && lt.Box.Confidence >= m.cfg.StabilityThreshold {
		st.stableRun++
	} else {
		st.stableRun = 0
	}
	if st.stableRun < m.cfg.StabilityFrames {
		return nil
	}

	ts := float64(frame.Num) / m.fps
	if ts-st.lastCaptureSec < m.cfg.CaptureInterval {
		return nil
	}
	if st.captureCount >= quota(lt.DurationSec, m.cfg.MaxCapturesPer) {
		return nil
	}

	reason := "interval"
	if st.captureCount == 0 {
		reason = "stability"
	}
	snap, err := m.write(frame, lt)
	if err != nil {
		log.Log(m.videoID, "error writing capture", "track_id", lt.TrackID, "frame", frame.Num, "err", err)
		return nil
	}
	if snap == nil {
		// Empty crop after clipping: skip silently.
		return nil
	}
	snap.Reason = reason
	snap.TimestampSec = ts

	st.captureCount++
	st.lastCaptureSec = ts
	metrics.Metrics.CapturesWritten.Inc()
	return snap
}

func (m *Manager) write(frame *video.Frame, lt tracker.LiveTrack) (*detection.Capture, error) {
	rect := lt.Box.Rect(m.cfg.CropMargin, frame.Bounds())
	if rect.Empty() {
		return nil, nil
	}

	dir := filepath.Join(m.dir, fmt.Sprintf("track_%d", lt.TrackID))
	if !m.trackDir[lt.TrackID] {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		m.trackDir[lt.TrackID] = true
	}

	crop := frame.ToRGBA(rect)
	cleanPath := filepath.Join(dir, fmt.Sprintf("capture_%d.jpg", frame.Num))
	if err := writeJPEG(cleanPath, crop, m.cfg.ImageQuality); err != nil {
		return nil, err
	}

	annotated := frame.ToRGBA(rect)
	m.annotate(annotated, rect, lt)
	annotatedPath := filepath.Join(dir, fmt.Sprintf("capture_%d_bbox.jpg", frame.Num))
	if err := writeJPEG(annotatedPath, annotated, m.cfg.ImageQuality); err != nil {
		return nil, err
	}

	return &detection.Capture{
		Frame:     frame.Num,
		ImagePath: cleanPath,
		BBox:      lt.Box,
	}, nil
}

// annotate draws the box and a "<type> <conf%>" label in crop coordinates.
func (m *Manager) annotate(img *image.RGBA, crop image.Rectangle, lt tracker.LiveTrack) {
	col, ok := typeColors[lt.Type]
	if !ok {
		col = defaultColor
	}

	box := image.Rect(
		int(lt.Box.X1)-crop.Min.X,
		int(lt.Box.Y1)-crop.Min.Y,
		int(lt.Box.X2)-crop.Min.X,
		int(lt.Box.Y2)-crop.Min.Y,
	).Intersect(img.Bounds())
	drawBorder(img, box, col, 2)

	label := fmt.Sprintf("%s %.0f%%", lt.Type, lt.Box.Confidence*100)
	drawLabel(img, box.Min.X+2, box.Min.Y+12, label, col)
}

func drawBorder(img *image.RGBA, r image.Rectangle, col color.RGBA, thickness int) {
	if r.Empty() {
		return
	}
	src := &image.Uniform{C: col}
	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness)
	bottom := image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y)
	right := image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(img, edge.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, col color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: col},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}

func writeJPEG(path string, img image.Image, quality int) error {
	if quality <= 0 {
		quality = 95
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
