package tracker

import (
	"sort"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/detection"
)

// track is one tracked identity of a single detection type.
type track struct {
	id         int
	class      string
	filter     *kalmanFilter
	history    []detection.BoundingBox
	captures   []detection.Capture
	hits       int
	age        int // frames since last matched detection
	startFrame int
	lastBox    detection.BoundingBox
}

// LiveTrack is what the capture manager sees for every live track on every
// frame, whether or not the track matched a detection this frame.
type LiveTrack struct {
	TrackID     int
	Type        string
	Box         detection.BoundingBox
	Updated     bool
	Hits        int
	DurationSec float64
}

// Tracker maintains per-class track sets across the frame stream. It is not
// safe for concurrent use; the detection loop owns it.
type Tracker struct {
	cfg    config.TrackingConfig
	fps    float64
	nextID int

	active   map[string][]*track
	finished []*track
}

func New(cfg config.TrackingConfig, fps float64) *Tracker {
	if fps <= 0 {
		fps = 30
	}
	return &Tracker{
		cfg:    cfg,
		fps:    fps,
		nextID: 1,
		active: map[string][]*track{},
	}
}

// Observe advances all tracks one frame, matches the frame's detections per
// class and returns every live track. Frames must be observed in strictly
// increasing order.
func (t *Tracker) Observe(frameNum int, boxes []detection.TypedBox) []LiveTrack {
	byClass := map[string][]detection.BoundingBox{}
	for _, tb := range boxes {
		byClass[tb.Type] = append(byClass[tb.Type], tb.Box)
	}

	classes := map[string]bool{}
	for class := range t.active {
		classes[class] = true
	}
	for class := range byClass {
		classes[class] = true
	}

	var live []LiveTrack
	for class := range classes {
		live = append(live, t.observeClass(class, frameNum, byClass[class])...)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].TrackID < live[j].TrackID })
	return live
}

func (t *Tracker) observeClass(class string, frameNum int, dets []detection.BoundingBox) []LiveTrack {
	tracks := t.active[class]

	predicted := make([]detection.BoundingBox, len(tracks))
	for i, tr := range tracks {
		tr.filter.predict(frameNum > tr.startFrame)
		predicted[i] = tr.filter.currentBox()
	}

	assignment := t.match(dets, predicted)

	matchedTracks := make([]bool, len(tracks))
	for di, ti := range assignment {
		if ti < 0 {
			continue
		}
		tr := tracks[ti]
		box := dets[di]
		box.Frame = frameNum
		tr.filter.update(box)
		tr.history = append(tr.history, box)
		tr.lastBox = box
		tr.hits++
		tr.age = 0
		matchedTracks[ti] = true
	}

	// Birth: unmatched detections start new tracks.
	for di, ti := range assignment {
		if ti >= 0 {
			continue
		}
		box := dets[di]
		box.Frame = frameNum
		tr := &track{
			id:         t.nextID,
			class:      class,
			filter:     newKalmanFilter(box),
			history:    []detection.BoundingBox{box},
			hits:       1,
			startFrame: frameNum,
			lastBox:    box,
		}
		t.nextID++
		tracks = append(tracks, tr)
	}

	// Coast or kill unmatched tracks.
	kept := tracks[:0]
	for i, tr := range tracks {
		if i < len(matchedTracks) && !matchedTracks[i] {
			tr.age++
			coasted := tr.filter.currentBox()
			coasted.Frame = frameNum
			coasted.Confidence = tr.lastBox.Confidence
			tr.lastBox = coasted
		}
		if tr.age > t.cfg.MaxAge {
			t.finished = append(t.finished, tr)
			continue
		}
		kept = append(kept, tr)
	}
	t.active[class] = kept

	live := make([]LiveTrack, 0, len(kept))
	for _, tr := range kept {
		if tr.hits < t.cfg.MinHits {
			continue
		}
		live = append(live, LiveTrack{
			TrackID:     tr.id,
			Type:        tr.class,
			Box:         tr.lastBox,
			Updated:     tr.age == 0,
			Hits:        tr.hits,
			DurationSec: float64(frameNum-tr.startFrame) / t.fps,
		})
	}
	return live
}

// match assigns detections to predicted track boxes by maximizing IoU, with
// pairs below the threshold forbidden. Returns assignment[detection] = track
// index or -1.
func (t *Tracker) match(dets, predicted []detection.BoundingBox) []int {
	if len(dets) == 0 {
		return nil
	}
	if len(predicted) == 0 {
		out := make([]int, len(dets))
		for i := range out {
			out[i] = -1
		}
		return out
	}

	cost := make([][]float64, len(dets))
	for i, d := range dets {
		cost[i] = make([]float64, len(predicted))
		for j, p := range predicted {
			iou := d.IoU(p)
			if iou < t.cfg.IOUThreshold {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = 1 - iou
			}
		}
	}
	return solveAssignment(cost)
}

// AddCapture attaches a capture to its live track.
func (t *Tracker) AddCapture(trackID int, c detection.Capture) {
	for _, tracks := range t.active {
		for _, tr := range tracks {
			if tr.id == trackID {
				tr.captures = append(tr.captures, c)
				return
			}
		}
	}
}

// Tracks returns every track ever seen, live or dead, as read-only tracked
// detections. Called once after the frame loop finishes.
func (t *Tracker) Tracks() []*detection.TrackedDetection {
	all := make([]*track, 0, len(t.finished))
	all = append(all, t.finished...)
	for _, tracks := range t.active {
		all = append(all, tracks...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })

	out := make([]*detection.TrackedDetection, 0, len(all))
	for _, tr := range all {
		if len(tr.history) == 0 {
			continue
		}
		out = append(out, &detection.TrackedDetection{
			TrackID:  tr.id,
			Type:     tr.class,
			History:  tr.history,
			Captures: tr.captures,
		})
	}
	return out
}
