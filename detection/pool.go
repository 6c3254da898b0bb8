package detection

import (
	"context"
	"fmt"
	"sort"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/occultashield/shield-api/video"
	"golang.org/x/sync/errgroup"
)

// RawDetection is one model output before type mapping and area filtering.
type RawDetection struct {
	Box     BoundingBox `json:"box"`
	ClassID int         `json:"class_id"`
	Label   string      `json:"label"`
	Mask    []float64   `json:"mask,omitempty"`
}

// ModelClient runs batched inference for a named model. Implemented by
// clients.InferenceClient against the inference sidecar.
type ModelClient interface {
	Detect(ctx context.Context, model string, frames []*video.Frame) ([][]RawDetection, error)
	AcceleratorMemoryGB(ctx context.Context) (float64, error)
}

// Strategy is the batching profile picked from accelerator memory at init.
type Strategy struct {
	Parallel  bool
	ModelTier string
	BatchSize int
}

// StrategyFor maps accelerator memory to a profile. The table is monotone:
// more memory never selects a smaller batch or model tier.
func StrategyFor(memGB float64) Strategy {
	switch {
	case memGB < 8:
		return Strategy{Parallel: false, ModelTier: "nano", BatchSize: 8}
	case memGB < 16:
		return Strategy{Parallel: true, ModelTier: "small", BatchSize: 32}
	case memGB < 32:
		return Strategy{Parallel: true, ModelTier: "medium", BatchSize: 64}
	default:
		batch := int(memGB * 3)
		if batch > 128 {
			batch = 128
		}
		return Strategy{Parallel: true, ModelTier: "medium", BatchSize: batch}
	}
}

// COCO vehicle classes kept as the plate proxy when no plate-specialized
// model is configured.
var vehicleClassIDs = map[int]bool{2: true, 3: true, 5: true, 7: true}

// Pool runs the face, person-segmentation and plate models over frame
// batches and merges their outputs per frame.
type Pool struct {
	client   ModelClient
	cfg      config.DetectorConfig
	strategy Strategy

	personModel      string
	faceModel        string
	plateModel       string
	plateSpecialized bool
}

func NewPool(ctx context.Context, client ModelClient, cfg config.DetectorConfig) *Pool {
	memGB, err := client.AcceleratorMemoryGB(ctx)
	if err != nil {
		log.LogNoVideoID("accelerator probe failed, using minimal detection profile", "err", err)
		memGB = 0
	}
	strategy := StrategyFor(memGB)

	personModel := cfg.PersonModel
	if personModel == "" {
		personModel = fmt.Sprintf("yolov8%s-seg", tierSuffix(strategy.ModelTier))
	}
	plateModel := cfg.PlateModel
	plateSpecialized := plateModel != ""
	if plateModel == "" {
		plateModel = fmt.Sprintf("yolov8%s", tierSuffix(strategy.ModelTier))
	}

	log.LogNoVideoID("detector pool initialized",
		"accelerator_gb", memGB,
		"parallel", strategy.Parallel,
		"model_tier", strategy.ModelTier,
		"batch_size", strategy.BatchSize,
	)
	return &Pool{
		client:           client,
		cfg:              cfg,
		strategy:         strategy,
		personModel:      personModel,
		faceModel:        fmt.Sprintf("yolov8%s-face", tierSuffix(strategy.ModelTier)),
		plateModel:       plateModel,
		plateSpecialized: plateSpecialized,
	}
}

func tierSuffix(tier string) string {
	switch tier {
	case "nano":
		return "n"
	case "small":
		return "s"
	default:
		return "m"
	}
}

func (p *Pool) Strategy() Strategy {
	return p.strategy
}

// DetectBatch runs all three models over the batch and returns detections
// keyed by frame number, each frame's boxes in model order. Frames are never
// reordered.
func (p *Pool) DetectBatch(ctx context.Context, frames []*video.Frame) (map[int][]TypedBox, error) {
	if len(frames) == 0 {
		return map[int][]TypedBox{}, nil
	}

	var persons, faces, plates [][]RawDetection
	if p.strategy.Parallel {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() (err error) {
			persons, err = p.client.Detect(egCtx, p.personModel, frames)
			return err
		})
		eg.Go(func() (err error) {
			faces, err = p.client.Detect(egCtx, p.faceModel, frames)
			return err
		})
		eg.Go(func() (err error) {
			plates, err = p.client.Detect(egCtx, p.plateModel, frames)
			return err
		})
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if persons, err = p.client.Detect(ctx, p.personModel, frames); err != nil {
			return nil, err
		}
		if faces, err = p.client.Detect(ctx, p.faceModel, frames); err != nil {
			return nil, err
		}
		if plates, err = p.client.Detect(ctx, p.plateModel, frames); err != nil {
			return nil, err
		}
	}

	out := make(map[int][]TypedBox, len(frames))
	for i, f := range frames {
		var boxes []TypedBox
		boxes = append(boxes, p.filterPersons(at(persons, i), f.Num)...)
		boxes = append(boxes, p.filterFaces(at(faces, i), f.Num)...)
		boxes = append(boxes, p.filterPlates(at(plates, i), f.Num)...)
		sort.SliceStable(boxes, func(a, b int) bool {
			return boxes[a].Box.Confidence > boxes[b].Box.Confidence
		})
		for _, tb := range boxes {
			metrics.Metrics.DetectionsByType.WithLabelValues(tb.Type).Inc()
		}
		out[f.Num] = boxes
	}
	return out, nil
}

func at(results [][]RawDetection, i int) []RawDetection {
	if i >= len(results) {
		return nil
	}
	return results[i]
}

// filterPersons keeps class-0 detections with their polygon masks.
func (p *Pool) filterPersons(raw []RawDetection, frameNum int) []TypedBox {
	var out []TypedBox
	for _, d := range raw {
		if d.ClassID != 0 {
			continue
		}
		if d.Box.Confidence < p.cfg.ConfidenceThreshold || d.Box.Area() < MinDefaultArea {
			continue
		}
		box := d.Box
		box.Frame = frameNum
		box.Mask = d.Mask
		out = append(out, TypedBox{Type: TypePerson, Box: box})
	}
	return out
}

func (p *Pool) filterFaces(raw []RawDetection, frameNum int) []TypedBox {
	var out []TypedBox
	for _, d := range raw {
		if d.Box.Confidence < p.cfg.FaceConfidence || d.Box.Area() < MinFaceArea {
			continue
		}
		box := d.Box
		box.Frame = frameNum
		out = append(out, TypedBox{Type: TypeFace, Box: box})
	}
	return out
}

// filterPlates keeps every detection from a plate-specialized model, or only
// vehicle classes as a plate proxy from a generic one.
func (p *Pool) filterPlates(raw []RawDetection, frameNum int) []TypedBox {
	var out []TypedBox
	for _, d := range raw {
		if !p.plateSpecialized && !vehicleClassIDs[d.ClassID] {
			continue
		}
		if d.Box.Confidence < p.cfg.ConfidenceThreshold || d.Box.Area() < MinDefaultArea {
			continue
		}
		box := d.Box
		box.Frame = frameNum
		out = append(out, TypedBox{Type: TypeLicensePlate, Box: box})
	}
	return out
}
