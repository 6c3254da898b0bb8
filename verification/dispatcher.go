package verification

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/occultashield/shield-api/clients"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Request is one capture to verify.
type Request struct {
	ImagePath    string
	DetectionID  string
	TrackID      int
	Type         string
	BBox         detection.BoundingBox
	Frame        int
	TimestampSec float64
}

// TrackVerdict is the dispatcher's per-track output.
type TrackVerdict struct {
	TrackID       int
	DetectionID   string
	Type          string
	Verdict       Verdict
	Vulnerability *Vulnerability
	Summary       string
	CaptureCount  int
}

// VisionBackend is the slice of the vision client the dispatcher needs.
type VisionBackend interface {
	DescribePerson(ctx context.Context, videoID, imagePath string) clients.WitnessDescription
	Classify(ctx context.Context, videoID, imagePath string) (string, float64)
}

// ambiguous classes get a classification sub-call before any verdict.
var ambiguousTypes = map[string]bool{
	"unknown":   true,
	"hand":      true,
	"hand_crop": true,
}

// Dispatcher fans verification out across tracks with a global bound on
// concurrent vision calls.
type Dispatcher struct {
	vision     VisionBackend
	graph      GraphReader
	judge      *Judge
	maxWorkers int64

	// sem bounds vision calls across all groups, not per group.
	sem *semaphore.Weighted
}

func NewDispatcher(vision VisionBackend, graph GraphReader, maxWorkers int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Dispatcher{
		vision:     vision,
		graph:      graph,
		judge:      NewJudge(graph),
		maxWorkers: int64(maxWorkers),
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
	}
}

// Run verifies all requests grouped by track. onProgress is called after
// each group completes with (completed, total) group counts. Cancellation
// stops new groups from starting; in-flight groups finish.
func (d *Dispatcher) Run(ctx context.Context, videoID string, requests []Request, onProgress func(done, total int)) ([]TrackVerdict, error) {
	groups := map[int][]Request{}
	for _, r := range requests {
		groups[r.TrackID] = append(groups[r.TrackID], r)
	}
	trackIDs := make([]int, 0, len(groups))
	for tid := range groups {
		trackIDs = append(trackIDs, tid)
	}
	sort.Ints(trackIDs)

	total := len(trackIDs)
	var mu sync.Mutex
	var done int
	verdicts := make([]TrackVerdict, 0, total)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, tid := range trackIDs {
		if err := ctx.Err(); err != nil {
			// Stop launching new groups; let the started ones finish.
			break
		}
		tid := tid
		group := groups[tid]
		eg.Go(func() error {
			tv, err := d.verifyGroup(egCtx, videoID, tid, group)
			if err != nil {
				return err
			}
			mu.Lock()
			verdicts = append(verdicts, tv)
			done++
			completed := done
			mu.Unlock()
			if onProgress != nil {
				onProgress(completed, total)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].TrackID < verdicts[j].TrackID })
	return verdicts, nil
}

func (d *Dispatcher) verifyGroup(ctx context.Context, videoID string, trackID int, group []Request) (TrackVerdict, error) {
	detType := group[0].Type
	if ambiguousTypes[detType] {
		relabeled, conf, err := d.classify(ctx, videoID, group[0].ImagePath)
		if err != nil {
			return TrackVerdict{}, err
		}
		log.Log(videoID, "reclassified ambiguous track", "track_id", trackID, "from", detType, "to", relabeled, "confidence", conf)
		detType = relabeled
	}

	tv := TrackVerdict{
		TrackID:      trackID,
		DetectionID:  group[0].DetectionID,
		Type:         detType,
		CaptureCount: len(group),
	}

	if detType == detection.TypePerson {
		descriptions := make([]clients.WitnessDescription, 0, len(group))
		for _, req := range group {
			desc, err := d.describe(ctx, videoID, req.ImagePath)
			if err != nil {
				return TrackVerdict{}, err
			}
			descriptions = append(descriptions, desc)
		}
		consolidated := Consolidate(descriptions)
		vuln := ClassifyVulnerability(consolidated)
		tv.Vulnerability = &vuln
		tv.Summary = consolidated.Summary
		tv.Verdict = d.judge.JudgePerson(ctx, consolidated)
	} else {
		var contextArticles []int
		if d.graph != nil {
			for _, a := range d.graph.ContextForDetection(ctx, detType) {
				contextArticles = append(contextArticles, a.Number)
			}
		}
		perFrame := make([]Verdict, 0, len(group))
		for range group {
			perFrame = append(perFrame, RuleVerdict(detType, contextArticles))
		}
		tv.Verdict = FuseVerdicts(perFrame)
	}

	metrics.Metrics.VerdictsByOutcome.WithLabelValues(
		fmt.Sprintf("%t", tv.Verdict.IsViolation), tv.Verdict.Severity,
	).Inc()
	return tv, nil
}

// describe runs one witness call under the global worker semaphore.
func (d *Dispatcher) describe(ctx context.Context, videoID, imagePath string) (clients.WitnessDescription, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return clients.WitnessDescription{}, err
	}
	defer d.sem.Release(1)
	return d.vision.DescribePerson(ctx, videoID, imagePath), nil
}

func (d *Dispatcher) classify(ctx context.Context, videoID, imagePath string) (string, float64, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer d.sem.Release(1)
	typ, conf := d.vision.Classify(ctx, videoID, imagePath)
	return typ, conf, nil
}
