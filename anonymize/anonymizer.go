package anonymize

import (
	"context"
	"fmt"
	"io"

	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/occultashield/shield-api/video"
)

const readBatchSize = 16

// Run re-reads the source video and writes outPath with every action's
// effect applied frame by frame. The caller finalizes (metadata strip) and
// deletes the partial output on error.
func Run(ctx context.Context, videoID string, input video.InputVideo, actions []Action, outPath string, cfg config.EditionConfig, onProgress func(frame, total int)) error {
	for i := range actions {
		before := len(actions[i].Boxes)
		Interpolate(&actions[i])
		if added := len(actions[i].Boxes) - before; added > 0 {
			log.Log(videoID, "interpolated action gaps", "track_id", actions[i].TrackID, "frames_added", added)
		}
	}

	reader, err := video.NewFrameReader(ctx, videoID, input)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := video.NewFrameWriter(ctx, outPath, input.Width, input.Height, input.FPS, cfg.CRF, cfg.Preset)
	if err != nil {
		return err
	}

	fx := newEffects(cfg)
	written := 0
	for {
		frames, readErr := reader.ReadBatch(ctx, readBatchSize)
		for _, frame := range frames {
			for i := range actions {
				a := &actions[i]
				box, ok := a.Boxes[frame.Num]
				if !ok {
					continue
				}
				fx.apply(frame, a, box, a.Masks[frame.Num])
			}
			if err := writer.WriteFrame(frame); err != nil {
				writer.Abort()
				return err
			}
			written++
			metrics.Metrics.FramesAnonymized.Inc()
			if onProgress != nil && (written%30 == 0 || written == input.TotalFrames) {
				onProgress(written, input.TotalFrames)
			}

			// Cooperative cancel: the current frame is already written.
			if err := ctx.Err(); err != nil {
				writer.Abort()
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writer.Abort()
			return fmt.Errorf("error reading source during anonymization: %w", readErr)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("error finishing anonymized output: %w", err)
	}
	log.Log(videoID, "anonymization pass complete", "frames", written, "actions", len(actions))
	return nil
}
