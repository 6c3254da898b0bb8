package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/occultashield/shield-api/log"
)

// FinalizeOpts carries the metadata fields stamped onto the processed output.
type FinalizeOpts struct {
	VideoID     string
	Title       string
	Artist      string
	Copyright   string
	Description string
	CRF         int
	Preset      string
}

const encoderTag = "OccultaShield Anonymizer"

// Finalize remuxes the intermediate output into its final form: all source
// metadata and chapters stripped, our own fields set, audio dropped. A
// missing or failing remuxer leaves the intermediate file in place and the
// pipeline still succeeds.
func Finalize(ctx context.Context, intermediatePath, finalPath string, opts FinalizeOpts) error {
	ffmpegBin, err := exec.LookPath("ffmpeg")
	if err != nil {
		log.Log(opts.VideoID, "remuxer not found, keeping output without metadata strip", "err", err)
		return os.Rename(intermediatePath, finalPath)
	}

	crf := opts.CRF
	if crf <= 0 {
		crf = 23
	}
	preset := opts.Preset
	if preset == "" {
		preset = "fast"
	}

	args := []string{
		"-y",
		"-i", intermediatePath,
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-metadata", "title=" + opts.Title,
		"-metadata", "artist=" + opts.Artist,
		"-metadata", "copyright=" + opts.Copyright,
		"-metadata", "date=" + time.Now().UTC().Format(time.RFC3339),
		"-metadata", "description=" + opts.Description,
		"-metadata", fmt.Sprintf("comment=Processing ID: %s", opts.VideoID),
		"-metadata", "encoder=" + encoderTag,
		"-c:v", "libx264",
		"-crf", fmt.Sprintf("%d", crf),
		"-preset", preset,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-an",
		finalPath,
	}

	cmd := exec.CommandContext(ctx, ffmpegBin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Log(opts.VideoID, "remuxer failed, keeping output without metadata strip", "err", err, "output", truncate(string(out), 512))
		return os.Rename(intermediatePath, finalPath)
	}

	if _, err := os.Stat(finalPath); err != nil {
		return fmt.Errorf("finalize error: failed to stat output file: %w", err)
	}
	return os.Remove(intermediatePath)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
