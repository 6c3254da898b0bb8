package config

import (
	"os"
	"path/filepath"

	kitlog "github.com/go-kit/log"
)

var Version string

// Global variable, but easier than passing a logger around throughout the system
var Logger kitlog.Logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

func init() {
	Logger = kitlog.With(Logger, "ts", kitlog.DefaultTimestampUTC)
}

// Storage layout under the storage root:
//
//	uploads/<video_id>.<ext>             original
//	captures/<video_id>/track_<tid>/     capture_<frame>.jpg, capture_<frame>_bbox.jpg
//	processed/anonymized_<basename>.mp4  final output
func UploadsDir(storageRoot string) string {
	return filepath.Join(storageRoot, "uploads")
}

func CapturesDir(storageRoot, videoID string) string {
	return filepath.Join(storageRoot, "captures", videoID)
}

func ProcessedDir(storageRoot string) string {
	return filepath.Join(storageRoot, "processed")
}

func ProcessedPath(storageRoot, inputPath string) string {
	return filepath.Join(ProcessedDir(storageRoot), "anonymized_"+stripExt(filepath.Base(inputPath))+".mp4")
}

func stripExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
