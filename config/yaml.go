package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matches ${VAR} or ${VAR:default}
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// TrackingConfig tunes the per-class Kalman tracker.
type TrackingConfig struct {
	IOUThreshold float64 `yaml:"iou_threshold"`
	MaxAge       int     `yaml:"max_age"`
	MinHits      int     `yaml:"min_hits"`
}

type DetectorConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	FaceConfidence      float64 `yaml:"face_confidence"`
	PersonModel         string  `yaml:"person_model"`
	PlateModel          string  `yaml:"plate_model"`
}

type ProcessingConfig struct {
	CaptureInterval    float64 `yaml:"capture_interval"`
	StabilityThreshold float64 `yaml:"stability_threshold"`
	StabilityFrames    int     `yaml:"stability_frames"`
	MaxCapturesPer     int     `yaml:"max_captures_per_track"`
	CropMargin         int     `yaml:"crop_margin"`
	ImageQuality       int     `yaml:"image_quality"`
}

type StorageConfig struct {
	Root string `yaml:"root"`
}

type EditionConfig struct {
	BlurKernel     int     `yaml:"blur_kernel"`
	BlurSigma      float64 `yaml:"blur_sigma"`
	PixelateBlocks int     `yaml:"pixelate_blocks"`
	ScrambleKey    int64   `yaml:"scramble_key"`
	CRF            int     `yaml:"crf"`
	Preset         string  `yaml:"preset"`
}

type VerificationConfig struct {
	MaxWorkers int    `yaml:"max_workers"`
	LLMModel   string `yaml:"llm_model"`
}

// File is the hierarchical configuration parsed from detection.yaml with
// ${VAR:default} references resolved against the environment. A reference
// without a default whose variable is unset keeps its raw placeholder so
// misconfiguration is visible downstream.
type File struct {
	Detector     DetectorConfig     `yaml:"detector"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Processing   ProcessingConfig   `yaml:"processing"`
	Storage      StorageConfig      `yaml:"storage"`
	Edition      EditionConfig      `yaml:"edition"`
	Verification VerificationConfig `yaml:"verification"`
}

func DefaultFile() File {
	return File{
		Detector: DetectorConfig{ConfidenceThreshold: 0.5, FaceConfidence: 0.5},
		Tracking: TrackingConfig{IOUThreshold: 0.3, MaxAge: 30, MinHits: 0},
		Processing: ProcessingConfig{
			CaptureInterval:    1.0,
			StabilityThreshold: 0.5,
			StabilityFrames:    3,
			MaxCapturesPer:     6,
			CropMargin:         20,
			ImageQuality:       95,
		},
		Storage: StorageConfig{Root: "storage"},
		Edition: EditionConfig{
			BlurKernel:     31,
			BlurSigma:      0,
			PixelateBlocks: 10,
			ScrambleKey:    42,
			CRF:            23,
			Preset:         "fast",
		},
		Verification: VerificationConfig{MaxWorkers: 4},
	}
}

// LoadFile reads the YAML configuration. A missing file yields the defaults
// rather than an error so the server can run from flags alone.
func LoadFile(path string) (File, error) {
	cfg := DefaultFile()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(InterpolateEnv(string(raw))), &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// InterpolateEnv resolves ${VAR:default} references in the raw YAML text.
func InterpolateEnv(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if strings.Contains(match, ":") {
			return groups[2]
		}
		return match
	})
}
