package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("SHIELD_TEST_SET", "from-env")

	require.Equal(t, "from-env", InterpolateEnv("${SHIELD_TEST_SET}"))
	require.Equal(t, "from-env", InterpolateEnv("${SHIELD_TEST_SET:fallback}"))
	require.Equal(t, "fallback", InterpolateEnv("${SHIELD_TEST_UNSET:fallback}"))
	// Empty default is still a default
	require.Equal(t, "", InterpolateEnv("${SHIELD_TEST_UNSET:}"))
	// No default and unset keeps the raw placeholder to signal misconfiguration
	require.Equal(t, "${SHIELD_TEST_UNSET}", InterpolateEnv("${SHIELD_TEST_UNSET}"))
}

func TestLoadFileMissingYieldsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 0.3, cfg.Tracking.IOUThreshold)
	require.Equal(t, 3, cfg.Processing.StabilityFrames)
	require.Equal(t, int64(42), cfg.Edition.ScrambleKey)
}

func TestLoadFileInterpolates(t *testing.T) {
	t.Setenv("SHIELD_TEST_MAXAGE", "12")
	path := filepath.Join(t.TempDir(), "detection.yaml")
	body := "tracking:\n  max_age: ${SHIELD_TEST_MAXAGE:30}\n  iou_threshold: ${SHIELD_TEST_IOU:0.25}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Tracking.MaxAge)
	require.Equal(t, 0.25, cfg.Tracking.IOUThreshold)
}
