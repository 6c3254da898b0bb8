package video

import (
	stderrors "errors"
	"testing"

	"github.com/occultashield/shield-api/errors"
	"github.com/stretchr/testify/require"
)

func TestParseFps(t *testing.T) {
	tests := []struct {
		framerate string
		expected  float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997002997},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		fps, err := parseFps(tt.framerate)
		require.NoError(t, err)
		require.Equal(t, tt.expected, fps)
	}
}

func TestParseFpsInvalid(t *testing.T) {
	_, err := parseFps("abc/def")
	require.Error(t, err)
}

func TestUnretriableProbeErrors(t *testing.T) {
	tests := []struct {
		msg         string
		unretriable bool
	}{
		{"uploads/video.mp4: No such file or directory", true},
		{"Invalid data found when processing input", true},
		{"uploads/video.mp4: Permission denied", true},
		{"connection reset by peer", false},
		{"exit status 1", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.unretriable, isUnretriableProbeErr(stderrors.New(tt.msg)), tt.msg)
	}
}

func TestUnretriableSurvivesInvalidInputWrap(t *testing.T) {
	// The shape runProbe produces when backoff gives up on a permanent error.
	err := errors.InvalidInput("error probing file", errors.Unretriable(stderrors.New("no such file or directory")))
	require.True(t, errors.IsUnretriable(err))
	require.Equal(t, errors.CodeInvalidInput, errors.CodeOf(err))
}
