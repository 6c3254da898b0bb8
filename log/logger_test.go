package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerContextIsCachedPerVideo(t *testing.T) {
	AddContext("vid-1", "filename", "park.mp4")

	first, found := loggerCache.Get("vid-1")
	require.True(t, found)

	// A second AddContext layers on top of the cached logger rather than replacing it
	AddContext("vid-1", "user_id", "user:abc")
	second, found := loggerCache.Get("vid-1")
	require.True(t, found)
	require.NotNil(t, second)
	require.NotNil(t, first)
}

func TestGetLoggerCreatesOnMiss(t *testing.T) {
	require.NotNil(t, getLogger("vid-never-seen"))
	_, found := loggerCache.Get("vid-never-seen")
	require.True(t, found)
}
