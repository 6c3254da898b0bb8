package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeTimeout, CodeOf(Timeout("phase deadline exceeded")))
	require.Equal(t, CodeInvalidInput, CodeOf(InvalidInput("no video stream", nil)))
	require.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("phase 1: %w", Resource("gpu unavailable", nil))
	require.Equal(t, CodeResource, CodeOf(wrapped))
}

func TestCancelledIsRecoverable(t *testing.T) {
	require.True(t, IsRecoverable(Cancelled("user cancel")))
	require.False(t, IsRecoverable(Timeout("deadline")))
	require.False(t, IsRecoverable(errors.New("plain")))
}

func TestUnretriable(t *testing.T) {
	base := errors.New("bad input file")
	require.False(t, IsUnretriable(base))
	require.True(t, IsUnretriable(Unretriable(base)))
	require.True(t, IsUnretriable(fmt.Errorf("wrapped: %w", Unretriable(base))))
}
