package pipeline

import (
	"fmt"
	"runtime/debug"

	"github.com/occultashield/shield-api/log"
)

// recovered runs f and converts a panic into an error, so a bug in one
// video's pipeline cannot take the server down.
func recovered(videoID, phase string, f func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", phase, rec)
			log.Log(videoID, "pipeline panic", "phase", phase, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	return f()
}
