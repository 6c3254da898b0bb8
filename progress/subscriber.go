package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/occultashield/shield-api/log"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// ServeSSE forwards a subscriber queue to an SSE response until a terminal
// event arrives or the client disconnects. The first event is always the
// initial_state snapshot already queued by Subscribe.
func (b *Broker) ServeSSE(ctx context.Context, w http.ResponseWriter, videoID string, ch chan Event) {
	defer b.Unsubscribe(videoID, ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Log(videoID, "response writer does not support streaming")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := b.clock.Timer(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeEvent(w, flusher, Event{
				Type:      EventHeartbeat,
				VideoID:   videoID,
				Timestamp: b.clock.Now(),
			}); err != nil {
				return
			}
			heartbeat.Reset(heartbeatInterval)
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
			if ev.Type == EventComplete || ev.Type == EventError {
				return
			}
			heartbeat.Reset(heartbeatInterval)
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
