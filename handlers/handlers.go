package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/occultashield/shield-api/auth"
	"github.com/occultashield/shield-api/db"
	"github.com/occultashield/shield-api/errors"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/pipeline"
	"github.com/occultashield/shield-api/progress"
)

// VideoCreator persists new video records. Satisfied by db.Store.
type VideoCreator interface {
	CreateVideo(v db.Video) (string, error)
}

// ShieldAPIHandlersCollection wires the HTTP surface to the coordinator, the
// record store and the progress broker.
type ShieldAPIHandlersCollection struct {
	Coordinator *pipeline.Coordinator
	Store       pipeline.Store
	Creator     VideoCreator
	Broker      *progress.Broker
	Verifier    *auth.Verifier
}

func (d *ShieldAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Write([]byte("OK")) //nolint:errcheck
	}
}

type registerRequest struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
}

// Register creates a pending video record for a file already placed in
// storage. File ingest itself happens out of band; the pipeline starts when
// the first progress subscriber attaches.
func (d *ShieldAPIHandlersCollection) Register() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.WriteHTTPBadRequest(w, "cannot unmarshal JSON to register request", err)
			return
		}
		if req.Path == "" {
			errors.WriteHTTPBadRequest(w, "missing path", nil)
			return
		}
		if info, err := os.Stat(req.Path); err != nil || info.IsDir() {
			errors.WriteHTTPBadRequest(w, "path is not a readable file", err)
			return
		}
		if req.Filename == "" {
			req.Filename = filepath.Base(req.Path)
		}

		videoID, err := d.Creator.CreateVideo(db.Video{
			UserID:       d.requestUser(r),
			Filename:     req.Filename,
			OriginalPath: req.Path,
		})
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "error creating video record", err)
			return
		}

		log.Log(videoID, "video registered", "path", req.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"video_id": videoID,
			"status":   db.StatusPending,
		})
	}
}

// Progress serves the SSE stream for a video. Subscribing to a pending video
// is the auto-start trigger: the first subscriber wins the CAS and launches
// phase-1; everyone else attaches to the running job.
func (d *ShieldAPIHandlersCollection) Progress() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID := params.ByName("id")
		if _, err := d.Store.GetVideo(videoID); err != nil {
			errors.WriteHTTPNotFound(w, "video not found", err)
			return
		}

		started, err := d.Coordinator.AutoStart(videoID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "error starting pipeline", err)
			return
		}
		if started {
			log.Log(videoID, "pipeline auto-started by progress subscriber")
		}

		ch := d.Broker.Subscribe(videoID)
		d.Broker.ServeSSE(r.Context(), w, videoID, ch)
	}
}

type decisionsRequest struct {
	Decisions []pipeline.Decision `json:"decisions"`
}

// Decisions accepts the reviewer's choices and launches phase-2.
func (d *ShieldAPIHandlersCollection) Decisions() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID := params.ByName("id")

		var req decisionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.WriteHTTPBadRequest(w, "cannot unmarshal JSON to decisions request", err)
			return
		}

		userID := d.requestUser(r)
		if err := d.Coordinator.ApplyDecisions(videoID, userID, req.Decisions); err != nil {
			switch {
			case err == pipeline.ErrNotReviewable:
				errors.WriteHTTPConflict(w, "video is not waiting for review", err)
			case strings.Contains(err.Error(), "invalid decision") || strings.Contains(err.Error(), "missing verification_id"):
				errors.WriteHTTPBadRequest(w, "invalid decisions", err)
			default:
				errors.WriteHTTPInternalServerError(w, "error applying decisions", err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"status":    "accepted",
			"decisions": len(req.Decisions),
		})
	}
}

// Cancel fires the cancellation token for a running phase.
func (d *ShieldAPIHandlersCollection) Cancel() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID := params.ByName("id")
		if !d.Coordinator.Cancel(videoID) {
			errors.WriteHTTPNotFound(w, "no running phase for video", nil)
			return
		}
		log.Log(videoID, "cancellation requested")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"cancelled": true}) //nolint:errcheck
	}
}

type statusResponse struct {
	VideoID  string          `json:"video_id"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Progress *progress.State `json:"progress,omitempty"`
}

// Status is the polling fallback for clients that cannot hold an SSE stream.
func (d *ShieldAPIHandlersCollection) Status() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		videoID := params.ByName("id")
		v, err := d.Store.GetVideo(videoID)
		if err != nil {
			errors.WriteHTTPNotFound(w, "video not found", err)
			return
		}

		resp := statusResponse{
			VideoID:  videoID,
			Status:   v.Status,
			Error:    v.ErrorMessage,
			Progress: d.Broker.StateOf(videoID),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Log(videoID, "error writing status response", "err", err)
		}
	}
}

// requestUser resolves the caller's identity from the bearer token when a
// verifier is configured. Reviews are still accepted without one.
func (d *ShieldAPIHandlersCollection) requestUser(r *http.Request) string {
	if d.Verifier == nil {
		return "user:anonymous"
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	user, err := d.Verifier.VerifyToken(token)
	if err != nil {
		log.LogNoVideoID("unverified reviewer identity", "err", err)
		return "user:anonymous"
	}
	return user.ID
}
