package progress

import "time"

// Event types delivered to subscribers.
const (
	EventInitialState = "initial_state"
	EventPhaseChange  = "phase_change"
	EventProgress     = "progress"
	EventDetection    = "detection"
	EventVerification = "verification"
	EventComplete     = "complete"
	EventError        = "error"
	EventHeartbeat    = "heartbeat"
)

// Pipeline phases surfaced to clients.
const (
	PhaseUploaded         = "uploaded"
	PhaseDetecting        = "detecting"
	PhaseVerifying        = "verifying"
	PhaseWaitingForReview = "waiting_for_review"
	PhaseAnonymizing      = "anonymizing"
	PhaseCompleted        = "completed"
)

// Event is one message on a subscriber queue. Only the fields relevant to
// its type are set.
type Event struct {
	Type      string    `json:"type"`
	VideoID   string    `json:"video_id"`
	Timestamp time.Time `json:"timestamp"`

	Phase    string  `json:"phase,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Current  int     `json:"current,omitempty"`
	Total    int     `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`

	Detection    *DetectionEvent    `json:"detection,omitempty"`
	Verification *VerificationEvent `json:"verification,omitempty"`
	Error        *ErrorInfo         `json:"error,omitempty"`
	State        *State             `json:"state,omitempty"`
}

// DetectionEvent announces one new tracked detection.
type DetectionEvent struct {
	TrackID int     `json:"track_id"`
	Type    string  `json:"detection_type"`
	Frame   int     `json:"frame"`
	Conf    float64 `json:"confidence"`
}

// VerificationEvent announces one completed track verdict.
type VerificationEvent struct {
	TrackID     int    `json:"track_id"`
	Type        string `json:"detection_type"`
	IsViolation bool   `json:"is_violation"`
	Severity    string `json:"severity"`
}

// ErrorInfo is the payload of a terminal error event.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Detail      string `json:"detail,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// State is the per-video progress snapshot sent as initial_state.
type State struct {
	Phase            string         `json:"phase"`
	Progress         float64        `json:"progress"`
	Current          int            `json:"current"`
	Total            int            `json:"total"`
	Message          string         `json:"message"`
	DetectionsByType map[string]int `json:"detections_by_type"`
	StartedAt        time.Time      `json:"started_at"`
	Errors           []string       `json:"errors"`
}

func (s *State) clone() *State {
	c := *s
	c.DetectionsByType = make(map[string]int, len(s.DetectionsByType))
	for k, v := range s.DetectionsByType {
		c.DetectionsByType[k] = v
	}
	c.Errors = append([]string(nil), s.Errors...)
	return &c
}
