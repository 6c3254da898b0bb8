package progress

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/occultashield/shield-api/metrics"
)

const (
	// Subscriber queue capacity. A consumer this far behind is about to be
	// dropped anyway.
	queueCapacity = 32

	// How long an emitter waits on a full queue before declaring the
	// subscriber dead.
	enqueueDeadline = time.Second
)

type videoState struct {
	state *State
	subs  map[chan Event]bool
}

// Broker holds per-video progress state and fans events out to bounded
// subscriber queues. A slow subscriber is dropped, never waited on beyond
// the enqueue deadline.
type Broker struct {
	mu     sync.Mutex
	videos map[string]*videoState
	clock  clock.Clock
}

func NewBroker() *Broker {
	return newBrokerWithClock(clock.New())
}

func newBrokerWithClock(clk clock.Clock) *Broker {
	return &Broker{videos: map[string]*videoState{}, clock: clk}
}

// Register creates the progress state for a video. Idempotent: an existing
// registration is left untouched.
func (b *Broker) Register(videoID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.videos[videoID]; ok {
		return
	}
	b.videos[videoID] = &videoState{
		state: &State{
			Phase:            PhaseUploaded,
			DetectionsByType: map[string]int{},
			StartedAt:        b.clock.Now(),
		},
		subs: map[chan Event]bool{},
	}
}

// Subscribe attaches a new queue and delivers the initial_state snapshot as
// its first event. The video is registered if it was not yet.
func (b *Broker) Subscribe(videoID string) chan Event {
	b.Register(videoID)
	b.mu.Lock()
	defer b.mu.Unlock()
	vs := b.videos[videoID]
	ch := make(chan Event, queueCapacity)
	vs.subs[ch] = true
	ch <- Event{
		Type:      EventInitialState,
		VideoID:   videoID,
		Timestamp: b.clock.Now(),
		State:     vs.state.clone(),
	}
	return ch
}

func (b *Broker) Unsubscribe(videoID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vs, ok := b.videos[videoID]; ok {
		delete(vs.subs, ch)
	}
}

// Cleanup drops the video's state and closes all its queues.
func (b *Broker) Cleanup(videoID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vs, ok := b.videos[videoID]
	if !ok {
		return
	}
	for ch := range vs.subs {
		close(ch)
	}
	delete(b.videos, videoID)
}

// SubscriberCount is used by tests and the status endpoint.
func (b *Broker) SubscriberCount(videoID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vs, ok := b.videos[videoID]; ok {
		return len(vs.subs)
	}
	return 0
}

// StateOf returns a snapshot of the video's progress state, or nil when the
// video is not registered.
func (b *Broker) StateOf(videoID string) *State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vs, ok := b.videos[videoID]; ok {
		return vs.state.clone()
	}
	return nil
}

func (b *Broker) ChangePhase(videoID, phase, message string) {
	b.emit(videoID, func(s *State) Event {
		s.Phase = phase
		s.Message = message
		s.Current = 0
		s.Total = 0
		s.Progress = 0
		return Event{Type: EventPhaseChange, Phase: phase, Message: message}
	})
}

func (b *Broker) UpdateProgress(videoID string, current, total int, message string) {
	b.emit(videoID, func(s *State) Event {
		s.Current = current
		s.Total = total
		s.Message = message
		if total > 0 {
			s.Progress = float64(current) / float64(total) * 100
		}
		return Event{
			Type:     EventProgress,
			Phase:    s.Phase,
			Progress: s.Progress,
			Current:  current,
			Total:    total,
			Message:  message,
		}
	})
}

func (b *Broker) ReportDetection(videoID string, d DetectionEvent) {
	b.emit(videoID, func(s *State) Event {
		s.DetectionsByType[d.Type]++
		return Event{Type: EventDetection, Detection: &d}
	})
}

func (b *Broker) ReportVerification(videoID string, v VerificationEvent) {
	b.emit(videoID, func(s *State) Event {
		return Event{Type: EventVerification, Verification: &v}
	})
}

func (b *Broker) Complete(videoID, message string) {
	b.emit(videoID, func(s *State) Event {
		s.Phase = PhaseCompleted
		s.Progress = 100
		s.Message = message
		return Event{Type: EventComplete, Phase: PhaseCompleted, Message: message}
	})
}

func (b *Broker) Error(videoID string, info ErrorInfo) {
	b.emit(videoID, func(s *State) Event {
		s.Errors = append(s.Errors, info.Message)
		return Event{Type: EventError, Error: &info}
	})
}

// emit mutates the state under the lock, then broadcasts outside it so a
// stuck subscriber cannot stall Register/Subscribe calls.
func (b *Broker) emit(videoID string, build func(s *State) Event) {
	b.mu.Lock()
	vs, ok := b.videos[videoID]
	if !ok {
		b.mu.Unlock()
		return
	}
	ev := build(vs.state)
	ev.VideoID = videoID
	ev.Timestamp = b.clock.Now()
	subs := make([]chan Event, 0, len(vs.subs))
	for ch := range vs.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	var dead []chan Event
	for _, ch := range subs {
		if !b.send(ch, ev) {
			dead = append(dead, ch)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		if vs, ok := b.videos[videoID]; ok {
			for _, ch := range dead {
				if vs.subs[ch] {
					delete(vs.subs, ch)
					close(ch)
					metrics.Metrics.SubscribersDropped.Inc()
				}
			}
		}
		b.mu.Unlock()
	}
}

// send tries to enqueue without blocking, then waits up to the enqueue
// deadline. False means the subscriber is dead.
func (b *Broker) send(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}

	timer := b.clock.Timer(enqueueDeadline)
	defer timer.Stop()
	select {
	case ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}
