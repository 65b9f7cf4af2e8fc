package pipeline

import (
	"time"

	"github.com/ent0n29/vigil/internal/detect"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/notify"
	"github.com/ent0n29/vigil/internal/session"
)

type EventType string

const (
	EventAssessment   EventType = "assessment"
	EventAlert        EventType = "alert"
	EventNotification EventType = "notification"
	EventTranscript   EventType = "transcript"
	EventChunkDropped EventType = "chunk_dropped"
	EventSessionEnded EventType = "session_ended"
)

// Event is published to a live session's subscribers.
type Event struct {
	Type       EventType               `json:"type"`
	SessionID  string                  `json:"session_id"`
	Seq        int64                   `json:"seq,omitempty"`
	State      detect.State            `json:"state,omitempty"`
	TurnEnded  bool                    `json:"turn_ended,omitempty"`
	Assessment *fusion.Assessment      `json:"assessment,omitempty"`
	Emergency  *session.EmergencyEvent `json:"emergency,omitempty"`
	Deliveries []notify.Delivery       `json:"deliveries,omitempty"`
	Transcript *session.Transcription  `json:"transcript,omitempty"`
	Summary    *session.Summary        `json:"summary,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	At         time.Time               `json:"at"`
}

func (w *worker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	w.subMu.Lock()
	defer w.subMu.Unlock()
	if w.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	return ch, func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		if c, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(c)
		}
	}
}

// publish never blocks the worker; a full subscriber misses the event.
func (w *worker) publish(ev Event) {
	ev.SessionID = w.id
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			w.log.Debugw("subscriber slow, event dropped", "event", ev.Type)
		}
	}
}

func (w *worker) closeSubscribers() {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
	w.subsClosed = true
}
