package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/pipeline"
	"github.com/ent0n29/vigil/internal/protocol"
	"github.com/ent0n29/vigil/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

// handleSessionWS streams a live session. Client frames carry audio chunks,
// transcript text and control actions; server frames carry the session's
// pipeline events. Disconnecting leaves the session running.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	events, unsubscribe, err := s.svc.Subscribe(sessionID, 64)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Errors are queued to the writer so websocket writes stay single-threaded.
	outbound := make(chan any, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
						time.Now().Add(time.Second))
					_ = conn.Close()
					return
				}
				msg := messageFor(ev)
				if msg == nil {
					continue
				}
				if !s.write(conn, msg) {
					return
				}
			case msg := <-outbound:
				if !s.write(conn, msg) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(outbound, errorEvent(sessionID, "invalid_client_message", false, err))
			continue
		}
		s.wsMessage("inbound", messageTypeOf(parsed))
		if err := s.dispatch(ctx, sessionID, parsed); err != nil {
			_, code := classify(err)
			retryable := errors.Is(err, pipeline.ErrBackpressure) || code == "try_again"
			s.queue(outbound, errorEvent(sessionID, code, retryable, err))
		}
	}

	cancel()
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

func (s *Server) dispatch(ctx context.Context, sessionID string, msg any) error {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		chunk, err := m.Chunk()
		if err != nil {
			return err
		}
		return s.svc.PushAudioChunk(ctx, sessionID, chunk)
	case protocol.ClientTranscript:
		if m.SessionID != sessionID {
			return session.ErrNotFound
		}
		return s.svc.PushTranscript(ctx, sessionID, m.Text, m.Final)
	case protocol.ClientControl:
		if m.SessionID != sessionID {
			return session.ErrNotFound
		}
		switch m.Action {
		case protocol.ActionPause:
			return s.svc.UpdateStatus(ctx, sessionID, session.StatusPaused)
		case protocol.ActionResume:
			return s.svc.UpdateStatus(ctx, sessionID, session.StatusActive)
		case protocol.ActionEnd:
			_, err := s.svc.EndSession(ctx, sessionID)
			return err
		}
	}
	return nil
}

func (s *Server) write(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		logging.Debugw("websocket write failed", "error", err)
		return false
	}
	s.wsMessage("outbound", messageTypeOf(msg))
	return true
}

func (s *Server) queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		s.wsMessage("dropped", messageTypeOf(msg))
	}
}

func (s *Server) wsMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil && t != "" {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func errorEvent(sessionID, code string, retryable bool, err error) protocol.ErrorEvent {
	detail := err.Error()
	if code == "try_again" {
		logging.Errorw("websocket request failed", "session.id", sessionID, "error", err)
		detail = "temporarily unavailable, try again"
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: retryable,
		Detail:    detail,
	}
}

// messageFor converts a pipeline event to its wire message. Events with a
// missing payload yield nil.
func messageFor(ev pipeline.Event) any {
	switch ev.Type {
	case pipeline.EventAssessment:
		if ev.Assessment == nil {
			return nil
		}
		return protocol.Assessment{
			Type:       protocol.TypeAssessment,
			SessionID:  ev.SessionID,
			Seq:        ev.Seq,
			State:      string(ev.State),
			TurnEnded:  ev.TurnEnded,
			Assessment: *ev.Assessment,
		}
	case pipeline.EventAlert:
		if ev.Emergency == nil {
			return nil
		}
		return protocol.EmergencyAlert{Type: protocol.TypeEmergencyAlert, SessionID: ev.SessionID, Event: *ev.Emergency}
	case pipeline.EventNotification:
		if ev.Emergency == nil {
			return nil
		}
		return protocol.NotificationResult{
			Type:       protocol.TypeNotification,
			SessionID:  ev.SessionID,
			Event:      *ev.Emergency,
			Deliveries: ev.Deliveries,
		}
	case pipeline.EventTranscript:
		if ev.Transcript == nil {
			return nil
		}
		return protocol.Transcript{Type: protocol.TypeTranscript, SessionID: ev.SessionID, Transcript: *ev.Transcript}
	case pipeline.EventChunkDropped:
		return protocol.ChunkDropped{Type: protocol.TypeChunkDropped, SessionID: ev.SessionID, Seq: ev.Seq, Reason: ev.Reason}
	case pipeline.EventSessionEnded:
		if ev.Summary == nil {
			return nil
		}
		return protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: ev.SessionID, Summary: *ev.Summary}
	default:
		return nil
	}
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type
	case protocol.ClientTranscript:
		return m.Type
	case protocol.ClientControl:
		return m.Type
	case protocol.Assessment:
		return m.Type
	case protocol.EmergencyAlert:
		return m.Type
	case protocol.NotificationResult:
		return m.Type
	case protocol.Transcript:
		return m.Type
	case protocol.ChunkDropped:
		return m.Type
	case protocol.SessionEnded:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return ""
	}
}
