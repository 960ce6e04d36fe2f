package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/hub"
)

// keepAlive is written to idle chunked streams. Event decoders skip whitespace.
var keepAlive = []byte("\n")

// handleWatch streams events as newline-terminated JSON objects over a chunked
// response until the client goes away or the subscription ends.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.WarnContext(r.Context(), "stream flush unsupported", "error", err)
		return
	}

	write := func(data []byte) error {
		// Writers without deadline support return ErrNotSupported.
		_ = rc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if _, err := w.Write(data); err != nil {
			return err
		}
		return rc.Flush()
	}

	s.logger.DebugContext(r.Context(), "watch started", "subscriber", sub.ID())
	idle := time.NewTimer(s.opts.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-sub.Events():
			if err := write(data); err != nil {
				s.logger.DebugContext(r.Context(), "watch write failed", "subscriber", sub.ID(), "error", err)
				return
			}
			idle.Reset(s.opts.KeepAlive)
		case <-idle.C:
			if err := write(keepAlive); err != nil {
				return
			}
			idle.Reset(s.opts.KeepAlive)
		case <-sub.Done():
			for _, data := range pending(sub) {
				if err := write(data); err != nil {
					return
				}
			}
			if data := closingEvent(sub); data != nil {
				_ = write(data)
			}
			return
		}
	}
}

// handleWebSocket streams events as websocket text frames, one event per frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	// The read loop only drains control frames and notices the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(messageType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		return conn.WriteMessage(messageType, data)
	}

	s.logger.DebugContext(r.Context(), "websocket watch started", "subscriber", sub.ID())
	idle := time.NewTimer(s.opts.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case data := <-sub.Events():
			if err := write(websocket.TextMessage, data); err != nil {
				s.logger.DebugContext(r.Context(), "websocket write failed", "subscriber", sub.ID(), "error", err)
				return
			}
			idle.Reset(s.opts.KeepAlive)
		case <-idle.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
			idle.Reset(s.opts.KeepAlive)
		case <-sub.Done():
			for _, data := range pending(sub) {
				if err := write(websocket.TextMessage, data); err != nil {
					return
				}
			}
			if data := closingEvent(sub); data != nil {
				_ = write(websocket.TextMessage, data)
			}
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// pending returns the events still buffered when the hub closed a
// subscription. Evicted subscribers get none: their reader is already behind.
func pending(sub *hub.Subscription) [][]byte {
	if !errors.Is(sub.Err(), hub.ErrClosed) {
		return nil
	}
	var out [][]byte
	for {
		select {
		case data := <-sub.Events():
			out = append(out, data)
		default:
			return out
		}
	}
}

// closingEvent encodes the error event sent when the hub ends a subscription.
func closingEvent(sub *hub.Subscription) []byte {
	err := sub.Err()
	if err == nil {
		return nil
	}
	msg := err.Error()
	if errors.Is(err, hub.ErrClosed) {
		msg = "server shutting down"
	}
	data, _ := event.Marshal(event.Error(msg))
	return data
}
