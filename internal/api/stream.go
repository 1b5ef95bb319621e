package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/smartfarm-agent/internal/events"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

// handleEventStream upgrades to a WebSocket, replays the retained
// history and then forwards live events until the client goes away.
// Slow clients lose events rather than stalling the bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// Subscribe before replaying so nothing falls in the gap; an event
	// emitted during replay may be delivered twice.
	sub := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	for _, e := range s.bus.Recent() {
		if err := s.writeEvent(ws, e); err != nil {
			return
		}
	}

	// Reader goroutine: detects close frames and dead peers.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := s.writeEvent(ws, e); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ws *websocket.Conn, e events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := ws.WriteJSON(e); err != nil {
		s.logger.Debug("event stream write failed", "error", err)
		return err
	}
	return nil
}
