package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"assetflow/internal/engine"
)

const (
	eventsWriteWait = 10 * time.Second
	eventsPongWait  = 60 * time.Second
	eventsPingEvery = (eventsPongWait * 9) / 10
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type eventsOutbound struct {
	Type  string        `json:"type"`
	Event *engine.Event `json:"event,omitempty"`
	Job   string        `json:"job,omitempty"`
	RunID string        `json:"run_id,omitempty"`
}

// handleEvents streams engine events. Optional query parameters job and
// run_id narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobFilter := strings.TrimSpace(r.URL.Query().Get("job"))
	runFilter := strings.TrimSpace(r.URL.Query().Get("run_id"))

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(eventsPongWait)); err != nil {
		s.log.Warn("events ws set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})

	events, unsubscribe := s.hub.Subscribe(64)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the connection unblocks the read loop below.
		defer conn.Close()
		ticker := time.NewTicker(eventsPingEvery)
		defer ticker.Stop()

		write := func(out eventsOutbound) bool {
			if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
				return false
			}
			return conn.WriteJSON(out) == nil
		}
		if !write(eventsOutbound{Type: "subscribed", Job: jobFilter, RunID: runFilter}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if jobFilter != "" && ev.Job != jobFilter {
					continue
				}
				if runFilter != "" && ev.RunID != runFilter {
					continue
				}
				if !write(eventsOutbound{Type: "event", Event: &ev}) {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Inbound messages are ignored; reading keeps pong handling alive and
	// notices when the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			<-writerDone
			return
		}
	}
}
