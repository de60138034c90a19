package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
)

const sseHeartbeatInterval = 15 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API already allows cross-origin REST calls; the socket carries
	// only event fan-out, no commands.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamPatterns maps the optional ?topic= filter onto bus subscription
// patterns. Default is every lifecycle topic plus cleanup and storage audit.
func streamPatterns(r *http.Request) []string {
	if topic := r.URL.Query().Get("topic"); topic != "" {
		return []string{topic}
	}
	return []string{"evaluation.*", events.TopicWorkloadCleaned, events.TopicStorageUpdated}
}

// handleSSE streams bus envelopes as Server-Sent Events. An optional
// ?eval_id= narrows the stream to one evaluation.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.bus.Subscribe(streamPatterns(r)...)
	defer cancel()

	evalFilter := r.URL.Query().Get("eval_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment frame keeps intermediaries from closing idle streams.
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-ch:
			if !open {
				return
			}
			if evalFilter != "" && env.EvalID != evalFilter {
				continue
			}
			frame, err := env.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket streams the same envelopes over a websocket, one JSON
// message per event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️  Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe(streamPatterns(r)...)
	defer cancel()

	evalFilter := r.URL.Query().Get("eval_id")

	// Reader goroutine: clients send nothing, but we must drain control
	// frames and notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-heartbeat.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case env, open := <-ch:
			if !open {
				return
			}
			if evalFilter != "" && env.EvalID != evalFilter {
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
