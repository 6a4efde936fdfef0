package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conbus/xp/internal/middleware"
	"github.com/conbus/xp/internal/telegram"
)

// FrameEvent is one traced frame as streamed to websocket observers.
type FrameEvent struct {
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
	Frame     string `json:"frame"`
	Serial    string `json:"serial,omitempty"`
	Function  string `json:"function,omitempty"`
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// The feed serves local tooling on a trusted network segment; every origin
// is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// publish retains one traced frame in the history ring and fans it out to
// every observer.
func (s *Server) publish(dir, ts string, tg telegram.Telegram) {
	ev := FrameEvent{
		Direction: dir,
		Timestamp: ts,
		Frame:     tg.FrameString(),
	}
	if tg.IsSystem() || tg.IsReply() {
		ev.Serial = tg.SerialNumber
		ev.Function = tg.Function.String()
	}
	s.history.Push(ev)

	buf, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("observer event marshal failed", "err", err)
		return
	}
	s.observers.Broadcast(buf)
}

// adminRouter exposes the observer feed and the inspection surface.
func (s *Server) adminRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recover(s.log), middleware.Logging(s.log))
	r.HandleFunc("/ws", s.handleObserver)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/v1/frames", s.handleFrames).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// handleObserver upgrades the request and streams frame events until the
// observer disconnects or falls behind its buffer.
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("observer upgrade failed", "err", err)
		return
	}

	client := s.observers.Register(uuid.New().String(), r.RemoteAddr)
	s.metrics.ObserversConnected.Inc()
	s.log.Info("observer connected", "observer", client.ID, "addr", r.RemoteAddr)

	defer func() {
		conn.Close()
		s.observers.Unregister(client.ID)
		s.metrics.ObserversConnected.Dec()
		s.log.Info("observer disconnected", "observer", client.ID,
			"delivered", client.Delivered.Load(), "dropped", client.Dropped.Load())
	}()

	// The reader only services control frames; observers never send data.
	go func() {
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "observer buffer overflow"))
			return
		case <-s.stopping:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "proxy shutting down"))
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"uptime":   time.Since(s.started).String(),
		"upstream": s.opts.Upstream,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"upstream":         s.opts.Upstream,
		"upstream_circuit": s.breaker.State().String(),
		"sessions":         s.sessionCount(),
		"sessions_total":   s.sessionsTotal.Load(),
		"frames_traced":    s.framesTraced.Load(),
		"observers":        s.observers.Len(),
		"observer_drops":   s.observers.Drops.Load(),
		"observer_bcasts":  s.observers.Broadcasts.Load(),
	})
}

// handleFrames returns the retained trace history, oldest first.
func (s *Server) handleFrames(w http.ResponseWriter, _ *http.Request) {
	frames := s.history.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(frames),
		"frames": frames,
	})
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
