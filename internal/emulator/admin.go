package emulator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conbus/xp/internal/middleware"
)

// adminRouter exposes the inspection and control surface: device table,
// connected clients, frame history, counters, Prometheus metrics, and the
// storm toggle.
func (s *Server) adminRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recover(s.log), middleware.Logging(s.log))
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/api/v1/devices/{serial}", s.handleDevice).Methods("GET")
	r.HandleFunc("/api/v1/devices/{serial}/storm", s.handleStorm).Methods("POST")
	r.HandleFunc("/api/v1/clients", s.handleClients).Methods("GET")
	r.HandleFunc("/api/v1/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.started).String(),
		"modules": s.table.Len(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   s.table.Len(),
		"devices": s.table.Snapshots(),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	d, ok := s.table.Lookup(serial)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown serial number"})
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// handleStorm flips a device's response mode. The device starts bursting
// on its next inbound frame; an empty body enables the storm.
func (s *Server) handleStorm(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	d, ok := s.table.Lookup(serial)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown serial number"})
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	on := req.Enabled == nil || *req.Enabled

	d.SetStorm(on)
	s.log.Info("storm mode changed", "serial", serial, "enabled", on)
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	type clientView struct {
		ID          string `json:"id"`
		RemoteAddr  string `json:"remote_addr"`
		ConnectedAt string `json:"connected_at"`
		Delivered   int64  `json:"delivered"`
		Dropped     int64  `json:"dropped"`
	}

	clients := s.hub.Clients()
	out := make([]clientView, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientView{
			ID:          c.ID,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt.UTC().Format(time.RFC3339),
			Delivered:   c.Delivered.Load(),
			Dropped:     c.Dropped.Load(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"clients": out,
	})
}

// handleFrames returns the retained bus traffic, oldest first.
func (s *Server) handleFrames(w http.ResponseWriter, _ *http.Request) {
	frames := s.history.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(frames),
		"frames": frames,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"modules":        s.table.Len(),
		"clients":        s.hub.Len(),
		"broadcasts":     s.hub.Broadcasts.Load(),
		"dropped_frames": s.hub.Drops.Load(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
