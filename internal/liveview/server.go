// Package liveview exposes a minimal HTTP+WebSocket view of the
// coordinator: a JSON snapshot of known devices plus a live stream of
// decoded readings and announcements, for a browser dashboard or any other
// consumer that wants to watch the network without a full MQTT stack.
package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"zstack-coordinator/internal/coordinator"
	"zstack-coordinator/internal/devicedb"
)

// Server is the HTTP+WebSocket server for the live view.
type Server struct {
	coord          *coordinator.Coordinator
	hub            *wsHub
	logger         *slog.Logger
	mux            *http.ServeMux
	allowedOrigins []string
	unsubs         []func()

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the accepted WebSocket origin patterns.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// NewServer builds a live-view server bound to addr. Call Start to serve.
func NewServer(coord *coordinator.Coordinator, addr string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "liveview")

	s := &Server{
		coord:  coord,
		hub:    newWSHub(logger),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("/api/devices", s.handleDevices)
	s.mux.HandleFunc("/api/devices/", s.handleDeviceHistory)
	s.mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

// Start begins serving HTTP and relaying coordinator events to WebSocket
// clients. It blocks until the listener stops; run it in a goroutine.
func (s *Server) Start() error {
	go s.hub.run()

	s.unsubs = append(s.unsubs,
		s.coord.OnReading(func(ev coordinator.ReadingEvent) {
			s.hub.broadcastMsg(readingMessage(ev))
		}),
		s.coord.OnAnnounce(func(ev coordinator.AnnounceEvent) {
			s.hub.broadcastMsg(map[string]any{
				"type":       "device_announce",
				"ieee":       ev.IEEE,
				"short_addr": ev.ShortAddr,
			})
		}),
	)

	s.logger.Info("liveview server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server and closes WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.hub.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

// handleDeviceHistory serves /api/devices/{ieee}/{kind} with the recorded
// time series for that reading kind.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	ieee, kind, ok := parseDeviceHistoryPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if _, err := s.coord.Devices().Get(ieee); err != nil {
		if errors.Is(err, devicedb.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = t
	}

	samples, err := s.coord.Recorder().Query(ieee, kind, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, samples)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
