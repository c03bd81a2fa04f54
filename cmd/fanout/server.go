package main

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/logger"
	"github.com/blockpilot/worker/common/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The platform gateway terminates auth and origin checks before
	// traffic reaches this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server upgrades WebSocket requests and joins clients to execution
// event rooms.
type server struct {
	bus *events.Bus
	log *logger.Logger
}

func newServer(bus *events.Bus, log *logger.Logger) *server {
	return &server{
		bus: bus,
		log: log,
	}
}

// handleWebSocket upgrades the connection and subscribes it to one
// execution's events.
// URL: /ws?execution_id=<uuid>&user_id=<id>
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")
	if executionID == "" {
		http.Error(w, "execution_id query parameter required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe(executionID)
	c := newClient(conn, sub, executionID, s.log)
	metrics.FanoutConnections.Inc()

	s.log.Info("websocket client connected",
		"execution_id", executionID,
		"user_id", userID,
		"remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// handleHealth answers gateway liveness probes.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
