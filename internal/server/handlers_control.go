package server

import (
	"log/slog"
	"net/http"
)

// HandleControl is the port-8082 handler: GET /health plus the agent
// control-channel upgrade.
func (s *Service) HandleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		connections, registrations := s.Counts()
		writeJSONHealth(w, map[string]any{
			"status":        "healthy",
			"connections":   connections,
			"registrations": registrations,
			"port":          "8082",
			"instance_id":   s.InstanceID,
			"started_at":    s.StartedAt.Unix(),
		})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !isWebSocketUpgrade(r) {
		http.Error(w, "WebSocket upgrade required", http.StatusBadRequest)
		return
	}

	if s.AtConnectionLimit() {
		http.Error(w, "Too Many Connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("control channel upgrade failed", "error", err)
		return
	}

	go s.HandleControlConnection(conn)
}
