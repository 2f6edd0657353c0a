package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func encodeHealthJSON(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return `{"status":"error"}`
	}
	return string(data)
}

// HandleInternal is the port-8081 operator handler: GET /health and
// GET /metrics.
func (s *Service) HandleInternal(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		connections, registrations := s.Counts()
		writeJSONHealth(w, map[string]any{
			"status":        "healthy",
			"connections":   connections,
			"registrations": registrations,
			"instance_id":   s.InstanceID,
			"started_at":    s.StartedAt.Unix(),
		})

	case r.Method == http.MethodGet && r.URL.Path == "/metrics":
		connections, registrations := s.Counts()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "# HELP connections_total Number of connected agents.\n")
		fmt.Fprintf(w, "# TYPE connections_total gauge\n")
		fmt.Fprintf(w, "connections_total %d\n", connections)
		fmt.Fprintf(w, "# HELP registrations_total Number of registered services.\n")
		fmt.Fprintf(w, "# TYPE registrations_total gauge\n")
		fmt.Fprintf(w, "registrations_total %d\n", registrations)

	default:
		http.NotFound(w, r)
	}
}
