package server

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/kloudcover/anywhere-mesh/internal/httpforward"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

func wsProxyEnabled() bool {
	v := strings.ToLower(os.Getenv("ENABLE_ALB_WS_PROXY"))
	return v != "false" && v != "0"
}

func targetHostFromRequest(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// HandleEdge is the port-8080 handler: downstream HTTP + upgradable
// WebSocket.
func (s *Service) HandleEdge(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		if !wsProxyEnabled() {
			http.Error(w, "Not Implemented", http.StatusNotImplemented)
			return
		}
		host := targetHostFromRequest(r)
		connectionID, ok := s.ResolveHealthyConnection(host)
		if !ok {
			candidates := s.router.findMatchingServices(host)
			if len(candidates) == 0 {
				http.Error(w, "Service Not Found", http.StatusNotFound)
			} else {
				http.Error(w, "No healthy service available", http.StatusServiceUnavailable)
			}
			return
		}
		s.tunnel.StartFromEdge(w, r, connectionID, host)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		connections, registrations := s.Counts()
		writeJSONHealth(w, map[string]any{
			"status":        "healthy",
			"connections":   connections,
			"registrations": registrations,
			"port":          "8080",
		})
		return
	}

	s.processEdgeRequest(w, r)
}

func (s *Service) processEdgeRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read edge request body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	host := targetHostFromRequest(r)
	headers := httpforward.FilterEdgeHeaders(r.Header)

	req := &meshproto.Message{
		Type:       meshproto.KindProxyRequestForward,
		ID:         uuid.New().String(),
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Headers:    headers,
		TargetHost: host,
	}
	if len(body) > 0 {
		req.Body = body
	}

	resp := s.RouteDownstreamRequest(req)
	writeProxyResponse(w, resp)
}

// writeProxyResponse writes a ProxyResponse's ordered header list
// preserving duplicates exactly, then the status and body.
func writeProxyResponse(w http.ResponseWriter, resp *meshproto.Message) {
	for _, h := range resp.HeaderList {
		w.Header().Add(h.Name, h.Value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

func writeJSONHealth(w http.ResponseWriter, fields map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, encodeHealthJSON(fields))
}
