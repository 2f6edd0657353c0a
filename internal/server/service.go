package server

import (
	"time"

	"github.com/google/uuid"

	"github.com/kloudcover/anywhere-mesh/internal/common"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// Service wires together the Registry, Authenticator, Dispatcher,
// Router and Tunnel that make up one running ingress process.
type Service struct {
	InstanceID string
	StartedAt  time.Time

	registry   *Registry
	auth       *Authenticator
	router     *Router
	dispatcher *Dispatcher
	tunnel     *Tunnel

	maxConnections int
}

// NewService builds a fully wired Service. InstanceID is a fresh
// unique id per process start, reported back on /health so an
// operator can tell a restart apart from a still-running process.
func NewService(auth *Authenticator, requestTimeout time.Duration, maxConnections int) *Service {
	registry := NewRegistry()
	router := NewRouter(registry, requestTimeout)
	dispatcher := NewDispatcher(registry, auth, router)
	tunnel := NewTunnel(registry)

	return &Service{
		InstanceID:     uuid.New().String(),
		StartedAt:      time.Now(),
		registry:       registry,
		auth:           auth,
		router:         router,
		dispatcher:     dispatcher,
		tunnel:         tunnel,
		maxConnections: maxConnections,
	}
}

// AtConnectionLimit reports whether the registry already holds
// maxConnections live control channels, so the control-port handler
// can reject further upgrades.
func (s *Service) AtConnectionLimit() bool {
	if s.maxConnections <= 0 {
		return false
	}
	connections, _ := s.registry.Counts()
	return connections >= s.maxConnections
}

// Counts exposes connection/registration counts for health/metrics.
func (s *Service) Counts() (connections, registrations int) {
	return s.registry.Counts()
}

// RouteDownstreamRequest is the ALB handler's entry point into the
// router.
func (s *Service) RouteDownstreamRequest(req *meshproto.Message) *meshproto.Message {
	return s.router.RouteRequest(req)
}

// ResolveHealthyConnection finds a healthy agent connection for host,
// used by the WS tunnel's edge entry point which needs the
// connection id before it can send WebSocketProxyInit.
func (s *Service) ResolveHealthyConnection(host string) (connectionID string, found bool) {
	candidates := s.router.findMatchingServices(host)
	if len(candidates) == 0 {
		return "", false
	}
	_, health := s.registry.Snapshot()
	healthy, ok := common.SelectHealthyInstance(candidates, health)
	if !ok {
		return "", false
	}
	return healthy.ConnectionID, true
}
