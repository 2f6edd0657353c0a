package server

import (
	"sync"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/common"
	"github.com/kloudcover/anywhere-mesh/internal/errs"
)

// ConnectionInfo tracks a single accepted agent control channel.
type ConnectionInfo struct {
	ID            string
	ServiceName   string
	Host          string
	Port          uint16
	LastHeartbeat time.Time
	Attributes    map[string]string
}

// Registration is a service registration, normalized so that its ID
// always equals the owning connection's ID: a connection owns at most
// one registration at a time.
type Registration struct {
	ID              string
	Host            string
	Port            uint16
	ServiceName     string
	ClusterName     string
	TaskArn         string
	HealthCheckPath string
	Attributes      map[string]string
}

// Sender is the per-connection outbound channel: exactly one consumer
// goroutine drains it and writes frames to the socket — a
// single-writer discipline enforced by construction, not by locking.
type Sender chan []byte

// Registry is the server's in-memory connection/registration/sender
// bookkeeping: a sync.RWMutex-guarded set of maps, purely in-memory —
// no on-disk persistence.
type Registry struct {
	mu            sync.RWMutex
	connections   map[string]*ConnectionInfo
	registrations map[string]*Registration
	senders       map[string]Sender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		connections:   make(map[string]*ConnectionInfo),
		registrations: make(map[string]*Registration),
		senders:       make(map[string]Sender),
	}
}

// RegisterConnection records a freshly accepted control channel.
func (r *Registry) RegisterConnection(id string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[id] = &ConnectionInfo{ID: id, LastHeartbeat: time.Now()}
	r.senders[id] = sender
}

// RemoveConnection purges id from all three maps before returning, so
// removing a connection always removes every registration it owns.
func (r *Registry) RemoveConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
	delete(r.registrations, id)
	delete(r.senders, id)
}

// RegisterService inserts or overwrites the registration owned by
// connectionID, and refreshes that connection's heartbeat.
func (r *Registry) RegisterService(connectionID string, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return errs.RegistryNotFoundErr("unknown connection " + connectionID)
	}
	reg.ID = connectionID
	r.registrations[connectionID] = &reg
	conn.ServiceName = reg.ServiceName
	conn.Host = reg.Host
	conn.Port = reg.Port
	conn.Attributes = reg.Attributes
	conn.LastHeartbeat = time.Now()
	return nil
}

// DeregisterService removes the registration owned by connectionID,
// leaving the connection itself intact.
func (r *Registry) DeregisterService(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registrations, connectionID)
}

// UpdateHeartbeat refreshes connectionID's last-heartbeat time. Fails
// with RegistryNotFound for an unknown connection.
func (r *Registry) UpdateHeartbeat(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return errs.RegistryNotFoundErr("unknown connection " + connectionID)
	}
	conn.LastHeartbeat = time.Now()
	return nil
}

// GetConnectionSender returns the outbound channel for connectionID.
func (r *Registry) GetConnectionSender(connectionID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[connectionID]
	return s, ok
}

// GetAllConnections returns a snapshot copy of every known connection.
func (r *Registry) GetAllConnections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, *c)
	}
	return out
}

// GetAllRegistrations returns a snapshot copy of every registration.
func (r *Registry) GetAllRegistrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, *reg)
	}
	return out
}

// Snapshot returns the data common.MatchHostToService/SelectHealthyInstance
// need, built under a single lock acquisition so the two maps are
// mutually consistent.
func (r *Registry) Snapshot() ([]common.Registration, map[string]common.ConnectionHealth) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]common.Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, common.Registration{ConnectionID: reg.ID, Host: reg.Host})
	}
	health := make(map[string]common.ConnectionHealth, len(r.connections))
	for id, c := range r.connections {
		health[id] = common.ConnectionHealth{LastHeartbeat: c.LastHeartbeat}
	}
	return regs, health
}

// Counts returns the current connection and registration counts, used
// by the health/metrics handlers.
func (r *Registry) Counts() (connections, registrations int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections), len(r.registrations)
}
