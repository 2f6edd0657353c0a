package server

import (
	"sync"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/common"
	"github.com/kloudcover/anywhere-mesh/internal/errs"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

const hostCacheTTL = 30 * time.Second

type hostCacheEntry struct {
	services  []common.Registration
	timestamp time.Time
}

// Router resolves downstream requests to a healthy agent connection
// and correlates ProxyResponse frames back to the forwarding call that
// is waiting on them.
type Router struct {
	registry *Registry

	requestTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan *meshproto.Message

	cacheMu sync.RWMutex
	cache   map[string]hostCacheEntry
}

// NewRouter creates a Router with the given per-request forwarding
// deadline.
func NewRouter(registry *Registry, requestTimeout time.Duration) *Router {
	return &Router{
		registry:       registry,
		requestTimeout: requestTimeout,
		pending:        make(map[string]chan *meshproto.Message),
		cache:          make(map[string]hostCacheEntry),
	}
}

func (rt *Router) findMatchingServices(host string) []common.Registration {
	rt.cacheMu.RLock()
	entry, ok := rt.cache[host]
	rt.cacheMu.RUnlock()
	if ok && time.Since(entry.timestamp) < hostCacheTTL {
		return entry.services
	}

	regs, _ := rt.registry.Snapshot()
	matches := common.MatchHostToService(host, regs)

	rt.cacheMu.Lock()
	rt.cache[host] = hostCacheEntry{services: matches, timestamp: time.Now()}
	rt.cacheMu.Unlock()

	return matches
}

// RouteRequest resolves the target host, filters to a healthy
// instance, forwards, and awaits the reply — returning a well-formed
// ProxyResponse in every case (errors never escape as exceptions to
// the HTTP layer).
func (rt *Router) RouteRequest(req *meshproto.Message) *meshproto.Message {
	candidates := rt.findMatchingServices(req.TargetHost)
	if len(candidates) == 0 {
		return errorResponse(req.ID, 404, "Service Not Found")
	}

	_, health := rt.registry.Snapshot()
	healthy, ok := common.SelectHealthyInstance(candidates, health)
	if !ok {
		return errorResponse(req.ID, 503, "No healthy service available")
	}

	resp, err := rt.forwardAndWait(healthy.ConnectionID, req)
	if err != nil {
		if kind, ok := errs.KindOf(err); ok {
			switch kind {
			case errs.Timeout:
				return errorResponse(req.ID, 504, "Gateway Timeout")
			}
		}
		return errorResponse(req.ID, 503, "Service Unavailable")
	}
	return resp
}

func (rt *Router) forwardAndWait(connectionID string, req *meshproto.Message) (*meshproto.Message, error) {
	sender, ok := rt.registry.GetConnectionSender(connectionID)
	if !ok {
		return nil, errs.RegistryNotFoundErr("connection sender missing for " + connectionID)
	}

	reply := make(chan *meshproto.Message, 1)
	rt.pendingMu.Lock()
	rt.pending[req.ID] = reply
	rt.pendingMu.Unlock()

	encoded, err := meshproto.Encode(req)
	if err != nil {
		rt.removePending(req.ID)
		return nil, errs.Serdef(err, "encoding ProxyRequestForward")
	}

	select {
	case sender <- encoded:
	default:
		// Sender is an unbounded channel in spirit (buffered large); a
		// full buffer here means the peer is not draining — treat as
		// a send failure rather than blocking the router goroutine.
		rt.removePending(req.ID)
		return nil, errs.SendFailedf(nil, "agent send buffer full for connection %s", connectionID)
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-time.After(rt.requestTimeout):
		rt.removePending(req.ID)
		return nil, errs.TimeoutErr("request " + req.ID + " timed out")
	}
}

func (rt *Router) removePending(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pending, requestID)
	rt.pendingMu.Unlock()
}

// HandleResponse demultiplexes an inbound ProxyResponse to its
// waiting forwardAndWait call. A response whose id is not pending is
// logged by the caller and discarded — not an error.
func (rt *Router) HandleResponse(resp *meshproto.Message) bool {
	rt.pendingMu.Lock()
	reply, ok := rt.pending[resp.ID]
	if ok {
		delete(rt.pending, resp.ID)
	}
	rt.pendingMu.Unlock()

	if !ok {
		return false
	}
	reply <- resp
	return true
}

func errorResponse(id string, status int, body string) *meshproto.Message {
	return &meshproto.Message{
		Type:       meshproto.KindProxyResponse,
		ID:         id,
		StatusCode: status,
		Body:       []byte(body),
	}
}
