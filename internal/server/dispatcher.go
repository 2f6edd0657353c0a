package server

import (
	"context"
	"log/slog"

	"github.com/kloudcover/anywhere-mesh/internal/errs"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// Dispatcher routes parsed control-channel frames to the right
// component and writes the reply back onto the connection's sender.
// An unknown message type gets a rejection reply, never a dropped
// connection — a malformed or unexpected frame is the agent's bug to
// fix, not a reason to tear down an otherwise healthy channel.
type Dispatcher struct {
	registry *Registry
	auth     *Authenticator
	router   *Router
}

// NewDispatcher wires a Dispatcher to its collaborators.
func NewDispatcher(registry *Registry, auth *Authenticator, router *Router) *Dispatcher {
	return &Dispatcher{registry: registry, auth: auth, router: router}
}

// Handle processes one already-decoded frame for connectionID.
func (d *Dispatcher) Handle(ctx context.Context, connectionID string, msg *meshproto.Message) {
	switch msg.Type {
	case meshproto.KindIamAuth:
		d.handleIamAuth(ctx, connectionID, msg)

	case meshproto.KindServiceRegistration:
		d.handleServiceRegistration(connectionID, msg)

	case meshproto.KindHeartBeat:
		d.handleHeartbeat(connectionID)

	case meshproto.KindProxyResponse:
		if !d.router.HandleResponse(msg) {
			slog.Warn("response for unknown request id, discarding", "request_id", msg.ID)
		}

	case meshproto.KindServiceDeregistration:
		d.registry.DeregisterService(connectionID)

	default:
		d.reply(connectionID, &meshproto.Message{
			Type:     meshproto.KindRegistrationAck,
			Success:  false,
			AckMessage: "bad request: unknown message type",
		})
	}
}

func (d *Dispatcher) handleIamAuth(ctx context.Context, connectionID string, msg *meshproto.Message) {
	resp := d.auth.Authenticate(ctx, msg)
	d.reply(connectionID, resp)
}

func (d *Dispatcher) handleServiceRegistration(connectionID string, msg *meshproto.Message) {
	reg := Registration{
		Host:            msg.Host,
		Port:            msg.Port,
		ServiceName:     msg.ServiceName,
		ClusterName:     msg.ClusterName,
		TaskArn:         msg.TaskArn,
		HealthCheckPath: msg.HealthCheckPath,
		Attributes:      msg.Attributes,
	}
	err := d.registry.RegisterService(connectionID, reg)
	ack := &meshproto.Message{Type: meshproto.KindRegistrationAck, ID: connectionID}
	if err != nil {
		ack.Success = false
		ack.AckMessage = err.Error()
	} else {
		ack.Success = true
		ack.AckMessage = "registered"
	}
	d.reply(connectionID, ack)
}

func (d *Dispatcher) handleHeartbeat(connectionID string) {
	if err := d.registry.UpdateHeartbeat(connectionID); err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.RegistryNotFound {
			slog.Warn("heartbeat for unknown connection, dropping", "connection_id", connectionID)
			return
		}
		slog.Error("heartbeat update failed", "connection_id", connectionID, "error", err)
	}
}

func (d *Dispatcher) reply(connectionID string, msg *meshproto.Message) {
	sender, ok := d.registry.GetConnectionSender(connectionID)
	if !ok {
		slog.Warn("cannot reply, connection gone", "connection_id", connectionID)
		return
	}
	encoded, err := meshproto.Encode(msg)
	if err != nil {
		slog.Error("encoding reply failed", "error", err)
		return
	}
	select {
	case sender <- encoded:
	default:
		slog.Warn("reply dropped, send buffer full", "connection_id", connectionID)
	}
}
