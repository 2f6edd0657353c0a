package server

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// senderBufferSize bounds the per-connection outbound channel. Frames
// beyond this depth indicate the peer has stopped reading; the router
// treats a full buffer as a send failure rather than blocking
// forever.
const senderBufferSize = 4096

// HandleControlConnection owns one agent's control channel end to
// end: register, pump inbound/outbound concurrently, and always
// deregister on exit — regardless of which side triggered the exit.
//
// conn is already an upgraded *websocket.Conn (see handlers_control.go).
func (s *Service) HandleControlConnection(conn *websocket.Conn) {
	connectionID := uuid.New().String()
	sender := make(Sender, senderBufferSize)
	s.registry.RegisterConnection(connectionID, sender)

	slog.Info("agent connected", "connection_id", connectionID)

	done := make(chan struct{})

	go s.outgoingPump(conn, sender, done)
	s.incomingPump(conn, connectionID, done)

	s.registry.RemoveConnection(connectionID)
	s.tunnel.RemoveSessionsForConnection(connectionID)
	slog.Info("agent disconnected", "connection_id", connectionID)
}

// outgoingPump is the single consumer of sender; it is the only
// goroutine allowed to call conn.WriteMessage.
func (s *Service) outgoingPump(conn *websocket.Conn, sender Sender, done chan struct{}) {
	for {
		select {
		case frame, ok := <-sender:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("control channel write failed", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// incomingPump reads frames off the socket until it closes or errors,
// then closes done so outgoingPump stops too.
func (s *Service) incomingPump(conn *websocket.Conn, connectionID string, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := meshproto.Decode(data)
		if err != nil {
			slog.Warn("malformed control frame", "connection_id", connectionID, "error", err)
			continue
		}
		s.handleMessage(context.Background(), connectionID, msg)
	}
}

// handleMessage intercepts WS-tunnel frames before they reach the
// dispatcher, mirroring service.rs's handle_websocket_message split
// (the dispatcher never holds a reference to the tunnel table).
func (s *Service) handleMessage(ctx context.Context, connectionID string, msg *meshproto.Message) {
	switch msg.Type {
	case meshproto.KindWebSocketProxyInitAck:
		s.tunnel.HandleInitAck(msg)
	case meshproto.KindWebSocketProxyData:
		s.tunnel.HandleDataFromAgent(msg)
	case meshproto.KindWebSocketProxyClose:
		s.tunnel.HandleCloseFromAgent(msg)
	default:
		s.dispatcher.Handle(ctx, connectionID, msg)
	}
}
