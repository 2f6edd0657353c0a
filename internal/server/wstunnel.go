package server

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// wsSession is the server's view of one in-flight tunneled WebSocket.
type wsSession struct {
	connectionID string
	outbound     chan *meshproto.Message // agent -> downstream frames
}

// Tunnel implements the server side of the three-party WebSocket
// handshake: downstream client, ingress, and agent, with the agent
// dialing the real upstream on the ingress's behalf.
type Tunnel struct {
	registry *Registry

	mu           sync.Mutex
	sessions     map[string]*wsSession
	initWaiters  map[string]chan *meshproto.Message
}

// NewTunnel creates an empty Tunnel.
func NewTunnel(registry *Registry) *Tunnel {
	return &Tunnel{
		registry:    registry,
		sessions:    make(map[string]*wsSession),
		initWaiters: make(map[string]chan *meshproto.Message),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StartFromEdge runs the server side of the handshake for an edge
// (port 8080) upgrade request whose host already matched a healthy
// agent. It upgrades the downstream connection and wires the two
// pumps once the agent acknowledges the init.
func (t *Tunnel) StartFromEdge(w http.ResponseWriter, r *http.Request, connectionID, targetHost string) {
	sessionID := uuid.New().String()

	sender, ok := t.registry.GetConnectionSender(connectionID)
	if !ok {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	var subprotocols []string
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			subprotocols = append(subprotocols, strings.TrimSpace(p))
		}
	}

	headers := make(map[string]string)
	for _, h := range []string{"x-forwarded-for", "x-forwarded-proto", "x-forwarded-host", "cookie", "authorization"} {
		if v := r.Header.Get(h); v != "" {
			headers[h] = v
		}
	}

	initMsg := &meshproto.Message{
		Type:         meshproto.KindWebSocketProxyInit,
		SessionID:    sessionID,
		TargetHost:   targetHost,
		Path:         r.URL.RequestURI(),
		Headers:      headers,
		Subprotocols: subprotocols,
	}
	encoded, err := meshproto.Encode(initMsg)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	waiter := make(chan *meshproto.Message, 1)
	t.mu.Lock()
	t.initWaiters[sessionID] = waiter
	t.mu.Unlock()

	select {
	case sender <- encoded:
	default:
		t.mu.Lock()
		delete(t.initWaiters, sessionID)
		t.mu.Unlock()
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.mu.Lock()
		delete(t.initWaiters, sessionID)
		t.mu.Unlock()
		return
	}

	go t.runEdgeSession(conn, connectionID, sessionID, waiter, sender)
}

func (t *Tunnel) runEdgeSession(conn *websocket.Conn, connectionID, sessionID string, waiter chan *meshproto.Message, sender Sender) {
	defer conn.Close()

	ack := <-waiter
	if ack == nil || !ack.Success {
		return
	}

	outbound := make(chan *meshproto.Message, 256)
	t.mu.Lock()
	t.sessions[sessionID] = &wsSession{connectionID: connectionID, outbound: outbound}
	t.mu.Unlock()

	done := make(chan struct{})
	closeSent := make(chan struct{})

	go func() {
		// agent -> downstream
		defer close(done)
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if msg.Type == meshproto.KindWebSocketProxyClose {
					conn.Close()
					return
				}
				if err := writeDownstreamFrame(conn, msg); err != nil {
					return
				}
			case <-closeSent:
				return
			}
		}
	}()

	// downstream -> agent. gorilla/websocket surfaces a peer close
	// frame as an error from ReadMessage rather than a message type,
	// so the close translation happens on the error path, not inside
	// downstreamFrameToProto.
	closeReason := "alb connection closed"
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// Code is always left nil on the wire — gorilla's close
			// error carries a status code, but it is not forwarded;
			// only the close reason string travels with the frame.
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text != "" {
				closeReason = ce.Text
			}
			break
		}
		frame := downstreamFrameToProto(sessionID, msgType, data)
		encoded, encErr := meshproto.Encode(frame)
		if encErr != nil {
			continue
		}
		select {
		case sender <- encoded:
		default:
		}
	}

	close(closeSent)
	<-done

	t.removeSession(sessionID)

	closeMsg, _ := meshproto.Encode(&meshproto.Message{
		Type:      meshproto.KindWebSocketProxyClose,
		SessionID: sessionID,
		Reason:    closeReason,
	})
	select {
	case sender <- closeMsg:
	default:
	}
}

func (t *Tunnel) removeSession(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// RemoveSessionsForConnection drops every session owned by a
// connection that just disconnected, so the server's tables never
// retain sessions for a dead control channel.
func (t *Tunnel) RemoveSessionsForConnection(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sess := range t.sessions {
		if sess.connectionID == connectionID {
			close(sess.outbound)
			delete(t.sessions, id)
		}
	}
}

// HandleInitAck completes the waiting goroutine's init slot.
func (t *Tunnel) HandleInitAck(msg *meshproto.Message) {
	t.mu.Lock()
	waiter, ok := t.initWaiters[msg.SessionID]
	if ok {
		delete(t.initWaiters, msg.SessionID)
	}
	t.mu.Unlock()

	if !ok {
		slog.Warn("init ack for unknown session", "session_id", msg.SessionID)
		return
	}
	waiter <- msg
}

// HandleDataFromAgent forwards an agent-originated frame to the
// downstream pump. Ping/pong are no-ops on the server side — most
// WebSocket implementations answer pings at the transport layer
// automatically (§4.7 ping/pong asymmetry note).
func (t *Tunnel) HandleDataFromAgent(msg *meshproto.Message) {
	t.mu.Lock()
	sess, ok := t.sessions[msg.SessionID]
	t.mu.Unlock()
	if !ok {
		slog.Warn("data for unknown ws session", "session_id", msg.SessionID)
		return
	}
	switch msg.FrameType {
	case meshproto.FrameText, meshproto.FrameBinary:
		select {
		case sess.outbound <- msg:
		default:
		}
	case meshproto.FramePing, meshproto.FramePong:
		// no-op
	}
}

// HandleCloseFromAgent removes the session and signals the outbound
// pump to close the downstream socket.
func (t *Tunnel) HandleCloseFromAgent(msg *meshproto.Message) {
	t.mu.Lock()
	sess, ok := t.sessions[msg.SessionID]
	if ok {
		delete(t.sessions, msg.SessionID)
	}
	t.mu.Unlock()
	if !ok {
		slog.Info("close for unknown ws session", "session_id", msg.SessionID)
		return
	}
	select {
	case sess.outbound <- msg:
	default:
	}
}

func writeDownstreamFrame(conn *websocket.Conn, msg *meshproto.Message) error {
	switch msg.FrameType {
	case meshproto.FrameText:
		return conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
	case meshproto.FrameBinary:
		data, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}
	return nil
}

func downstreamFrameToProto(sessionID string, msgType int, data []byte) *meshproto.Message {
	switch msgType {
	case websocket.BinaryMessage:
		return &meshproto.Message{Type: meshproto.KindWebSocketProxyData, SessionID: sessionID, FrameType: meshproto.FrameBinary, Payload: base64.StdEncoding.EncodeToString(data)}
	default: // websocket.TextMessage
		return &meshproto.Message{Type: meshproto.KindWebSocketProxyData, SessionID: sessionID, FrameType: meshproto.FrameText, Payload: string(data)}
	}
}
