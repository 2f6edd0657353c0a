package client

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// WSReverseProxy is the agent side of the three-party WebSocket
// handshake: it dials the local service on behalf of a downstream
// client it never talks to directly, then pumps frames in both
// directions over the control channel.
//
// Unlike the server's Tunnel, this side forwards ping/pong frames
// instead of no-op'ing them — the asymmetry is intentional (see
// internal/server/wstunnel.go's HandleDataFromAgent comment).
type WSReverseProxy struct {
	localEndpoint string
	send          func(*meshproto.Message)

	mu       sync.Mutex
	sessions map[string]*clientWSSession
}

type clientWSSession struct {
	conn *websocket.Conn
}

// NewWSReverseProxy builds a proxy that dials localEndpoint (e.g.
// "http://localhost:3000") for each new session and uses send to
// deliver frames back to the ingress over the control channel.
func NewWSReverseProxy(localEndpoint string, send func(*meshproto.Message)) *WSReverseProxy {
	return &WSReverseProxy{
		localEndpoint: localEndpoint,
		send:          send,
		sessions:      make(map[string]*clientWSSession),
	}
}

// HandleInit dials the local WebSocket endpoint and replies with a
// WebSocketProxyInitAck, then starts pumping frames from the local
// connection back toward the ingress.
func (p *WSReverseProxy) HandleInit(msg *meshproto.Message) {
	target, err := localWSURL(p.localEndpoint, msg.Path)
	if err != nil {
		p.send(&meshproto.Message{
			Type:      meshproto.KindWebSocketProxyInitAck,
			SessionID: msg.SessionID,
			Success:   false,
			ErrorMsg:  err.Error(),
		})
		return
	}

	header := http.Header{}
	for name, value := range msg.Headers {
		header.Set(name, value)
	}
	if len(msg.Subprotocols) > 0 {
		header.Set("Sec-WebSocket-Protocol", strings.Join(msg.Subprotocols, ", "))
	}

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(target, header)
	if err != nil {
		reason := err.Error()
		if resp != nil {
			reason = fmt.Sprintf("%s (status %d)", reason, resp.StatusCode)
		}
		p.send(&meshproto.Message{
			Type:      meshproto.KindWebSocketProxyInitAck,
			SessionID: msg.SessionID,
			Success:   false,
			ErrorMsg:  reason,
		})
		return
	}

	p.mu.Lock()
	p.sessions[msg.SessionID] = &clientWSSession{conn: conn}
	p.mu.Unlock()

	respHeaders := map[string]string{}
	if resp != nil && resp.Header.Get("Sec-WebSocket-Protocol") != "" {
		respHeaders["sec-websocket-protocol"] = resp.Header.Get("Sec-WebSocket-Protocol")
	}
	p.send(&meshproto.Message{
		Type:            meshproto.KindWebSocketProxyInitAck,
		SessionID:       msg.SessionID,
		Success:         true,
		ResponseHeaders: respHeaders,
	})

	go p.pumpFromLocal(msg.SessionID, conn)
}

func localWSURL(localEndpoint, path string) (string, error) {
	u, err := url.Parse(localEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing local endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = ""
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/") + path, nil
}

// pumpFromLocal reads frames off the local connection and relays them
// to the ingress until the connection errors or closes.
func (p *WSReverseProxy) pumpFromLocal(sessionID string, conn *websocket.Conn) {
	defer conn.Close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			p.send(&meshproto.Message{Type: meshproto.KindWebSocketProxyClose, SessionID: sessionID})
			break
		}
		frame := localFrameToProto(sessionID, msgType, data)
		p.send(frame)
	}
	p.removeSession(sessionID)
}

func localFrameToProto(sessionID string, msgType int, data []byte) *meshproto.Message {
	switch msgType {
	case websocket.BinaryMessage:
		return &meshproto.Message{Type: meshproto.KindWebSocketProxyData, SessionID: sessionID, FrameType: meshproto.FrameBinary, Payload: base64.StdEncoding.EncodeToString(data)}
	case websocket.PingMessage:
		return &meshproto.Message{Type: meshproto.KindWebSocketProxyData, SessionID: sessionID, FrameType: meshproto.FramePing}
	case websocket.PongMessage:
		return &meshproto.Message{Type: meshproto.KindWebSocketProxyData, SessionID: sessionID, FrameType: meshproto.FramePong}
	default: // websocket.TextMessage
		return &meshproto.Message{Type: meshproto.KindWebSocketProxyData, SessionID: sessionID, FrameType: meshproto.FrameText, Payload: string(data)}
	}
}

// HandleData writes a downstream-originated frame onto the local
// connection. Ping/pong frames are forwarded here as real control
// frames, unlike the server side which no-ops them.
func (p *WSReverseProxy) HandleData(msg *meshproto.Message) {
	p.mu.Lock()
	sess, ok := p.sessions[msg.SessionID]
	p.mu.Unlock()
	if !ok {
		slog.Warn("data for unknown local ws session", "session_id", msg.SessionID)
		return
	}

	var err error
	switch msg.FrameType {
	case meshproto.FrameText:
		err = sess.conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload))
	case meshproto.FrameBinary:
		var data []byte
		data, err = base64.StdEncoding.DecodeString(msg.Payload)
		if err == nil {
			err = sess.conn.WriteMessage(websocket.BinaryMessage, data)
		}
	case meshproto.FramePing:
		err = sess.conn.WriteMessage(websocket.PingMessage, nil)
	case meshproto.FramePong:
		err = sess.conn.WriteMessage(websocket.PongMessage, nil)
	}
	if err != nil {
		slog.Warn("writing local ws frame failed", "session_id", msg.SessionID, "error", err)
	}
}

// HandleClose tears down the local connection for a session the
// ingress reports as closed.
func (p *WSReverseProxy) HandleClose(msg *meshproto.Message) {
	p.mu.Lock()
	sess, ok := p.sessions[msg.SessionID]
	if ok {
		delete(p.sessions, msg.SessionID)
	}
	p.mu.Unlock()
	if ok {
		sess.conn.Close()
	}
}

func (p *WSReverseProxy) removeSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// CloseAll tears down every active local connection, used when the
// control channel itself disconnects so no session outlives its owner.
func (p *WSReverseProxy) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sess := range p.sessions {
		sess.conn.Close()
		delete(p.sessions, id)
	}
}
