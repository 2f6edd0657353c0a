package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kloudcover/anywhere-mesh/internal/meshconfig"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// reconnectDelay is the fixed pause between dial attempts. No
// backoff: the agent sleeps a flat 5 seconds and retries forever (see
// DESIGN.md); RetryConfig is accepted in the config schema but
// deliberately not consulted here.
const reconnectDelay = 5 * time.Second

const (
	heartbeatInterval  = 15 * time.Second
	healthPollInterval = 10 * time.Second
	authTimeout        = 30 * time.Second
)

// ControlClient owns the agent's outbound connection to the ingress:
// dial, authenticate, register, and keep the control channel alive
// until it breaks, then reconnect.
type ControlClient struct {
	cfg        *meshconfig.ClientConfig
	forwarder  *Forwarder
	wsproxy    *WSReverseProxy
	httpClient *http.Client

	active atomic.Pointer[session]
}

// NewControlClient wires a forwarder and a WS reverse proxy pointed at
// cfg.Connection.LocalEndpoint.
func NewControlClient(cfg *meshconfig.ClientConfig) *ControlClient {
	c := &ControlClient{
		cfg:        cfg,
		forwarder:  NewForwarder(cfg.Connection.LocalEndpoint, 30*time.Second),
		httpClient: &http.Client{},
	}
	c.wsproxy = NewWSReverseProxy(cfg.Connection.LocalEndpoint, c.sendAsync)
	return c
}

// Run never returns under normal operation: it reconnects on every
// failure until ctx is canceled.
func (c *ControlClient) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.connectAndHandle(ctx); err != nil {
			slog.Error("control channel session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// session bundles everything one connected lifetime of the control
// channel needs to share between its goroutines.
type session struct {
	conn       *websocket.Conn
	sendCh     chan *meshproto.Message
	done       chan struct{}
	instanceID string // last-seen ingress instance_id, empty until the first health poll
}

func (c *ControlClient) sendAsync(msg *meshproto.Message) {
	s := c.active.Load()
	if s == nil {
		return
	}
	select {
	case s.sendCh <- msg:
	default:
		slog.Warn("control channel send buffer full, dropping frame", "type", msg.Type)
	}
}

func (c *ControlClient) connectAndHandle(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Connection.IngressEndpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := &session{
		conn:   conn,
		sendCh: make(chan *meshproto.Message, 256),
		done:   make(chan struct{}),
	}
	c.active.Store(sess)
	defer func() { c.active.Store(nil); c.wsproxy.CloseAll() }()

	go c.writePump(sess)

	if err := c.authenticate(ctx, sess); err != nil {
		return err
	}
	if err := c.register(sess); err != nil {
		return err
	}

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	healthTicker := time.NewTicker(healthPollInterval)
	defer healthTicker.Stop()

	incoming := make(chan *meshproto.Message, 64)
	readErrCh := make(chan error, 1)
	go c.readPump(sess, incoming, readErrCh)

	for {
		select {
		case <-ctx.Done():
			close(sess.done)
			return ctx.Err()

		case err := <-readErrCh:
			close(sess.done)
			return err

		case msg := <-incoming:
			c.handleIngressMessage(ctx, sess, msg)

		case <-heartbeatTicker.C:
			c.sendAsync(&meshproto.Message{Type: meshproto.KindHeartBeat})

		case <-healthTicker.C:
			if err := c.pollHealth(ctx, sess); err != nil {
				close(sess.done)
				return err
			}
		}
	}
}

// authenticate presents an IamAuth message and blocks for the
// IamAuthResponse, discarding any other frame that arrives first —
// the ingress never sends anything else before authentication
// completes, but a defensive read loop matches the reference.
func (c *ControlClient) authenticate(ctx context.Context, sess *session) error {
	authMsg := &meshproto.Message{Type: meshproto.KindIamAuth, Region: c.cfg.AWS.Region}

	if !c.cfg.AWS.SkipIamValidation {
		creds, err := CredentialsFromEnv()
		if err != nil {
			return err
		}
		presigned, err := BuildPresignedSTSURL(creds, time.Now())
		if err != nil {
			return err
		}
		authMsg.PresignedURL = presigned
	}

	encoded, err := meshproto.Encode(authMsg)
	if err != nil {
		return err
	}
	if err := sess.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return err
	}

	// A missing IamAuthResponse within authTimeout fails the read, which
	// ends this session so Run dials again.
	if err := sess.conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return err
	}
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := meshproto.Decode(data)
		if err != nil {
			continue
		}
		if msg.Type != meshproto.KindIamAuthResponse {
			continue
		}
		if !msg.Success {
			return authFailedError(msg.ErrorMsg)
		}
		return sess.conn.SetReadDeadline(time.Time{})
	}
}

func (c *ControlClient) register(sess *session) error {
	taskArn := ResolveTaskARN(context.Background())
	reg := &meshproto.Message{
		Type:            meshproto.KindServiceRegistration,
		Host:            c.cfg.Cluster.Host,
		Port:            uint16(c.cfg.Cluster.Port),
		ServiceName:     c.cfg.Cluster.ServiceName,
		ClusterName:     c.cfg.Cluster.ClusterName,
		TaskArn:         taskArn,
		HealthCheckPath: c.cfg.Cluster.HealthCheckPath,
	}
	encoded, err := meshproto.Encode(reg)
	if err != nil {
		return err
	}
	if err := sess.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return err
	}
	c.sendAsync(&meshproto.Message{Type: meshproto.KindHeartBeat})
	return nil
}

func (c *ControlClient) writePump(sess *session) {
	for {
		select {
		case msg := <-sess.sendCh:
			encoded, err := meshproto.Encode(msg)
			if err != nil {
				slog.Warn("encoding outbound control frame failed", "error", err)
				continue
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
				slog.Warn("control channel write failed", "error", err)
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (c *ControlClient) readPump(sess *session, incoming chan<- *meshproto.Message, errCh chan<- error) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		msg, err := meshproto.Decode(data)
		if err != nil {
			slog.Warn("malformed ingress frame", "error", err)
			continue
		}
		select {
		case incoming <- msg:
		case <-sess.done:
			return
		}
	}
}

// handleIngressMessage dispatches a frame received after the session
// is fully established. ProxyRequestForward is handled synchronously,
// awaiting Forward inline before moving on, while WS-tunnel frames
// flow through the async send channel, mirroring the server's own
// split between dispatcher and tunnel traffic.
func (c *ControlClient) handleIngressMessage(ctx context.Context, sess *session, msg *meshproto.Message) {
	switch msg.Type {
	case meshproto.KindProxyRequestForward:
		resp := c.forwarder.Forward(ctx, msg)
		encoded, err := meshproto.Encode(resp)
		if err != nil {
			slog.Warn("encoding proxy response failed", "error", err)
			return
		}
		if err := sess.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
			slog.Warn("writing proxy response failed", "error", err)
		}

	case meshproto.KindWebSocketProxyInit:
		c.wsproxy.HandleInit(msg)
	case meshproto.KindWebSocketProxyData:
		c.wsproxy.HandleData(msg)
	case meshproto.KindWebSocketProxyClose:
		c.wsproxy.HandleClose(msg)

	case meshproto.KindRegistrationAck:
		if !msg.Success {
			slog.Error("registration rejected", "message", msg.AckMessage)
		} else {
			slog.Info("registration acknowledged", "message", msg.AckMessage)
		}

	default:
		slog.Debug("unhandled ingress message", "type", msg.Type)
	}
}

// pollHealth is the agent's instance watcher: on every tick it checks
// the local service (logging only, same as always) and also GETs the
// ingress's own /health endpoint to read its instance_id. The first
// observed instance_id just seeds sess.instanceID; any later change
// means the ingress process behind the control channel restarted
// (e.g. a deploy), and pollHealth returns an error so connectAndHandle
// tears the session down and Run dials a fresh connection.
func (c *ControlClient) pollHealth(ctx context.Context, sess *session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	healthy := c.forwarder.CheckLocalHealth(ctx, c.cfg.Cluster.HealthCheckPath)
	if !healthy {
		slog.Warn("local service health check failed")
	}

	instanceID, err := c.fetchIngressInstanceID(ctx)
	if err != nil {
		slog.Warn("ingress health check failed", "error", err)
		return nil
	}

	if sess.instanceID == "" {
		sess.instanceID = instanceID
		return nil
	}
	if instanceID != sess.instanceID {
		slog.Info("ingress instance changed, reconnecting",
			"old_instance_id", sess.instanceID, "new_instance_id", instanceID)
		return fmt.Errorf("ingress instance changed from %s to %s", sess.instanceID, instanceID)
	}
	return nil
}

// fetchIngressInstanceID GETs the ingress's own health endpoint
// (derived from the control-channel WebSocket URL) and extracts its
// instance_id field.
func (c *ControlClient) fetchIngressInstanceID(ctx context.Context) (string, error) {
	healthURL, err := WebSocketToHTTPHealthURL(c.cfg.Connection.IngressEndpoint)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ingress health endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.InstanceID == "" {
		return "", errors.New("ingress health response missing instance_id")
	}
	return body.InstanceID, nil
}

type authError struct{ msg string }

func (e *authError) Error() string { return "authentication rejected: " + e.msg }

func authFailedError(msg string) error { return &authError{msg: msg} }
