package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kloudcover/anywhere-mesh/internal/meshconfig"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeIngress runs a minimal control-channel server: it accepts the
// auth handshake (always success, skip-validation style) and echoes
// back a RegistrationAck after receiving a ServiceRegistration.
func fakeIngress(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := meshproto.Decode(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case meshproto.KindIamAuth:
				resp, _ := meshproto.Encode(&meshproto.Message{
					Type:    meshproto.KindIamAuthResponse,
					Success: true,
					Identity: &meshproto.Identity{
						Arn: "arn:aws:iam::000000000000:role/test",
					},
				})
				conn.WriteMessage(websocket.TextMessage, resp)
			case meshproto.KindServiceRegistration:
				resp, _ := meshproto.Encode(&meshproto.Message{
					Type:       meshproto.KindRegistrationAck,
					Success:    true,
					AckMessage: "ok",
				})
				conn.WriteMessage(websocket.TextMessage, resp)
			}
		}
	}))
}

func TestControlClientConnectAndHandshake(t *testing.T) {
	srv := fakeIngress(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := &meshconfig.ClientConfig{
		Connection: meshconfig.ConnectionConfig{
			IngressEndpoint:          wsURL,
			LocalEndpoint:            "http://localhost:65535",
			HeartbeatIntervalSeconds: 15,
		},
		Cluster: meshconfig.ClusterConfig{
			ClusterName: "test-cluster",
			ServiceName: "test-service",
			Host:        "localhost",
			Port:        3000,
		},
		AWS: meshconfig.AWSConfig{SkipIamValidation: true},
	}

	c := NewControlClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := c.connectAndHandle(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected the session to end with context deadline exceeded, got %v", err)
	}
}

func TestAuthFailedError(t *testing.T) {
	err := authFailedError("role not allowed")
	if !strings.Contains(err.Error(), "role not allowed") {
		t.Errorf("expected error to include reason, got %s", err.Error())
	}
}

// fakeIngressHealth serves a /health JSON body with a configurable
// instance_id, used to exercise the instance watcher in pollHealth.
func fakeIngressHealth(t *testing.T, instanceID *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","instance_id":%q}`, *instanceID)
	}))
}

func TestPollHealthSeedsInstanceIDWithoutReconnecting(t *testing.T) {
	instanceID := "instance-a"
	srv := fakeIngressHealth(t, &instanceID)
	defer srv.Close()

	cfg := &meshconfig.ClientConfig{
		Connection: meshconfig.ConnectionConfig{IngressEndpoint: "ws" + strings.TrimPrefix(srv.URL, "http"), LocalEndpoint: "http://localhost:65535"},
	}
	c := NewControlClient(cfg)
	sess := &session{}

	if err := c.pollHealth(context.Background(), sess); err != nil {
		t.Fatalf("expected no error seeding instanceID, got %v", err)
	}
	if sess.instanceID != "instance-a" {
		t.Errorf("expected sess.instanceID to be seeded to instance-a, got %q", sess.instanceID)
	}
}

func TestPollHealthReturnsErrorWhenInstanceIDChanges(t *testing.T) {
	instanceID := "instance-a"
	srv := fakeIngressHealth(t, &instanceID)
	defer srv.Close()

	cfg := &meshconfig.ClientConfig{
		Connection: meshconfig.ConnectionConfig{IngressEndpoint: "ws" + strings.TrimPrefix(srv.URL, "http"), LocalEndpoint: "http://localhost:65535"},
	}
	c := NewControlClient(cfg)
	sess := &session{instanceID: "instance-a"}

	instanceID = "instance-b"
	err := c.pollHealth(context.Background(), sess)
	if err == nil {
		t.Fatal("expected an error when the ingress instance_id changes")
	}
	if !strings.Contains(err.Error(), "instance-a") || !strings.Contains(err.Error(), "instance-b") {
		t.Errorf("expected error to name both instance ids, got %v", err)
	}
}

func TestPollHealthNoErrorWhenInstanceIDUnchanged(t *testing.T) {
	instanceID := "instance-a"
	srv := fakeIngressHealth(t, &instanceID)
	defer srv.Close()

	cfg := &meshconfig.ClientConfig{
		Connection: meshconfig.ConnectionConfig{IngressEndpoint: "ws" + strings.TrimPrefix(srv.URL, "http"), LocalEndpoint: "http://localhost:65535"},
	}
	c := NewControlClient(cfg)
	sess := &session{instanceID: "instance-a"}

	if err := c.pollHealth(context.Background(), sess); err != nil {
		t.Errorf("expected no error when instance_id is unchanged, got %v", err)
	}
}
