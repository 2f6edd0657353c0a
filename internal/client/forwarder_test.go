package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

func TestForwarderForwardSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer upstream.Close()

	f := NewForwarder(upstream.URL, 5*time.Second)
	req := &meshproto.Message{ID: "req-1", Method: http.MethodGet, Path: "/widgets"}

	resp := f.Forward(context.Background(), req)
	if resp.Type != meshproto.KindProxyResponse {
		t.Fatalf("expected ProxyResponse, got %s", resp.Type)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "created" {
		t.Errorf("unexpected body: %s", resp.Body)
	}
	found := false
	for _, h := range resp.HeaderList {
		if h.Name == "X-Custom" && h.Value == "yes" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected X-Custom header to survive, got %+v", resp.HeaderList)
	}
}

func TestForwarderForwardCopiesHeadersSkippingHopByHop(t *testing.T) {
	var gotConnection, gotXTest string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotXTest = r.Header.Get("X-Test-Route")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := NewForwarder(upstream.URL, 5*time.Second)
	req := &meshproto.Message{
		ID:     "req-3",
		Method: http.MethodGet,
		Path:   "/",
		Headers: map[string]string{
			"Connection":   "keep-alive",
			"X-Test-Route": "canary",
		},
	}

	resp := f.Forward(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotConnection != "" {
		t.Errorf("expected Connection header to be dropped, got %q", gotConnection)
	}
	if gotXTest != "canary" {
		t.Errorf("expected X-Test-Route to be forwarded, got %q", gotXTest)
	}
}

func TestForwarderForwardConnectionError(t *testing.T) {
	f := NewForwarder("http://127.0.0.1:1", 100*time.Millisecond)
	req := &meshproto.Message{ID: "req-2", Method: http.MethodGet, Path: "/"}

	resp := f.Forward(context.Background(), req)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 on connection failure, got %d", resp.StatusCode)
	}
	if resp.ID != "req-2" {
		t.Errorf("expected response to echo request id, got %s", resp.ID)
	}
}

func TestForwarderCheckLocalHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	f := NewForwarder(upstream.URL, 2*time.Second)
	if !f.CheckLocalHealth(context.Background(), "/health") {
		t.Error("expected health check to succeed")
	}
	if f.CheckLocalHealth(context.Background(), "/missing") {
		t.Error("expected health check against missing path to fail")
	}
}
