package client

import (
	"encoding/base64"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

func TestLocalWSURL(t *testing.T) {
	cases := []struct {
		endpoint string
		path     string
		want     string
	}{
		{"http://localhost:3000", "/socket", "ws://localhost:3000/socket"},
		{"https://backend.internal", "/chat?id=1", "wss://backend.internal/chat?id=1"},
	}
	for _, tc := range cases {
		got, err := localWSURL(tc.endpoint, tc.path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tc.want {
			t.Errorf("localWSURL(%s, %s) = %s, want %s", tc.endpoint, tc.path, got, tc.want)
		}
	}
}

func TestLocalFrameToProtoText(t *testing.T) {
	msg := localFrameToProto("sess-1", websocket.TextMessage, []byte("hello"))
	if msg.FrameType != meshproto.FrameText {
		t.Errorf("expected text frame, got %s", msg.FrameType)
	}
	if msg.Payload != "hello" {
		t.Errorf("expected payload 'hello', got %s", msg.Payload)
	}
}

func TestLocalFrameToProtoBinary(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	msg := localFrameToProto("sess-2", websocket.BinaryMessage, data)
	if msg.FrameType != meshproto.FrameBinary {
		t.Errorf("expected binary frame, got %s", msg.FrameType)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		t.Fatalf("payload was not valid base64: %v", err)
	}
	if string(decoded) != string(data) {
		t.Errorf("round-trip mismatch: got %v, want %v", decoded, data)
	}
}

func TestLocalFrameToProtoPingPong(t *testing.T) {
	ping := localFrameToProto("sess-3", websocket.PingMessage, nil)
	if ping.FrameType != meshproto.FramePing {
		t.Errorf("expected ping frame type, got %s", ping.FrameType)
	}
	pong := localFrameToProto("sess-3", websocket.PongMessage, nil)
	if pong.FrameType != meshproto.FramePong {
		t.Errorf("expected pong frame type, got %s", pong.FrameType)
	}
}

func TestWSReverseProxyHandleDataUnknownSession(t *testing.T) {
	p := NewWSReverseProxy("http://localhost:3000", func(*meshproto.Message) {})
	// Should not panic when the session is unknown; it just logs.
	p.HandleData(&meshproto.Message{SessionID: "missing", FrameType: meshproto.FrameText, Payload: "x"})
}
