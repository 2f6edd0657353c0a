// Package meshproto defines the control-channel wire protocol: a single
// tagged-union message type carrying the identity handshake, service
// registration, heartbeats, request/response envelopes, and WebSocket
// tunnel framing.
package meshproto

import "encoding/json"

// Kind is the "type" discriminator of a Message.
type Kind string

const (
	KindIamAuth               Kind = "IamAuth"
	KindIamAuthResponse       Kind = "IamAuthResponse"
	KindServiceRegistration   Kind = "ServiceRegistration"
	KindServiceDeregistration Kind = "ServiceDeregistration"
	KindRegistrationAck       Kind = "RegistrationAck"
	KindHeartBeat             Kind = "HeartBeat"
	KindProxyRequestForward   Kind = "ProxyRequestForward"
	KindProxyResponse         Kind = "ProxyResponse"
	KindWebSocketProxyInit    Kind = "WebSocketProxyInit"
	KindWebSocketProxyInitAck Kind = "WebSocketProxyInitAck"
	KindWebSocketProxyData    Kind = "WebSocketProxyData"
	KindWebSocketProxyClose   Kind = "WebSocketProxyClose"
)

// HeaderPair is an ordered (name, value) pair, used wherever duplicate
// headers (notably Set-Cookie) must round-trip unchanged.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Identity is the post-auth identity record (held for logging only).
type Identity struct {
	Arn           string `json:"arn"`
	AccountID     string `json:"account_id"`
	UserID        string `json:"user_id"`
	PrincipalType string `json:"principal_type"`
}

// Message is the single wire type for every control-channel frame. Only
// the fields relevant to Type are populated; the rest are omitted from
// the JSON encoding. This is the idiomatic Go substitute for a Rust
// tagged enum: one struct, a discriminator, and omitempty payload
// fields instead of per-variant structs.
type Message struct {
	Type Kind `json:"type"`

	// IamAuth / IamAuthResponse
	PresignedURL string    `json:"presigned_url,omitempty"`
	Region       string    `json:"region,omitempty"`
	Arn          string    `json:"arn,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Success      bool      `json:"success,omitempty"`
	ErrorMsg     string    `json:"error,omitempty"`
	Identity     *Identity `json:"identity,omitempty"`

	// ServiceRegistration / ServiceDeregistration / RegistrationAck
	ID              string            `json:"id,omitempty"`
	Host            string            `json:"host,omitempty"`
	Port            uint16            `json:"port,omitempty"`
	ServiceName     string            `json:"service_name,omitempty"`
	ClusterName     string            `json:"cluster_name,omitempty"`
	TaskArn         string            `json:"task_arn,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	HealthCheckPath string            `json:"health_check_path,omitempty"`
	AckMessage      string            `json:"message,omitempty"`

	// HeartBeat
	ClientID string `json:"client_id,omitempty"`

	// ProxyRequestForward / ProxyResponse
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	HeaderList []HeaderPair      `json:"header_list,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	TargetHost string            `json:"target_host,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`

	// WebSocket tunnel frames
	SessionID       string            `json:"session_id,omitempty"`
	Subprotocols    []string          `json:"subprotocols,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	FrameType       string            `json:"frame_type,omitempty"`
	Payload         string            `json:"payload,omitempty"`
	Code            *uint16           `json:"code,omitempty"`
	Reason          string            `json:"reason,omitempty"`
}

// Encode marshals a Message to the JSON text sent as a single
// WebSocket text frame.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a single control-channel text frame into a Message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WS frame_type values carried in WebSocketProxyData.
const (
	FrameText   = "text"
	FrameBinary = "binary"
	FramePing   = "ping"
	FramePong   = "pong"
)
