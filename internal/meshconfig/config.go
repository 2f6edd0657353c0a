// Package meshconfig loads and validates the YAML configuration shared
// by the server and client subcommands, with a load/validate/default
// split for each.
package meshconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IngressConfig is the server-side configuration.
type IngressConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Routing RoutingConfig `yaml:"routing"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	AlbPort        int `yaml:"alb_port"`
	HealthPort     int `yaml:"health_port"`
	WebsocketPort  int `yaml:"websocket_port"`
	RequestTimeout int `yaml:"request_timeout_seconds"`
	MaxConnections int `yaml:"max_connections"`
}

// AuthConfig carries the ARN allow-list and the dev-only skip switch.
// Hot-reloaded by internal/meshconfig.Watcher so operators can update
// the allow-list without restarting the server.
type AuthConfig struct {
	SkipValidation  bool     `yaml:"skip_validation"`
	AllowedRoleArns []string `yaml:"allowed_role_arns"`
}

// RoutingConfig carries the load-balancing-strategy knob for schema
// compatibility, but only round-robin-equivalent first-healthy-in-order
// selection is actually implemented. UnhealthyThresholdSeconds is
// likewise accepted but NOT consulted: the router's health filter
// hardcodes a fixed 60s staleness window regardless of this value.
type RoutingConfig struct {
	HealthCheckIntervalSeconds int    `yaml:"health_check_interval_seconds"`
	UnhealthyThresholdSeconds  int    `yaml:"unhealthy_threshold_seconds"`
	LoadBalancing              string `yaml:"load_balancing"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// ClientConfig is the agent-side configuration.
type ClientConfig struct {
	Connection ConnectionConfig `yaml:"connection"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	AWS        AWSConfig        `yaml:"aws"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ConnectionConfig struct {
	IngressEndpoint          string      `yaml:"ingress_endpoint"`
	LocalEndpoint            string      `yaml:"local_endpoint"`
	Retry                    RetryConfig `yaml:"retry"`
	HeartbeatIntervalSeconds int         `yaml:"heartbeat_interval_seconds"`
}

type ClusterConfig struct {
	ClusterName     string `yaml:"cluster_name"`
	ServiceName     string `yaml:"service_name"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	HealthCheckPath string `yaml:"health_check_path"`
}

type AWSConfig struct {
	Region            string `yaml:"region"`
	SkipIamValidation bool   `yaml:"skip_iam_validation"`
}

// RetryConfig is accepted for schema compatibility; its values are
// neither range-checked nor used by the dial loop, which keeps a
// fixed-delay, retry-forever reconnect behavior regardless of these
// settings.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// LoadIngress reads and validates the server config at path, tolerating
// a missing file by falling back to defaults.
func LoadIngress(path string) (*IngressConfig, error) {
	cfg := defaultIngress()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validateIngress(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadClient reads and validates the agent config at path, tolerating
// a missing file by falling back to defaults.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := defaultClient()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validateClient(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultIngress() *IngressConfig {
	return &IngressConfig{
		Server: ServerConfig{
			AlbPort:        8080,
			HealthPort:     8081,
			WebsocketPort:  8082,
			RequestTimeout: 30,
			MaxConnections: 1000,
		},
		Auth: AuthConfig{
			AllowedRoleArns: []string{"*"},
		},
		Routing: RoutingConfig{
			HealthCheckIntervalSeconds: 30,
			UnhealthyThresholdSeconds:  90,
			LoadBalancing:              "round_robin",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultClient() *ClientConfig {
	return &ClientConfig{
		Connection: ConnectionConfig{
			IngressEndpoint: "ws://localhost:8082",
			LocalEndpoint:   "http://localhost:3000",
			Retry: RetryConfig{
				MaxAttempts:       5,
				InitialDelayMs:    1000,
				MaxDelayMs:        30000,
				BackoffMultiplier: 2.0,
			},
			HeartbeatIntervalSeconds: 10,
		},
		Cluster: ClusterConfig{
			ClusterName:     "my-cluster",
			ServiceName:     "my-service",
			Host:            "localhost",
			Port:            3000,
			HealthCheckPath: "/health",
		},
		AWS:     AWSConfig{Region: "us-east-1"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func validateIngress(cfg *IngressConfig) error {
	if cfg.Server.AlbPort <= 0 || cfg.Server.AlbPort > 65535 {
		return fmt.Errorf("server.alb_port out of range: %d", cfg.Server.AlbPort)
	}
	if cfg.Server.HealthPort <= 0 || cfg.Server.HealthPort > 65535 {
		return fmt.Errorf("server.health_port out of range: %d", cfg.Server.HealthPort)
	}
	if cfg.Server.WebsocketPort <= 0 || cfg.Server.WebsocketPort > 65535 {
		return fmt.Errorf("server.websocket_port out of range: %d", cfg.Server.WebsocketPort)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be positive")
	}
	if len(cfg.Auth.AllowedRoleArns) == 0 {
		cfg.Auth.AllowedRoleArns = []string{"*"}
	}
	return nil
}

func validateClient(cfg *ClientConfig) error {
	if cfg.Connection.IngressEndpoint == "" {
		return fmt.Errorf("connection.ingress_endpoint is required")
	}
	if cfg.Connection.LocalEndpoint == "" {
		return fmt.Errorf("connection.local_endpoint is required")
	}
	if cfg.Cluster.Port <= 0 || cfg.Cluster.Port > 65535 {
		return fmt.Errorf("cluster.port out of range: %d", cfg.Cluster.Port)
	}
	return nil
}

// WriteDefaultIngress writes a commented-header default server config
// to path.
func WriteDefaultIngress(path string) error {
	cfg := defaultIngress()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	header := "# anywhere-mesh ingress server configuration\n# generated defaults — edit freely\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}
