package meshconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIngressMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadIngress(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.AlbPort != 8080 {
		t.Errorf("AlbPort: expected 8080, got %d", cfg.Server.AlbPort)
	}
	if cfg.Server.WebsocketPort != 8082 {
		t.Errorf("WebsocketPort: expected 8082, got %d", cfg.Server.WebsocketPort)
	}
	if len(cfg.Auth.AllowedRoleArns) != 1 || cfg.Auth.AllowedRoleArns[0] != "*" {
		t.Errorf("AllowedRoleArns: expected [*], got %v", cfg.Auth.AllowedRoleArns)
	}
}

func TestLoadIngressOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingress.yaml")
	body := "server:\n  alb_port: 9090\nauth:\n  allowed_role_arns:\n    - \"arn:aws:iam::111111111111:role/ci-*\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadIngress(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.AlbPort != 9090 {
		t.Errorf("AlbPort: expected 9090, got %d", cfg.Server.AlbPort)
	}
	if len(cfg.Auth.AllowedRoleArns) != 1 || cfg.Auth.AllowedRoleArns[0] != "arn:aws:iam::111111111111:role/ci-*" {
		t.Errorf("AllowedRoleArns not overridden: %v", cfg.Auth.AllowedRoleArns)
	}
}

func TestLoadIngressRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingress.yaml")
	if err := os.WriteFile(path, []byte("server:\n  alb_port: 70000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIngress(path); err == nil {
		t.Error("expected validation error for out-of-range port, got nil")
	}
}

func TestLoadClientRequiresEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	if err := os.WriteFile(path, []byte("connection:\n  ingress_endpoint: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadClient(path); err == nil {
		t.Error("expected validation error for empty ingress_endpoint, got nil")
	}
}
