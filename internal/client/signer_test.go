package client

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestBuildPresignedSTSURL(t *testing.T) {
	creds := Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secretkeyexample",
		Region:          "us-west-2",
	}
	now := time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)

	raw, err := BuildPresignedSTSURL(creds, now)
	if err != nil {
		t.Fatalf("BuildPresignedSTSURL returned error: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("resulting URL did not parse: %v", err)
	}
	if u.Host != "sts.us-west-2.amazonaws.com" {
		t.Errorf("unexpected host: %s", u.Host)
	}
	q := u.Query()
	if q.Get("Action") != "GetCallerIdentity" {
		t.Errorf("missing Action=GetCallerIdentity in query: %s", raw)
	}
	if !strings.Contains(raw, "X-Amz-Signature=") {
		t.Errorf("expected a trailing signature parameter: %s", raw)
	}
	if q.Get("X-Amz-Credential") == "" {
		t.Errorf("missing X-Amz-Credential")
	}
}

func TestBuildPresignedSTSURLIncludesSessionToken(t *testing.T) {
	creds := Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secretkeyexample",
		SessionToken:    "sometoken",
		Region:          "us-east-1",
	}
	raw, err := BuildPresignedSTSURL(creds, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(raw, "X-Amz-Security-Token") {
		t.Errorf("expected session token in query: %s", raw)
	}
}

func TestCredentialsFromEnvMissing(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	if _, err := CredentialsFromEnv(); err == nil {
		t.Fatal("expected an error when credentials are unset")
	}
}

func TestCredentialsFromEnvDefaultsRegion(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "id")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "")
	creds, err := CredentialsFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Region != "us-east-1" {
		t.Errorf("expected default region us-east-1, got %s", creds.Region)
	}
}

func TestWebSocketToHTTPHealthURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8082", "http://localhost:8082/health"},
		{"wss://ingress.example.com", "https://ingress.example.com/health"},
	}
	for _, tc := range cases {
		got, err := WebSocketToHTTPHealthURL(tc.in)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("WebSocketToHTTPHealthURL(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
