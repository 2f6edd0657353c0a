package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveTaskARNNoEndpoint(t *testing.T) {
	t.Setenv("ECS_CONTAINER_METADATA_URI_V4", "")
	arn := ResolveTaskARN(context.Background())
	if arn == "" {
		t.Error("expected a non-empty placeholder ARN")
	}
}

func TestResolveTaskARNFromMetadataEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"TaskARN":"arn:aws:ecs:us-east-1:123456789012:task/my-cluster/abc123"}`))
	}))
	defer srv.Close()

	t.Setenv("ECS_CONTAINER_METADATA_URI_V4", srv.URL)
	arn := ResolveTaskARN(context.Background())
	if arn != "arn:aws:ecs:us-east-1:123456789012:task/my-cluster/abc123" {
		t.Errorf("unexpected task ARN: %s", arn)
	}
}

func TestResolveTaskARNFallsBackOnError(t *testing.T) {
	t.Setenv("ECS_CONTAINER_METADATA_URI_V4", "http://127.0.0.1:1")
	arn := ResolveTaskARN(context.Background())
	if arn == "" {
		t.Error("expected a placeholder ARN on fetch failure")
	}
}
