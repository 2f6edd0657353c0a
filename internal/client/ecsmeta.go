package client

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// ecsTaskMetadata mirrors the subset of the ECS Task Metadata Endpoint
// v4 response body this package cares about.
type ecsTaskMetadata struct {
	TaskARN string `json:"TaskARN"`
}

// ResolveTaskARN fetches the running task's own ARN from the ECS
// container metadata endpoint when available: on ECS the endpoint is
// always present, so fetching it for real costs one bounded HTTP call
// and avoids registering a fake ARN. Falls back to a placeholder when
// the endpoint variable is unset (e.g. local development) or the
// fetch fails.
func ResolveTaskARN(ctx context.Context) string {
	const placeholder = "arn:aws:ecs:unknown:000000000000:task/unknown"

	base := os.Getenv("ECS_CONTAINER_METADATA_URI_V4")
	if base == "" {
		return placeholder
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/task", nil)
	if err != nil {
		return placeholder
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return placeholder
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return placeholder
	}

	var meta ecsTaskMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil || meta.TaskARN == "" {
		return placeholder
	}
	return meta.TaskARN
}
