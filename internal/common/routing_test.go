package common

import (
	"testing"
	"time"
)

func TestMatchHostToService(t *testing.T) {
	regs := []Registration{
		{ConnectionID: "a", Host: "api.local"},
		{ConnectionID: "b", Host: "*.example.com"},
	}

	tests := []struct {
		name string
		host string
		want []string // expected connection ids
	}{
		{"exact match", "api.local", []string{"a"}},
		{"wildcard subdomain matches", "svc.example.com", []string{"b"}},
		{"wildcard bare domain does not match", "example.com", nil},
		{"no match", "nope.local", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchHostToService(tt.host, regs)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d matches, got %d (%v)", len(tt.want), len(got), got)
			}
			for i, r := range got {
				if r.ConnectionID != tt.want[i] {
					t.Errorf("match %d: expected %s, got %s", i, tt.want[i], r.ConnectionID)
				}
			}
		})
	}
}

func TestSelectHealthyInstance(t *testing.T) {
	now := time.Now()
	candidates := []Registration{
		{ConnectionID: "stale", Host: "api.local"},
		{ConnectionID: "fresh", Host: "api.local"},
	}
	health := map[string]ConnectionHealth{
		"stale": {LastHeartbeat: now.Add(-120 * time.Second)},
		"fresh": {LastHeartbeat: now.Add(-5 * time.Second)},
	}

	got, ok := SelectHealthyInstance(candidates, health)
	if !ok {
		t.Fatal("expected a healthy instance")
	}
	if got.ConnectionID != "fresh" {
		t.Errorf("expected fresh, got %s", got.ConnectionID)
	}
}

func TestSelectHealthyInstanceNoneHealthy(t *testing.T) {
	now := time.Now()
	candidates := []Registration{{ConnectionID: "stale", Host: "api.local"}}
	health := map[string]ConnectionHealth{
		"stale": {LastHeartbeat: now.Add(-120 * time.Second)},
	}

	_, ok := SelectHealthyInstance(candidates, health)
	if ok {
		t.Error("expected no healthy instance")
	}
}
