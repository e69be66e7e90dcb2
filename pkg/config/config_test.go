package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCoordinatorConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  gateway_address: "0.0.0.0:7700"
  http_address: "0.0.0.0:8080"
storage:
  database_path: "test.db"
auth:
  jwt_secret: "secret"
policy:
  liveness_window_seconds: 45
logging:
  level: "debug"
`)
	cfg, err := LoadCoordinatorConfig(path)
	if err != nil {
		t.Fatalf("LoadCoordinatorConfig: %v", err)
	}
	if cfg.Server.GatewayAddress != "0.0.0.0:7700" {
		t.Errorf("gateway address = %q", cfg.Server.GatewayAddress)
	}
	if cfg.Policy.LivenessWindowSeconds != 45 {
		t.Errorf("liveness window = %d, want override 45", cfg.Policy.LivenessWindowSeconds)
	}
	// unset policy fields keep their defaults
	if cfg.Policy.ReputationPenalty != 0.05 {
		t.Errorf("reputation penalty = %v, want default 0.05", cfg.Policy.ReputationPenalty)
	}
	if cfg.Auth.SessionTTLHours != 24 {
		t.Errorf("session ttl = %d, want default 24", cfg.Auth.SessionTTLHours)
	}
}

func TestLoadCoordinatorConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing gateway address", `
server:
  http_address: ":8080"
storage:
  database_path: "test.db"
auth:
  jwt_secret: "secret"
`},
		{"missing jwt secret", `
server:
  gateway_address: ":7700"
  http_address: ":8080"
storage:
  database_path: "test.db"
`},
		{"inverted reputation bounds", `
server:
  gateway_address: ":7700"
  http_address: ":8080"
storage:
  database_path: "test.db"
auth:
  jwt_secret: "secret"
policy:
  reputation_floor: 2.0
  reputation_ceiling: 0.1
`},
		{"requeue shorter than liveness", `
server:
  gateway_address: ":7700"
  http_address: ":8080"
storage:
  database_path: "test.db"
auth:
  jwt_secret: "secret"
policy:
  requeue_timeout_seconds: 10
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadCoordinatorConfig(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadWorkerConfig(t *testing.T) {
	path := writeConfig(t, `
worker:
  owner_user_id: "user-1"
  gpus:
    - name: "RTX 4090"
      vram_mb: 24576
coordinator:
  address: "127.0.0.1:7700"
`)
	cfg, err := LoadWorkerConfig(path)
	if err != nil {
		t.Fatalf("LoadWorkerConfig: %v", err)
	}
	if cfg.Worker.Hostname == "" {
		t.Error("hostname not defaulted from os.Hostname")
	}
	if cfg.Worker.HeartbeatInterval != 30 || cfg.Worker.PollInterval != 2 {
		t.Errorf("intervals = %d/%d, want defaults 30/2", cfg.Worker.HeartbeatInterval, cfg.Worker.PollInterval)
	}
	if len(cfg.Worker.GPUs) != 1 || cfg.Worker.GPUs[0].VRAMMB != 24576 {
		t.Errorf("gpus = %+v", cfg.Worker.GPUs)
	}
}

func TestLoadWorkerConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing coordinator address", `
worker:
  hostname: "node"
`},
		{"gpu without name", `
coordinator:
  address: ":7700"
worker:
  gpus:
    - vram_mb: 1024
`},
		{"gpu without vram", `
coordinator:
  address: ":7700"
worker:
  gpus:
    - name: "RTX"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadWorkerConfig(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
