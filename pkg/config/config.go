package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the coordinator's listen addresses
type ServerConfig struct {
	GatewayAddress string `yaml:"gateway_address"`
	HTTPAddress    string `yaml:"http_address"`
}

// StorageConfig holds the ledger store location
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// RedisConfig configures the optional live-worker index mirror.
// An empty address disables mirroring entirely.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures session token issuance
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	SessionTTLHours int    `yaml:"session_ttl_hours"`
}

// Policy holds the tunable dispatch and reward constants. The defaults
// reproduce the network's published reward behavior, so change them only
// for a private deployment.
type Policy struct {
	LivenessWindowSeconds  int     `yaml:"liveness_window_seconds"`
	MinDispatchReputation  float64 `yaml:"min_dispatch_reputation"`
	ReputationReward       float64 `yaml:"reputation_reward"`
	ReputationPenalty      float64 `yaml:"reputation_penalty"`
	ReputationFloor        float64 `yaml:"reputation_floor"`
	ReputationCeiling      float64 `yaml:"reputation_ceiling"`
	RewardBase             float64 `yaml:"reward_base"`
	WatchdogIntervalSecs   int     `yaml:"watchdog_interval_seconds"`
	RequeueTimeoutSeconds  int     `yaml:"requeue_timeout_seconds"`
	PendingDispatchLimit   int     `yaml:"pending_dispatch_limit"`
}

// DefaultPolicy returns the reference policy constants.
func DefaultPolicy() Policy {
	return Policy{
		LivenessWindowSeconds: 60,
		MinDispatchReputation: 0.5,
		ReputationReward:      0.01,
		ReputationPenalty:     0.05,
		ReputationFloor:       0.1,
		ReputationCeiling:     2.0,
		RewardBase:            1.0,
		WatchdogIntervalSecs:  30,
		RequeueTimeoutSeconds: 300,
		PendingDispatchLimit:  50,
	}
}

// LoggingConfig mirrors logger.Config for yaml embedding
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CoordinatorConfig is the coordinator binary configuration
type CoordinatorConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Policy  Policy        `yaml:"policy"`
	Logging LoggingConfig `yaml:"logging"`
}

// WorkerConfig is the worker agent binary configuration
type WorkerConfig struct {
	Worker struct {
		Hostname          string    `yaml:"hostname"`
		OwnerUserID       string    `yaml:"owner_user_id"`
		HeartbeatInterval int       `yaml:"heartbeat_interval_seconds"`
		PollInterval      int       `yaml:"poll_interval_seconds"`
		GPUs              []GPUDecl `yaml:"gpus"`
	} `yaml:"worker"`

	Coordinator struct {
		Address     string `yaml:"address"`
		DialTimeout int    `yaml:"dial_timeout_seconds"`
	} `yaml:"coordinator"`

	Executor struct {
		MinLatencyMs int `yaml:"min_latency_ms"`
		MaxLatencyMs int `yaml:"max_latency_ms"`
	} `yaml:"executor"`

	Logging LoggingConfig `yaml:"logging"`
}

// GPUDecl is a GPU declared in the worker config
type GPUDecl struct {
	Name         string `yaml:"name"`
	VRAMMB       int64  `yaml:"vram_mb"`
	ComputeUnits int    `yaml:"compute_units"`
}

// LoadCoordinatorConfig loads coordinator configuration from file
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &CoordinatorConfig{Policy: DefaultPolicy()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateCoordinatorConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWorkerConfig loads worker agent configuration from file
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Worker.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Worker.Hostname = hostname
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		cfg.Worker.HeartbeatInterval = 30
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = 2
	}

	if err := validateWorkerConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func validateCoordinatorConfig(cfg *CoordinatorConfig) error {
	if cfg.Server.GatewayAddress == "" {
		return fmt.Errorf("server.gateway_address is required")
	}
	if cfg.Server.HTTPAddress == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if cfg.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if cfg.Auth.SessionTTLHours <= 0 {
		cfg.Auth.SessionTTLHours = 24
	}
	return validatePolicy(&cfg.Policy)
}

func validatePolicy(p *Policy) error {
	if p.LivenessWindowSeconds <= 0 {
		return fmt.Errorf("policy.liveness_window_seconds must be positive")
	}
	if p.ReputationFloor <= 0 || p.ReputationCeiling <= p.ReputationFloor {
		return fmt.Errorf("policy reputation bounds must satisfy 0 < floor < ceiling")
	}
	if p.MinDispatchReputation < p.ReputationFloor || p.MinDispatchReputation > p.ReputationCeiling {
		return fmt.Errorf("policy.min_dispatch_reputation must lie within the reputation bounds")
	}
	if p.ReputationReward < 0 || p.ReputationPenalty < 0 {
		return fmt.Errorf("policy reputation adjustments must be non-negative")
	}
	if p.RequeueTimeoutSeconds < p.LivenessWindowSeconds {
		return fmt.Errorf("policy.requeue_timeout_seconds must not be shorter than the liveness window")
	}
	if p.PendingDispatchLimit <= 0 {
		p.PendingDispatchLimit = 50
	}
	return nil
}

func validateWorkerConfig(cfg *WorkerConfig) error {
	if cfg.Coordinator.Address == "" {
		return fmt.Errorf("coordinator.address is required")
	}
	for i, gpu := range cfg.Worker.GPUs {
		if gpu.Name == "" {
			return fmt.Errorf("worker.gpus[%d].name is required", i)
		}
		if gpu.VRAMMB <= 0 {
			return fmt.Errorf("worker.gpus[%d].vram_mb must be positive", i)
		}
	}
	return nil
}
