// Package registry manages the worker fleet: registration, liveness,
// availability queries and reputation accounting. Durable state lives in
// the store; an optional redis index mirrors the live worker set for
// external dashboards.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/store"
)

// ErrInvalidToken is returned when a message carries a token that does
// not match any registered worker.
var ErrInvalidToken = errors.New("invalid worker token")

// Registry tracks the worker fleet
type Registry struct {
	store  *store.Store
	redis  *redis.Client // nil disables the live index mirror
	policy config.Policy
	log    *logger.Logger
}

// New creates a registry. Pass a nil redis client to run without the
// live index mirror.
func New(st *store.Store, rdb *redis.Client, policy config.Policy, log *logger.Logger) *Registry {
	return &Registry{
		store:  st,
		redis:  rdb,
		policy: policy,
		log:    log.Named("registry"),
	}
}

// RegisterRequest carries the resources a joining worker declares
type RegisterRequest struct {
	Hostname     string
	OwnerUserID  string
	CPUCores     int
	GPUs         []models.GPUInfo
	MemoryBytes  int64
	StorageBytes int64
}

// Register admits a new worker to the fleet. The worker starts online
// with neutral reputation and receives an auth token it must present on
// every subsequent message.
func (r *Registry) Register(ctx context.Context, req RegisterRequest, now time.Time) (*models.Worker, error) {
	if req.Hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	if req.CPUCores < 0 || req.MemoryBytes < 0 || req.StorageBytes < 0 {
		return nil, fmt.Errorf("declared resources must be non-negative")
	}
	if req.OwnerUserID != "" {
		if _, err := r.store.GetUser(ctx, req.OwnerUserID); err != nil {
			return nil, fmt.Errorf("owner account: %w", err)
		}
	}

	gpus := req.GPUs
	if gpus == nil {
		gpus = []models.GPUInfo{}
	}
	w := &models.Worker{
		ID:            uuid.NewString(),
		OwnerUserID:   req.OwnerUserID,
		Hostname:      req.Hostname,
		CPUCores:      req.CPUCores,
		GPUs:          gpus,
		MemoryBytes:   req.MemoryBytes,
		StorageBytes:  req.StorageBytes,
		Status:        models.WorkerStatusOnline,
		Reputation:    1.0,
		AuthToken:     uuid.NewString(),
		LastHeartbeat: now.UTC(),
		CreatedAt:     now.UTC(),
	}
	if err := r.store.CreateWorker(ctx, w); err != nil {
		return nil, err
	}
	r.mirrorWorker(ctx, w)

	r.log.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("hostname", w.Hostname),
		zap.Int("cpu_cores", w.CPUCores),
		zap.Int("gpus", len(w.GPUs)),
	)
	return w, nil
}

// Authenticate resolves a worker from the token it presented. The
// worker id on the message must match the token's owner.
func (r *Registry) Authenticate(ctx context.Context, workerID, token string) (*models.Worker, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	w, err := r.store.GetWorkerByToken(ctx, token)
	if errors.Is(err, store.ErrWorkerNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if workerID != "" && workerID != w.ID {
		return nil, ErrInvalidToken
	}
	return w, nil
}

// Heartbeat refreshes a worker's liveness timestamp. Heartbeats from
// unknown ids are dropped silently.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	if err := r.store.HeartbeatWorker(ctx, workerID, now); err != nil {
		return err
	}
	r.refreshMirror(ctx, workerID)
	return nil
}

// SetStatus writes a worker's status
func (r *Registry) SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	return r.store.SetWorkerStatus(ctx, workerID, status)
}

// Get fetches one worker
func (r *Registry) Get(ctx context.Context, workerID string) (*models.Worker, error) {
	return r.store.GetWorker(ctx, workerID)
}

// List returns the whole fleet
func (r *Registry) List(ctx context.Context) ([]*models.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// Available returns workers eligible for dispatch right now: alive
// within the liveness window, online or busy, and above the reputation
// threshold.
func (r *Registry) Available(ctx context.Context, now time.Time) ([]*models.Worker, error) {
	cutoff := now.Add(-time.Duration(r.policy.LivenessWindowSeconds) * time.Second)
	return r.store.AvailableWorkers(ctx, cutoff, r.policy.MinDispatchReputation)
}

// Capacity sums the declared resources of currently available workers
func (r *Registry) Capacity(ctx context.Context, now time.Time) (*models.NetworkCapacity, error) {
	workers, err := r.Available(ctx, now)
	if err != nil {
		return nil, err
	}
	total := &models.NetworkCapacity{}
	for _, w := range workers {
		total.Workers++
		total.CPUCores += w.CPUCores
		total.MemoryBytes += w.MemoryBytes
		total.StorageBytes += w.StorageBytes
		total.GPUs += len(w.GPUs)
		total.GPUMemoryMB += w.GPUMemoryMB()
	}
	return total, nil
}

// mirrorWorker writes the worker summary into redis with a TTL of the
// liveness window. Mirroring is best-effort: failures are logged and
// never block registration.
func (r *Registry) mirrorWorker(ctx context.Context, w *models.Worker) {
	if r.redis == nil {
		return
	}
	summary, err := json.Marshal(map[string]any{
		"id":         w.ID,
		"hostname":   w.Hostname,
		"cpu_cores":  w.CPUCores,
		"gpus":       len(w.GPUs),
		"reputation": w.Reputation,
		"status":     w.Status,
	})
	if err != nil {
		return
	}
	ttl := time.Duration(r.policy.LivenessWindowSeconds) * time.Second
	if err := r.redis.Set(ctx, workerKey(w.ID), summary, ttl).Err(); err != nil {
		r.log.Warn("redis mirror write failed", zap.String("worker_id", w.ID), zap.Error(err))
	}
}

// refreshMirror extends the TTL on a worker's index entry
func (r *Registry) refreshMirror(ctx context.Context, workerID string) {
	if r.redis == nil {
		return
	}
	ttl := time.Duration(r.policy.LivenessWindowSeconds) * time.Second
	if err := r.redis.Expire(ctx, workerKey(workerID), ttl).Err(); err != nil {
		r.log.Warn("redis mirror refresh failed", zap.String("worker_id", workerID), zap.Error(err))
	}
}

func workerKey(id string) string {
	return "worker:" + id
}
