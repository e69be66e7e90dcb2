// Package coordinator is the dispatch brain of the network: it
// interprets worker protocol messages, matches pending tasks to
// eligible workers, settles task outcomes and runs the liveness
// watchdog. It holds no scheduling state of its own; everything durable
// lives in the store, so a restart resumes cleanly.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/gateway"
	"github.com/hivemind-network/hivemind/pkg/ledger"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/queue"
	"github.com/hivemind-network/hivemind/pkg/registry"
	"github.com/hivemind-network/hivemind/pkg/store"
	"github.com/hivemind-network/hivemind/pkg/wire"
)

// broadcaster is the slice of the gateway the coordinator pushes
// notifications through. Nil until a gateway attaches; pushes are an
// optimization, so a missing gateway only delays dispatch to the next
// worker poll.
type broadcaster interface {
	BroadcastWorkers(msg wire.Message) int
}

// Coordinator wires the registry, queue and ledger together and speaks
// the worker protocol.
type Coordinator struct {
	store    *store.Store
	registry *registry.Registry
	queue    *queue.Queue
	ledger   *ledger.Ledger
	policy   config.Policy
	log      *logger.Logger

	gw broadcaster
}

// New creates a coordinator over the given services
func New(st *store.Store, reg *registry.Registry, q *queue.Queue, led *ledger.Ledger, policy config.Policy, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		registry: reg,
		queue:    q,
		ledger:   led,
		policy:   policy,
		log:      log.Named("coordinator"),
	}
}

// AttachGateway hands the coordinator its push channel. Called once at
// startup, before the gateway starts accepting.
func (c *Coordinator) AttachGateway(gw *gateway.Gateway) {
	c.gw = gw
}

// SubmitRequest is a user-facing task submission
type SubmitRequest struct {
	UserID          string
	Type            models.TaskType
	InputData       json.RawMessage
	Priority        int
	CreditsEstimate float64
}

// SubmitTask validates a submission, charges the estimate and enqueues
// the task in one transaction, then nudges idle workers. The returned
// transaction is the debit; nil when the estimate was zero.
func (c *Coordinator) SubmitTask(ctx context.Context, req SubmitRequest) (*models.Task, *models.CreditTransaction, error) {
	if req.UserID == "" {
		return nil, nil, fmt.Errorf("user id is required")
	}
	if !req.Type.Valid() {
		return nil, nil, fmt.Errorf("unknown task type %q", req.Type)
	}
	if req.CreditsEstimate < 0 {
		return nil, nil, fmt.Errorf("credits estimate must be non-negative")
	}

	now := time.Now()
	t := &models.Task{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Type:            req.Type,
		Status:          models.TaskStatusPending,
		Priority:        req.Priority,
		InputData:       req.InputData,
		CreditsEstimate: req.CreditsEstimate,
		CreatedAt:       now.UTC(),
	}
	entry, err := c.store.CreateTaskCharged(ctx, t, now)
	if err != nil {
		return nil, nil, err
	}
	c.log.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.String("type", string(t.Type)),
		zap.Float64("charged", t.CreditsEstimate),
	)

	c.notifyTaskAvailable(t)
	return t, entry, nil
}

// notifyTaskAvailable nudges connected workers so idle ones poll
// immediately instead of waiting out their poll interval.
func (c *Coordinator) notifyTaskAvailable(t *models.Task) {
	if c.gw == nil {
		return
	}
	msg, err := wire.New(wire.MsgTaskAvailable, wire.TaskAvailablePayload{
		TaskID:   t.ID,
		Type:     t.Type,
		Priority: t.Priority,
	})
	if err != nil {
		return
	}
	if n := c.gw.BroadcastWorkers(msg); n > 0 {
		c.log.Debug("task push", zap.String("task_id", t.ID), zap.Int("workers", n))
	}
}

// Dispatch hands the next eligible pending task to the given worker.
// Returns nil, nil when the queue has nothing for it.
func (c *Coordinator) Dispatch(ctx context.Context, w *models.Worker, now time.Time) (*models.Task, error) {
	if w.Status == models.WorkerStatusDisabled {
		return nil, fmt.Errorf("worker is disabled")
	}
	// one task in flight per worker: a busy worker polls empty until it
	// settles its current assignment
	if w.Status == models.WorkerStatusBusy {
		return nil, nil
	}
	if w.Reputation < c.policy.MinDispatchReputation {
		return nil, nil
	}

	pending, err := c.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range pending {
		err := c.queue.Assign(ctx, t.ID, w.ID, now)
		if errors.Is(err, store.ErrTaskNotPending) {
			// lost the race to another worker, try the next task
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := c.registry.SetStatus(ctx, w.ID, models.WorkerStatusBusy); err != nil {
			c.log.Warn("status update failed", zap.String("worker_id", w.ID), zap.Error(err))
		}
		return c.queue.Get(ctx, t.ID)
	}
	return nil, nil
}

// Snapshot assembles the full network state for the admin surface
func (c *Coordinator) Snapshot(ctx context.Context) (*wire.SnapshotPayload, error) {
	workers, err := c.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := c.queue.List(ctx, 100)
	if err != nil {
		return nil, err
	}
	rawUsers, err := c.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(rawUsers))
	for _, u := range rawUsers {
		users = append(users, u.Sanitized())
	}
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	capacity, err := c.registry.Capacity(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return &wire.SnapshotPayload{
		Workers:  workers,
		Tasks:    tasks,
		Users:    users,
		Stats:    stats,
		Capacity: capacity,
	}, nil
}

// StartWatchdog runs the liveness sweep until the context ends:
// silent workers go offline, their stuck tasks return to pending, and
// expired login sessions are purged.
func (c *Coordinator) StartWatchdog(ctx context.Context) {
	interval := time.Duration(c.policy.WatchdogIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := c.queue.RequeueStale(ctx, now); err != nil {
					c.log.Error("watchdog sweep failed", zap.Error(err))
				}
				if _, err := c.store.DeleteExpiredSessions(ctx, now); err != nil {
					c.log.Error("session purge failed", zap.Error(err))
				}
			}
		}
	}()
}
