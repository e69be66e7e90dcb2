// Package queue is the task scheduling surface: priority ordering,
// assignment and outcome settlement. It is a pure scheduling structure;
// Create enqueues without touching balances, and the coordinator's
// charged submit path writes the debit and the task together.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/store"
)

// Queue manages the task lifecycle
type Queue struct {
	store  *store.Store
	policy config.Policy
	log    *logger.Logger
}

// New creates a queue over the given store
func New(st *store.Store, policy config.Policy, log *logger.Logger) *Queue {
	return &Queue{store: st, policy: policy, log: log.Named("queue")}
}

// CreateRequest describes a task submission
type CreateRequest struct {
	UserID          string
	Type            models.TaskType
	InputData       json.RawMessage
	Priority        int
	CreditsEstimate float64
}

// Create inserts a new pending task
func (q *Queue) Create(ctx context.Context, req CreateRequest, now time.Time) (*models.Task, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown task type %q", req.Type)
	}
	if req.CreditsEstimate < 0 {
		return nil, fmt.Errorf("credits estimate must be non-negative")
	}

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
	if err := q.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	q.log.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.Int("priority", t.Priority),
		zap.Float64("credits_estimate", t.CreditsEstimate),
	)
	return t, nil
}

// Get fetches one task
func (q *Queue) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// Pending returns dispatchable tasks in dispatch order: priority
// descending, then oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*models.Task, error) {
	return q.store.PendingTasks(ctx, q.policy.PendingDispatchLimit)
}

// List returns the most recent tasks
func (q *Queue) List(ctx context.Context, limit int) ([]*models.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return q.store.ListTasks(ctx, limit)
}

// Assign hands a pending task to a worker. Exactly one concurrent
// caller can win an assignment; losers get store.ErrTaskNotPending.
func (q *Queue) Assign(ctx context.Context, taskID, workerID string, now time.Time) error {
	if err := q.store.AssignTask(ctx, taskID, workerID, now); err != nil {
		return err
	}
	q.log.Info("task assigned", zap.String("task_id", taskID), zap.String("worker_id", workerID))
	return nil
}

// Start marks an assigned task as running after the worker's ack
func (q *Queue) Start(ctx context.Context, taskID, workerID string) error {
	return q.store.StartTask(ctx, taskID, workerID)
}

// Complete settles a successful outcome: the task completes with its
// result, the worker's counters and reputation update, and the worker's
// owner is credited the task estimate. Tasks submitted without an
// estimate pay fallbackReward instead, so free-to-submit work still
// rewards the worker. One transaction.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result json.RawMessage, fallbackReward float64, now time.Time) (*models.CreditTransaction, error) {
	entry, err := q.store.SettleTaskSuccess(ctx, taskID, workerID, result,
		fallbackReward, q.policy.ReputationReward, q.policy.ReputationCeiling, now)
	if err != nil {
		return nil, err
	}
	q.log.Info("task completed", zap.String("task_id", taskID), zap.String("worker_id", workerID))
	return entry, nil
}

// Fail settles a failed outcome. No credits move.
func (q *Queue) Fail(ctx context.Context, taskID, workerID, reason string, now time.Time) error {
	if err := q.store.SettleTaskFailure(ctx, taskID, workerID, reason,
		q.policy.ReputationPenalty, q.policy.ReputationFloor, now); err != nil {
		return err
	}
	q.log.Info("task failed",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID),
		zap.String("reason", reason),
	)
	return nil
}

// Verify confirms or rejects a terminal result by output hash
func (q *Queue) Verify(ctx context.Context, taskID, outputHash string, isCorrect bool) error {
	return q.store.VerifyTask(ctx, taskID, outputHash, isCorrect)
}

// Stats aggregates task counts per status
func (q *Queue) Stats(ctx context.Context) (*models.TaskStats, error) {
	return q.store.TaskStats(ctx)
}

// RequeueStale is the watchdog sweep: offline silent workers and return
// their stuck tasks to pending.
func (q *Queue) RequeueStale(ctx context.Context, now time.Time) (int, error) {
	liveness := now.Add(-time.Duration(q.policy.LivenessWindowSeconds) * time.Second)
	requeue := now.Add(-time.Duration(q.policy.RequeueTimeoutSeconds) * time.Second)
	n, err := q.store.RequeueStaleTasks(ctx, liveness, requeue)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn("requeued stale tasks", zap.Int("count", n))
	}
	return n, nil
}
