package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/gateway"
	"github.com/hivemind-network/hivemind/pkg/ledger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/registry"
	"github.com/hivemind-network/hivemind/pkg/store"
	"github.com/hivemind-network/hivemind/pkg/wire"
)

// HandleMessage routes one inbound protocol message. Errors are
// reported back on the connection; a bad message never tears the
// connection down.
func (c *Coordinator) HandleMessage(ctx context.Context, conn *gateway.Conn, msg wire.Message) {
	var err error
	switch msg.Type {
	case wire.MsgWorkerRegister:
		err = c.handleRegister(ctx, conn, msg)
	case wire.MsgWorkerHeartbeat:
		err = c.handleHeartbeat(ctx, msg)
	case wire.MsgWorkerRequestTask:
		err = c.handleRequestTask(ctx, conn, msg)
	case wire.MsgWorkerTaskStarted:
		err = c.handleTaskStarted(ctx, msg)
	case wire.MsgWorkerTaskDone:
		err = c.handleTaskComplete(ctx, msg)
	case wire.MsgWorkerTaskFailed:
		err = c.handleTaskFailed(ctx, msg)
	case wire.MsgWorkerStatus:
		err = c.handleStatus(ctx, msg)
	case wire.MsgAdminSnapshot:
		err = c.handleSnapshot(ctx, conn)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		c.log.Warn("message rejected",
			zap.String("type", msg.Type),
			zap.String("conn_id", conn.ID),
			zap.Error(err),
		)
		c.sendError(conn, err)
	}
}

// HandleDisconnect marks the bound worker offline when its connection
// drops. Its in-flight tasks stay assigned; the watchdog requeues them
// if the worker does not come back.
func (c *Coordinator) HandleDisconnect(ctx context.Context, conn *gateway.Conn) {
	workerID := conn.WorkerID()
	if workerID == "" {
		return
	}
	if err := c.registry.SetStatus(ctx, workerID, models.WorkerStatusOffline); err != nil {
		c.log.Warn("offline transition failed", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	c.log.Info("worker disconnected", zap.String("worker_id", workerID))
}

func (c *Coordinator) handleRegister(ctx context.Context, conn *gateway.Conn, msg wire.Message) error {
	var payload wire.RegisterPayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return err
	}

	w, err := c.registry.Register(ctx, registry.RegisterRequest{
		Hostname:     payload.Hostname,
		OwnerUserID:  payload.OwnerUserID,
		CPUCores:     payload.CPUCores,
		GPUs:         payload.GPUs,
		MemoryBytes:  payload.MemoryBytes,
		StorageBytes: payload.StorageBytes,
	}, time.Now())
	if err != nil {
		return err
	}
	reply, err := wire.New(wire.MsgWorkerRegistered, wire.RegisteredPayload{
		WorkerID: w.ID,
		Token:    w.AuthToken,
	})
	if err != nil {
		return err
	}
	// queue the reply before binding: broadcasts only reach bound
	// connections, so the registration ack is always first on the wire
	conn.Send(reply)
	conn.BindWorker(w.ID)
	return nil
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, msg wire.Message) error {
	var auth wire.Auth
	if err := wire.DecodePayload(msg, &auth); err != nil {
		return err
	}
	w, err := c.registry.Authenticate(ctx, auth.WorkerID, auth.Token)
	if err != nil {
		return err
	}
	return c.registry.Heartbeat(ctx, w.ID, time.Now())
}

func (c *Coordinator) handleRequestTask(ctx context.Context, conn *gateway.Conn, msg wire.Message) error {
	var auth wire.Auth
	if err := wire.DecodePayload(msg, &auth); err != nil {
		return err
	}
	w, err := c.registry.Authenticate(ctx, auth.WorkerID, auth.Token)
	if err != nil {
		return err
	}
	// a poll proves the worker is alive
	if err := c.registry.Heartbeat(ctx, w.ID, time.Now()); err != nil {
		return err
	}

	task, err := c.Dispatch(ctx, w, time.Now())
	if err != nil {
		return err
	}
	if task == nil {
		reply, err := wire.New(wire.MsgTaskNone, nil)
		if err != nil {
			return err
		}
		conn.Send(reply)
		return nil
	}

	reply, err := wire.New(wire.MsgTaskAssigned, wire.TaskAssignedPayload{Task: task})
	if err != nil {
		return err
	}
	conn.Send(reply)
	return nil
}

func (c *Coordinator) handleTaskStarted(ctx context.Context, msg wire.Message) error {
	var payload wire.TaskStartedPayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return err
	}
	w, err := c.registry.Authenticate(ctx, payload.WorkerID, payload.Token)
	if err != nil {
		return err
	}
	return c.queue.Start(ctx, payload.TaskID, w.ID)
}

func (c *Coordinator) handleTaskComplete(ctx context.Context, msg wire.Message) error {
	var payload wire.TaskCompletePayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return err
	}
	w, err := c.registry.Authenticate(ctx, payload.WorkerID, payload.Token)
	if err != nil {
		return err
	}
	// tasks without an estimate pay the resource-based formula reward
	fallback := ledger.WorkerReward(c.policy.RewardBase, w)
	entry, err := c.queue.Complete(ctx, payload.TaskID, w.ID, payload.Result, fallback, time.Now())
	if err != nil {
		return err
	}
	if entry != nil {
		c.log.Info("reward credited",
			zap.String("task_id", payload.TaskID),
			zap.String("user_id", entry.UserID),
			zap.Float64("amount", entry.Amount),
		)
	}
	return nil
}

func (c *Coordinator) handleTaskFailed(ctx context.Context, msg wire.Message) error {
	var payload wire.TaskFailedPayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return err
	}
	w, err := c.registry.Authenticate(ctx, payload.WorkerID, payload.Token)
	if err != nil {
		return err
	}
	return c.queue.Fail(ctx, payload.TaskID, w.ID, payload.Reason, time.Now())
}

func (c *Coordinator) handleStatus(ctx context.Context, msg wire.Message) error {
	var payload wire.StatusPayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return err
	}
	w, err := c.registry.Authenticate(ctx, payload.WorkerID, payload.Token)
	if err != nil {
		return err
	}
	switch payload.Status {
	case models.WorkerStatusOnline, models.WorkerStatusBusy, models.WorkerStatusDisabled:
	default:
		return fmt.Errorf("worker may not set status %q", payload.Status)
	}
	return c.registry.SetStatus(ctx, w.ID, payload.Status)
}

func (c *Coordinator) handleSnapshot(ctx context.Context, conn *gateway.Conn) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	reply, err := wire.New(wire.MsgAdminSnapshot, snap)
	if err != nil {
		return err
	}
	conn.Send(reply)
	return nil
}

func (c *Coordinator) sendError(conn *gateway.Conn, cause error) {
	text := cause.Error()
	// hide internals behind stable protocol messages
	switch {
	case errors.Is(cause, registry.ErrInvalidToken):
		text = "invalid worker token"
	case errors.Is(cause, store.ErrInsufficientCredits):
		var insufficient *store.InsufficientCreditsError
		if errors.As(cause, &insufficient) {
			text = fmt.Sprintf("insufficient credits: required %.2f, have %.2f",
				insufficient.Required, insufficient.Current)
		}
	}
	msg, err := wire.New(wire.MsgError, wire.ErrorPayload{Message: text})
	if err != nil {
		return
	}
	conn.Send(msg)
}
