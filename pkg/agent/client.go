// Package agent is the worker-side of the network: it connects to the
// coordinator over TCP, registers the host's resources, heartbeats,
// polls for work and reports task outcomes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/wire"
)

// Client is a worker agent connected to the coordinator
type Client struct {
	cfg      *config.WorkerConfig
	res      Resources
	executor *Executor
	log      *logger.Logger

	conn    net.Conn
	writeMu sync.Mutex

	workerID string
	token    string
	busy     atomic.Bool

	pollNow chan struct{}
}

// NewClient creates a worker agent
func NewClient(cfg *config.WorkerConfig, res Resources, executor *Executor, log *logger.Logger) *Client {
	return &Client{
		cfg:      cfg,
		res:      res,
		executor: executor,
		log:      log.Named("agent"),
		pollNow:  make(chan struct{}, 1),
	}
}

// Run connects, registers and serves until the context ends or the
// connection drops. The caller owns reconnect policy.
func (c *Client) Run(ctx context.Context) error {
	dialTimeout := time.Duration(c.cfg.Coordinator.DialTimeout) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", c.cfg.Coordinator.Address, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.register(); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	heartbeat := time.NewTicker(time.Duration(c.cfg.Worker.HeartbeatInterval) * time.Second)
	defer heartbeat.Stop()
	poll := time.NewTicker(time.Duration(c.cfg.Worker.PollInterval) * time.Second)
	defer poll.Stop()

	// ask for work immediately after registering
	c.requestTask()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			c.send(wire.MsgWorkerHeartbeat, c.auth())
		case <-poll.C:
			c.requestTask()
		case <-c.pollNow:
			c.requestTask()
		}
	}
}

func (c *Client) register() error {
	payload := wire.RegisterPayload{
		Hostname:     c.cfg.Worker.Hostname,
		OwnerUserID:  c.cfg.Worker.OwnerUserID,
		CPUCores:     c.res.CPUCores,
		GPUs:         c.res.GPUs,
		MemoryBytes:  c.res.MemoryBytes,
		StorageBytes: c.res.StorageBytes,
	}
	if err := c.write(wire.MsgWorkerRegister, payload); err != nil {
		return err
	}

	// registration reply arrives before the read loop starts; task
	// pushes broadcast to the whole fleet may interleave, skip them
	var reg wire.RegisteredPayload
	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("read registration reply: %w", err)
		}
		if msg.Type == wire.MsgTaskAvailable {
			continue
		}
		if msg.Type == wire.MsgError {
			var e wire.ErrorPayload
			_ = wire.DecodePayload(msg, &e)
			return fmt.Errorf("registration rejected: %s", e.Message)
		}
		if msg.Type != wire.MsgWorkerRegistered {
			return fmt.Errorf("unexpected registration reply %q", msg.Type)
		}
		if err := wire.DecodePayload(msg, &reg); err != nil {
			return err
		}
		break
	}
	c.workerID = reg.WorkerID
	c.token = reg.Token
	c.log.Info("registered",
		zap.String("worker_id", c.workerID),
		zap.String("hostname", c.cfg.Worker.Hostname),
		zap.Int("cpu_cores", c.res.CPUCores),
	)
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		switch msg.Type {
		case wire.MsgTaskAssigned:
			var assigned wire.TaskAssignedPayload
			if err := wire.DecodePayload(msg, &assigned); err != nil {
				c.log.Warn("bad assignment payload", zap.Error(err))
				continue
			}
			go c.runTask(ctx, assigned.Task)
		case wire.MsgTaskNone:
			// nothing to do, next poll will ask again
		case wire.MsgTaskAvailable:
			c.nudgePoll()
		case wire.MsgError:
			var e wire.ErrorPayload
			_ = wire.DecodePayload(msg, &e)
			c.log.Warn("coordinator error", zap.String("message", e.Message))
		default:
			c.log.Warn("unexpected message", zap.String("type", msg.Type))
		}
	}
}

// requestTask polls for work unless a task is already running
func (c *Client) requestTask() {
	if c.busy.Load() {
		return
	}
	c.send(wire.MsgWorkerRequestTask, c.auth())
}

func (c *Client) runTask(ctx context.Context, task *models.Task) {
	if task == nil {
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		// already running something; the watchdog will requeue this one
		c.log.Warn("dropped assignment while busy", zap.String("task_id", task.ID))
		return
	}
	defer func() {
		c.busy.Store(false)
		c.nudgePoll()
	}()

	c.log.Info("task started", zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
	c.send(wire.MsgWorkerTaskStarted, wire.TaskStartedPayload{Auth: c.auth(), TaskID: task.ID})

	result, err := c.executor.Execute(ctx, task)
	if err != nil {
		c.log.Warn("task failed", zap.String("task_id", task.ID), zap.Error(err))
		c.send(wire.MsgWorkerTaskFailed, wire.TaskFailedPayload{
			Auth:   c.auth(),
			TaskID: task.ID,
			Reason: err.Error(),
		})
		return
	}

	c.log.Info("task complete", zap.String("task_id", task.ID))
	c.send(wire.MsgWorkerTaskDone, wire.TaskCompletePayload{
		Auth:   c.auth(),
		TaskID: task.ID,
		Result: json.RawMessage(result),
	})
}

func (c *Client) nudgePoll() {
	select {
	case c.pollNow <- struct{}{}:
	default:
	}
}

func (c *Client) auth() wire.Auth {
	return wire.Auth{WorkerID: c.workerID, Token: c.token}
}

func (c *Client) send(msgType string, payload any) {
	if err := c.write(msgType, payload); err != nil {
		c.log.Warn("send failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (c *Client) write(msgType string, payload any) error {
	msg, err := wire.New(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.conn, msg)
}
