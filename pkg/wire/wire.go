// Package wire defines the coordinator-worker protocol: JSON messages
// framed with a 4-byte big-endian length prefix over a persistent TCP
// connection, plus the message vocabulary and payload shapes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// MaxFrameSize bounds a single message. Task payloads are small JSON;
// anything larger is a protocol violation.
const MaxFrameSize = 4 << 20

// Message types. Worker-originated messages carry the worker's id and
// auth token; the coordinator drops anything with a token mismatch.
const (
	MsgWorkerRegister    = "worker:register"
	MsgWorkerRegistered  = "worker:registered"
	MsgWorkerHeartbeat   = "worker:heartbeat"
	MsgWorkerRequestTask = "worker:request-task"
	MsgWorkerTaskStarted = "worker:task-started"
	MsgWorkerTaskDone    = "worker:task-complete"
	MsgWorkerTaskFailed  = "worker:task-failed"
	MsgWorkerStatus      = "worker:status"

	MsgTaskAssigned  = "task:assigned"
	MsgTaskNone      = "task:none"
	MsgTaskAvailable = "worker:task-available"

	MsgAdminSnapshot = "admin:snapshot"
	MsgError         = "error"
)

// Message is the framed unit on the wire
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds a message with a marshaled payload
func New(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Data: data}, nil
}

// WriteMessage frames and writes one message
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads and decodes one framed message
func ReadMessage(r io.Reader) (Message, error) {
	var msg Message

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return msg, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrameSize {
		return msg, fmt.Errorf("frame of %d bytes exceeds frame limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("malformed message: %w", err)
	}
	return msg, nil
}

// Auth identifies the sender on every worker-originated message
type Auth struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
}

// RegisterPayload is the body of worker:register
type RegisterPayload struct {
	Hostname     string           `json:"hostname"`
	OwnerUserID  string           `json:"owner_user_id,omitempty"`
	CPUCores     int              `json:"cpu_cores"`
	GPUs         []models.GPUInfo `json:"gpus,omitempty"`
	MemoryBytes  int64            `json:"memory_bytes"`
	StorageBytes int64            `json:"storage_bytes"`
}

// RegisteredPayload is the body of worker:registered. The token must be
// echoed on every later message from this worker.
type RegisteredPayload struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
}

// TaskAssignedPayload is the body of task:assigned
type TaskAssignedPayload struct {
	Task *models.Task `json:"task"`
}

// TaskStartedPayload is the body of worker:task-started
type TaskStartedPayload struct {
	Auth
	TaskID string `json:"task_id"`
}

// TaskCompletePayload is the body of worker:task-complete
type TaskCompletePayload struct {
	Auth
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskFailedPayload is the body of worker:task-failed
type TaskFailedPayload struct {
	Auth
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// StatusPayload is the body of worker:status
type StatusPayload struct {
	Auth
	Status models.WorkerStatus `json:"status"`
}

// TaskAvailablePayload is the body of the task-available push
type TaskAvailablePayload struct {
	TaskID   string          `json:"task_id"`
	Type     models.TaskType `json:"type"`
	Priority int             `json:"priority"`
}

// ErrorPayload is the body of error responses
type ErrorPayload struct {
	Message string `json:"message"`
}

// SnapshotPayload is the body of the admin:snapshot response
type SnapshotPayload struct {
	Workers  []*models.Worker        `json:"workers"`
	Tasks    []*models.Task          `json:"tasks"`
	Users    []models.User           `json:"users"`
	Stats    *models.TaskStats       `json:"stats"`
	Capacity *models.NetworkCapacity `json:"capacity"`
}

// DecodePayload unmarshals a message body into the expected shape
func DecodePayload(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("message %q has no payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("malformed %q payload: %w", msg.Type, err)
	}
	return nil
}
