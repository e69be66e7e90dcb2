package models

import (
	"encoding/json"
	"time"
)

// WorkerStatus represents the status of a worker node
type WorkerStatus string

const (
	WorkerStatusOnline   WorkerStatus = "online"
	WorkerStatusOffline  WorkerStatus = "offline"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusDisabled WorkerStatus = "disabled"
)

// TaskType represents the kind of work a task requests
type TaskType string

const (
	TaskTypeInference  TaskType = "inference"
	TaskTypeTraining   TaskType = "training"
	TaskTypeFineTuning TaskType = "fine-tuning"
)

// Valid reports whether the task type is one the network accepts
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeInference, TaskTypeTraining, TaskTypeFineTuning:
		return true
	}
	return false
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusVerified  TaskStatus = "verified"
)

// Terminal reports whether a task in this status accepts no further
// outcome reports from workers.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusVerified:
		return true
	}
	return false
}

// TransactionType represents the business reason for a credit movement
type TransactionType string

const (
	TxEarn     TransactionType = "earn"
	TxSpend    TransactionType = "spend"
	TxDeposit  TransactionType = "deposit"
	TxWithdraw TransactionType = "withdraw"
)

// User is a credit-holding account on the network
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Credits      float64   `json:"credits"`
	Reputation   float64   `json:"reputation"`
	TotalEarned  float64   `json:"total_earned"`
	TotalSpent   float64   `json:"total_spent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Sanitized returns a copy safe to expose on admin surfaces.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	return u
}

// GPUInfo describes one GPU a worker declares at registration
type GPUInfo struct {
	Name         string `json:"name"`
	VRAMMB       int64  `json:"vram_mb"`
	ComputeUnits int    `json:"compute_units"`
}

// Worker is a volunteer compute node
type Worker struct {
	ID                  string       `json:"id"`
	OwnerUserID         string       `json:"owner_user_id,omitempty"`
	Hostname            string       `json:"hostname"`
	CPUCores            int          `json:"cpu_cores"`
	GPUs                []GPUInfo    `json:"gpus"`
	MemoryBytes         int64        `json:"memory_bytes"`
	StorageBytes        int64        `json:"storage_bytes"`
	Status              WorkerStatus `json:"status"`
	Reputation          float64      `json:"reputation"`
	TotalTasksCompleted int          `json:"total_tasks_completed"`
	TotalTasksFailed    int          `json:"total_tasks_failed"`
	TotalEarnings       float64      `json:"total_earnings"`
	AuthToken           string       `json:"-"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	CreatedAt           time.Time    `json:"created_at"`
}

// GPUMemoryMB returns the total declared VRAM across the worker's GPUs.
func (w *Worker) GPUMemoryMB() int64 {
	var total int64
	for _, g := range w.GPUs {
		total += g.VRAMMB
	}
	return total
}

// Task is a unit of requested AI work. Payloads stay opaque JSON so new
// task types can carry their own schema.
type Task struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Type             TaskType        `json:"type"`
	Status           TaskStatus      `json:"status"`
	Priority         int             `json:"priority"`
	InputData        json.RawMessage `json:"input_data,omitempty"`
	ResultData       json.RawMessage `json:"result_data,omitempty"`
	CreditsEstimate  float64         `json:"credits_estimate"`
	AssignedWorkerID string          `json:"assigned_worker_id,omitempty"`
	OutputHash       string          `json:"output_hash,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// CreditTransaction is an immutable ledger entry. BalanceAfter records
// the account balance at this point of the account's transaction order.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Type         TransactionType `json:"type"`
	Amount       float64         `json:"amount"`
	BalanceAfter float64         `json:"balance_after"`
	TaskID       string          `json:"task_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Session is an issued login token
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NetworkCapacity aggregates the resources of currently available workers
type NetworkCapacity struct {
	Workers      int   `json:"workers"`
	CPUCores     int   `json:"cpu_cores"`
	MemoryBytes  int64 `json:"memory_bytes"`
	StorageBytes int64 `json:"storage_bytes"`
	GPUs         int   `json:"gpus"`
	GPUMemoryMB  int64 `json:"gpu_memory_mb"`
}

// TaskStats aggregates task counts per status plus estimated credits
type TaskStats struct {
	Pending         int     `json:"pending"`
	Assigned        int     `json:"assigned"`
	Running         int     `json:"running"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Verified        int     `json:"verified"`
	Total           int     `json:"total"`
	CreditsEstimate float64 `json:"credits_estimate"`
}

// UserStats is a read-only projection of one account's ledger activity
type UserStats struct {
	UserID       string  `json:"user_id"`
	Credits      float64 `json:"credits"`
	TotalEarned  float64 `json:"total_earned"`
	TotalSpent   float64 `json:"total_spent"`
	Transactions int     `json:"transactions"`
	TasksCreated int     `json:"tasks_created"`
}

// InferencePayload is the input shape the bundled executor understands.
// Other task types may carry arbitrary JSON.
type InferencePayload struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// InferenceResult is the result shape the bundled executor produces
type InferenceResult struct {
	Output          string  `json:"output"`
	TokensGenerated int     `json:"tokens_generated"`
	TimeSeconds     float64 `json:"time_seconds"`
	Simulated       bool    `json:"simulated,omitempty"`
}
