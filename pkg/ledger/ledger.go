// Package ledger is the credit accounting surface: balances, deposits,
// spends and the reward formula. Every movement produces an immutable
// transaction row; balances never go negative.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/store"
)

// Ledger mediates all credit movements
type Ledger struct {
	store *store.Store
	log   *logger.Logger
}

// New creates a ledger over the given store
func New(st *store.Store, log *logger.Logger) *Ledger {
	return &Ledger{store: st, log: log.Named("ledger")}
}

// Balance returns a user's current balance
func (l *Ledger) Balance(ctx context.Context, userID string) (float64, error) {
	return l.store.Balance(ctx, userID)
}

// Deposit adds external credits to an account
func (l *Ledger) Deposit(ctx context.Context, userID string, amount float64, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %v", amount)
	}
	entry, err := l.store.Deposit(ctx, userID, round2(amount), models.TxDeposit, "", description, time.Now())
	if err != nil {
		return nil, err
	}
	l.log.Info("deposit",
		zap.String("user_id", userID),
		zap.Float64("amount", entry.Amount),
		zap.Float64("balance", entry.BalanceAfter),
	)
	return entry, nil
}

// Spend debits an account, rejecting overdrafts. The returned error
// wraps store.ErrInsufficientCredits and carries the required and
// current amounts.
func (l *Ledger) Spend(ctx context.Context, userID string, amount float64, taskID, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("spend amount must be positive, got %v", amount)
	}
	entry, err := l.store.Spend(ctx, userID, round2(amount), taskID, description, time.Now())
	if err != nil {
		return nil, err
	}
	l.log.Info("spend",
		zap.String("user_id", userID),
		zap.Float64("amount", entry.Amount),
		zap.Float64("balance", entry.BalanceAfter),
		zap.String("task_id", taskID),
	)
	return entry, nil
}

// AwardEarnings pays a task reward to a worker. The worker's lifetime
// earnings always grow; a ledger entry is produced only when the worker
// is linked to a user account.
func (l *Ledger) AwardEarnings(ctx context.Context, workerID string, amount float64, taskID string) (*models.CreditTransaction, error) {
	if amount < 0 {
		return nil, fmt.Errorf("award amount must be non-negative, got %v", amount)
	}
	return l.store.AwardWorkerEarnings(ctx, workerID, round2(amount), taskID, time.Now())
}

// History returns a user's most recent transactions, newest first
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.Transactions(ctx, userID, limit)
}

// Stats returns a user's aggregate ledger activity
func (l *Ledger) Stats(ctx context.Context, userID string) (*models.UserStats, error) {
	return l.store.UserStats(ctx, userID)
}

// CalculateCreditsEarned is the network reward formula. RAM and cores
// multiply (larger contributions reward superlinearly), GPU workers get
// a bonus proportional to declared VRAM, and reputation scales the
// total within [0.1, 3.0]. Each resource factor floors at 0.1 so tiny
// declarations still earn a nonzero reward.
func CalculateCreditsEarned(base, ramGB, cores, gpuGB, reputation float64) float64 {
	gpuFactor := 1.0
	if gpuGB > 0 {
		gpuFactor = 1 + gpuGB
	}
	rep := math.Min(math.Max(reputation, 0.1), 3.0)
	return round2(base * math.Max(0.1, ramGB) * math.Max(0.1, cores) * gpuFactor * rep)
}

// WorkerReward evaluates the formula against a worker's declared
// resources and current reputation.
func WorkerReward(base float64, w *models.Worker) float64 {
	ramGB := float64(w.MemoryBytes) / (1 << 30)
	gpuGB := float64(w.GPUMemoryMB()) / 1024
	return CalculateCreditsEarned(base, ramGB, float64(w.CPUCores), gpuGB, w.Reputation)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
