package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// ErrInsufficientCredits is the sentinel for failed spends. The
// concrete error is an InsufficientCreditsError carrying the amounts.
var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientCreditsError reports a spend rejected by the balance check
type InsufficientCreditsError struct {
	Required float64
	Current  float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %.2f, have %.2f", e.Required, e.Current)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Balance returns a user's current credit balance
func (s *Store) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return balance, err
}

// Deposit adds credits to a user's balance and appends a ledger entry
func (s *Store) Deposit(ctx context.Context, userID string, amount float64, txType models.TransactionType, taskID, description string, now time.Time) (*models.CreditTransaction, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.applyCredit(ctx, tx, userID, amount, txType, taskID, description, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Spend debits a user's balance. The balance check and the debit run in
// one serializable transaction, so two concurrent spends on the same
// account cannot both pass the check.
func (s *Store) Spend(ctx context.Context, userID string, amount float64, taskID, description string, now time.Time) (*models.CreditTransaction, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.applyDebit(ctx, tx, userID, amount, taskID, description, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// applyDebit checks the balance and debits it, inside the caller's
// transaction. Overdrafts return an InsufficientCreditsError.
func (s *Store) applyDebit(ctx context.Context, q queryer, userID string, amount float64, taskID, description string, now time.Time) (*models.CreditTransaction, error) {
	var balance float64
	err := q.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if amount > balance {
		return nil, &InsufficientCreditsError{Required: amount, Current: balance}
	}

	newBalance := round2(balance - amount)
	if _, err := q.ExecContext(
		ctx,
		`UPDATE users SET credits = ?, total_spent = total_spent + ?, last_active_at = ? WHERE id = ?`,
		newBalance,
		amount,
		now.Unix(),
		userID,
	); err != nil {
		return nil, err
	}
	return insertTransaction(ctx, q, userID, models.TxSpend, amount, newBalance, taskID, description, now)
}

// AwardWorkerEarnings credits a task reward to a worker: the worker's
// lifetime earnings always grow, and if the worker is linked to a user
// account that account is deposited too. Guest workers earn no ledger
// entry.
func (s *Store) AwardWorkerEarnings(ctx context.Context, workerID string, amount float64, taskID string, now time.Time) (*models.CreditTransaction, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT owner_user_id FROM workers WHERE id = ?`, workerID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE workers SET total_earnings = total_earnings + ? WHERE id = ?`,
		amount,
		workerID,
	); err != nil {
		return nil, err
	}

	var entry *models.CreditTransaction
	if owner.Valid && owner.String != "" {
		entry, err = s.applyCredit(ctx, tx, owner.String, amount, models.TxEarn, taskID,
			fmt.Sprintf("reward for task %s", taskID), now)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Transactions returns a user's most recent ledger entries
func (s *Store) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, user_id, type, amount, balance_after, task_id, description, created_at
		 FROM transactions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.CreditTransaction
	for rows.Next() {
		var e models.CreditTransaction
		var taskID, description sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceAfter, &taskID, &description, &createdAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.Description = description.String
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UserStats is a read-only projection of one account's activity
func (s *Store) UserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &models.UserStats{
		UserID:      u.ID,
		Credits:     u.Credits,
		TotalEarned: u.TotalEarned,
		TotalSpent:  u.TotalSpent,
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = ?`, userID).Scan(&stats.Transactions); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE user_id = ?`, userID).Scan(&stats.TasksCreated); err != nil {
		return nil, err
	}
	return stats, nil
}

// applyCredit increases a balance and appends the matching ledger entry.
// Runs on whatever queryer it is given so settlements can reuse it
// inside their own transaction.
func (s *Store) applyCredit(ctx context.Context, q queryer, userID string, amount float64, txType models.TransactionType, taskID, description string, now time.Time) (*models.CreditTransaction, error) {
	var balance float64
	err := q.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	newBalance := round2(balance + amount)
	if _, err := q.ExecContext(
		ctx,
		`UPDATE users SET credits = ?, total_earned = total_earned + ?, last_active_at = ? WHERE id = ?`,
		newBalance,
		amount,
		now.Unix(),
		userID,
	); err != nil {
		return nil, err
	}
	return insertTransaction(ctx, q, userID, txType, amount, newBalance, taskID, description, now)
}

func insertTransaction(ctx context.Context, q queryer, userID string, txType models.TransactionType, amount, balanceAfter float64, taskID, description string, now time.Time) (*models.CreditTransaction, error) {
	entry := &models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		TaskID:       taskID,
		Description:  description,
		CreatedAt:    now.UTC(),
	}

	var task any
	if taskID != "" {
		task = taskID
	}
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO transactions (id, user_id, type, amount, balance_after, task_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Type,
		entry.Amount,
		entry.BalanceAfter,
		task,
		entry.Description,
		now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
