package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// CreateTask inserts a new pending task. Credit validation and the
// estimate debit happen before this call; the queue itself never
// touches balances.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks (id, user_id, type, status, priority, input_data, credits_estimate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		t.Type,
		t.Status,
		t.Priority,
		rawOrNil(t.InputData),
		t.CreditsEstimate,
		t.CreatedAt.Unix(),
	)
	return err
}

// CreateTaskCharged inserts a pending task and debits its credit
// estimate from the submitting user in one transaction, so a task can
// never exist without its charge nor a charge without its task.
func (s *Store) CreateTaskCharged(ctx context.Context, t *models.Task, now time.Time) (*models.CreditTransaction, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var entry *models.CreditTransaction
	if t.CreditsEstimate > 0 {
		entry, err = s.applyDebit(ctx, tx, t.UserID, t.CreditsEstimate, t.ID,
			fmt.Sprintf("charge for task %s", t.ID), now)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO tasks (id, user_id, type, status, priority, input_data, credits_estimate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		t.Type,
		t.Status,
		t.Priority,
		rawOrNil(t.InputData),
		t.CreditsEstimate,
		t.CreatedAt.Unix(),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// GetTask fetches a task by id
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTaskFrom(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// PendingTasks returns up to limit dispatchable tasks, highest priority
// first, oldest first within a priority tier. The rowid tie-break keeps
// the FIFO order stable when several tasks share a creation second.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		taskSelect+` WHERE status = 'pending' ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns the most recent tasks
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		taskSelect+` ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AssignTask transitions a task from pending to assigned for workerID.
// The guarded update makes concurrent assignment attempts safe: the
// first writer wins and every loser gets ErrTaskNotPending.
func (s *Store) AssignTask(ctx context.Context, taskID, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = 'assigned', assigned_worker_id = ?, started_at = ? WHERE id = ? AND status = 'pending'`,
		workerID,
		now.Unix(),
		taskID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status is %s", ErrTaskNotPending, status)
	}
	return nil
}

// StartTask transitions assigned -> running when the worker acks the
// task. Workers that skip the ack and report straight to completion are
// still accepted by the settlement path.
func (s *Store) StartTask(ctx context.Context, taskID, workerID string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = 'running' WHERE id = ? AND status = 'assigned' AND assigned_worker_id = ?`,
		taskID,
		workerID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotActive
	}
	return nil
}

// SettleTaskSuccess applies a completed task as one unit of work:
// the task becomes completed with its result, the worker's counters and
// reputation are updated and it returns online, and the worker's owner
// (if any) is credited the task's estimate — or fallbackEarnings when
// the task carried no estimate. Either all of it commits or none of it
// does.
func (s *Store) SettleTaskSuccess(ctx context.Context, taskID, workerID string, result json.RawMessage, fallbackEarnings, reward, ceiling float64, now time.Time) (*models.CreditTransaction, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	earnings, err := guardActiveTask(ctx, tx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	if earnings == 0 {
		earnings = fallbackEarnings
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = 'completed', result_data = ?, completed_at = ? WHERE id = ?`,
		rawOrNil(result),
		now.Unix(),
		taskID,
	); err != nil {
		return nil, err
	}

	if err := s.recordWorkerCompletion(ctx, tx, workerID, earnings, reward, ceiling); err != nil {
		return nil, err
	}

	var owner sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT owner_user_id FROM workers WHERE id = ?`, workerID).Scan(&owner); err != nil {
		return nil, err
	}

	// Anonymous workers earn nothing at the ledger level; only their
	// worker-side totals move.
	var entry *models.CreditTransaction
	if owner.Valid && owner.String != "" {
		entry, err = s.applyCredit(ctx, tx, owner.String, earnings, models.TxEarn, taskID,
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

// SettleTaskFailure applies a failed task: the task becomes failed with
// the reason recorded, the worker's failure count grows and its
// reputation drops. No credits move on failure.
func (s *Store) SettleTaskFailure(ctx context.Context, taskID, workerID, reason string, penalty, floor float64, now time.Time) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := guardActiveTask(ctx, tx, taskID, workerID); err != nil {
		return err
	}

	result, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = 'failed', result_data = ?, completed_at = ? WHERE id = ?`,
		string(result),
		now.Unix(),
		taskID,
	); err != nil {
		return err
	}

	if err := s.recordWorkerFailure(ctx, tx, workerID, penalty, floor); err != nil {
		return err
	}
	return tx.Commit()
}

// guardActiveTask checks that a task exists, is assigned or running,
// and belongs to workerID. Returns the task's credit estimate.
func guardActiveTask(ctx context.Context, q queryer, taskID, workerID string) (float64, error) {
	var status string
	var assigned sql.NullString
	var estimate float64
	err := q.QueryRowContext(
		ctx,
		`SELECT status, assigned_worker_id, credits_estimate FROM tasks WHERE id = ?`,
		taskID,
	).Scan(&status, &assigned, &estimate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTaskNotFound
	}
	if err != nil {
		return 0, err
	}
	if status != string(models.TaskStatusAssigned) && status != string(models.TaskStatusRunning) {
		return 0, fmt.Errorf("%w: status is %s", ErrTaskNotActive, status)
	}
	if assigned.String != workerID {
		return 0, ErrWorkerMismatch
	}
	return estimate, nil
}

// VerifyTask confirms or rejects a terminal result by hash comparison
func (s *Store) VerifyTask(ctx context.Context, taskID, outputHash string, isCorrect bool) error {
	next := models.TaskStatusVerified
	if !isCorrect {
		next = models.TaskStatusFailed
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, output_hash = ? WHERE id = ? AND status IN ('completed','failed')`,
		next,
		outputHash,
		taskID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return ErrTaskNotActive
	}
	return nil
}

// TaskStats aggregates task counts per status plus estimated credits
func (s *Store) TaskStats(ctx context.Context) (*models.TaskStats, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(credits_estimate), 0) FROM tasks GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats models.TaskStats
	for rows.Next() {
		var status string
		var count int
		var credits float64
		if err := rows.Scan(&status, &count, &credits); err != nil {
			return nil, err
		}
		switch models.TaskStatus(status) {
		case models.TaskStatusPending:
			stats.Pending = count
		case models.TaskStatusAssigned:
			stats.Assigned = count
		case models.TaskStatusRunning:
			stats.Running = count
		case models.TaskStatusCompleted:
			stats.Completed = count
		case models.TaskStatusFailed:
			stats.Failed = count
		case models.TaskStatusVerified:
			stats.Verified = count
		}
		stats.Total += count
		stats.CreditsEstimate += credits
	}
	return &stats, rows.Err()
}

// RequeueStaleTasks is the watchdog sweep: workers that missed the
// liveness window go offline, and assigned or running tasks whose
// worker went silent past the requeue timeout return to pending for
// redispatch. Returns how many tasks were requeued.
func (s *Store) RequeueStaleTasks(ctx context.Context, livenessCutoff, requeueCutoff time.Time) (int, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE workers SET status = 'offline' WHERE status IN ('online','busy') AND last_heartbeat < ?`,
		livenessCutoff.Unix(),
	); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks
		 SET status = 'pending', assigned_worker_id = NULL, started_at = NULL
		 WHERE status IN ('assigned','running')
		   AND started_at < ?
		   AND assigned_worker_id IN (
		     SELECT id FROM workers WHERE last_heartbeat < ?
		   )`,
		requeueCutoff.Unix(),
		livenessCutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(requeued), nil
}

const taskSelect = `SELECT id, user_id, type, status, priority, input_data, result_data, credits_estimate, assigned_worker_id, output_hash, created_at, started_at, completed_at FROM tasks`

func scanTaskFrom(r rowScanner) (*models.Task, error) {
	var t models.Task
	var input, result sql.NullString
	var assigned, hash sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	err := r.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Status, &t.Priority,
		&input, &result, &t.CreditsEstimate, &assigned, &hash,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if input.Valid {
		t.InputData = json.RawMessage(input.String)
	}
	if result.Valid {
		t.ResultData = json.RawMessage(result.String)
	}
	t.AssignedWorkerID = assigned.String
	t.OutputHash = hash.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0).UTC()
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0).UTC()
		t.CompletedAt = &ts
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTaskFrom(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
