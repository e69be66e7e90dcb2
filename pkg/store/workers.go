package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hivemind-network/hivemind/pkg/models"
)

// CreateWorker inserts a newly registered worker
func (s *Store) CreateWorker(ctx context.Context, w *models.Worker) error {
	gpuJSON, err := json.Marshal(w.GPUs)
	if err != nil {
		return err
	}

	var owner any
	if w.OwnerUserID != "" {
		owner = w.OwnerUserID
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workers (id, owner_user_id, hostname, cpu_cores, gpu_info, memory_bytes, storage_bytes, status, reputation, total_tasks_completed, total_tasks_failed, total_earnings, auth_token, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		owner,
		w.Hostname,
		w.CPUCores,
		string(gpuJSON),
		w.MemoryBytes,
		w.StorageBytes,
		w.Status,
		w.Reputation,
		w.TotalTasksCompleted,
		w.TotalTasksFailed,
		w.TotalEarnings,
		w.AuthToken,
		w.LastHeartbeat.Unix(),
		w.CreatedAt.Unix(),
	)
	return err
}

// GetWorker fetches a worker by id
func (s *Store) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	return scanWorkerRow(s.db.QueryRowContext(ctx, workerSelect+` WHERE id = ?`, id))
}

// GetWorkerByToken fetches a worker by its registration auth token
func (s *Store) GetWorkerByToken(ctx context.Context, token string) (*models.Worker, error) {
	return scanWorkerRow(s.db.QueryRowContext(ctx, workerSelect+` WHERE auth_token = ?`, token))
}

// HeartbeatWorker refreshes a worker's liveness timestamp. An unknown
// worker id is a no-op, not an error: heartbeats are best-effort.
func (s *Store) HeartbeatWorker(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = ? WHERE id = ?`, t.Unix(), id)
	return err
}

// SetWorkerStatus writes a worker's status directly
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// AvailableWorkers returns dispatchable workers: heartbeat newer than
// cutoff, status online or busy, reputation at least minReputation.
// Ordered by reputation descending then heartbeat ascending, so the
// reliable, longest-idle workers win dispatch ties.
func (s *Store) AvailableWorkers(ctx context.Context, cutoff time.Time, minReputation float64) ([]*models.Worker, error) {
	rows, err := s.db.QueryContext(
		ctx,
		workerSelect+`
		 WHERE last_heartbeat >= ?
		   AND status IN ('online','busy')
		   AND reputation >= ?
		 ORDER BY reputation DESC, last_heartbeat ASC`,
		cutoff.Unix(),
		minReputation,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// ListWorkers returns every registered worker
func (s *Store) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// RecordWorkerCompletion applies a successful task outcome to worker
// counters: back online, one more completion, earnings added, reputation
// nudged up and clamped at ceiling.
func (s *Store) RecordWorkerCompletion(ctx context.Context, id string, earnings, reward, ceiling float64) error {
	return s.recordWorkerCompletion(ctx, s.db, id, earnings, reward, ceiling)
}

func (s *Store) recordWorkerCompletion(ctx context.Context, q queryer, id string, earnings, reward, ceiling float64) error {
	res, err := q.ExecContext(
		ctx,
		`UPDATE workers
		 SET status = 'online',
		     total_tasks_completed = total_tasks_completed + 1,
		     total_earnings = total_earnings + ?,
		     reputation = MIN(?, reputation + ?)
		 WHERE id = ?`,
		earnings, ceiling, reward, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// RecordWorkerFailure applies a failed task outcome: back online, one
// more failure, reputation nudged down and clamped at floor.
func (s *Store) RecordWorkerFailure(ctx context.Context, id string, penalty, floor float64) error {
	return s.recordWorkerFailure(ctx, s.db, id, penalty, floor)
}

func (s *Store) recordWorkerFailure(ctx context.Context, q queryer, id string, penalty, floor float64) error {
	res, err := q.ExecContext(
		ctx,
		`UPDATE workers
		 SET status = 'online',
		     total_tasks_failed = total_tasks_failed + 1,
		     reputation = MAX(?, reputation - ?)
		 WHERE id = ?`,
		floor, penalty, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

const workerSelect = `SELECT id, owner_user_id, hostname, cpu_cores, gpu_info, memory_bytes, storage_bytes, status, reputation, total_tasks_completed, total_tasks_failed, total_earnings, auth_token, last_heartbeat, created_at FROM workers`

func scanWorkerFrom(r rowScanner) (*models.Worker, error) {
	var w models.Worker
	var owner sql.NullString
	var gpuJSON string
	var lastHeartbeat, createdAt int64
	err := r.Scan(
		&w.ID, &owner, &w.Hostname, &w.CPUCores, &gpuJSON,
		&w.MemoryBytes, &w.StorageBytes, &w.Status, &w.Reputation,
		&w.TotalTasksCompleted, &w.TotalTasksFailed, &w.TotalEarnings,
		&w.AuthToken, &lastHeartbeat, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	w.OwnerUserID = owner.String
	if err := json.Unmarshal([]byte(gpuJSON), &w.GPUs); err != nil {
		return nil, err
	}
	w.LastHeartbeat = time.Unix(lastHeartbeat, 0).UTC()
	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &w, nil
}

func scanWorkerRow(row *sql.Row) (*models.Worker, error) {
	w, err := scanWorkerFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return w, err
}

func collectWorkers(rows *sql.Rows) ([]*models.Worker, error) {
	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorkerFrom(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
