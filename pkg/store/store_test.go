package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-network/hivemind/pkg/models"
)

func closeTo(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, credits float64) *models.User {
	t.Helper()
	now := time.Now()
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     "user-" + uuid.NewString()[:8],
		Email:        uuid.NewString()[:8] + "@example.com",
		PasswordHash: "x",
		Credits:      credits,
		Reputation:   1.0,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func seedWorker(t *testing.T, s *Store, owner string, heartbeat time.Time) *models.Worker {
	t.Helper()
	w := &models.Worker{
		ID:            uuid.NewString(),
		OwnerUserID:   owner,
		Hostname:      "node-1",
		CPUCores:      8,
		GPUs:          []models.GPUInfo{{Name: "RTX 4090", VRAMMB: 24576}},
		MemoryBytes:   32 << 30,
		Status:        models.WorkerStatusOnline,
		Reputation:    1.0,
		AuthToken:     uuid.NewString(),
		LastHeartbeat: heartbeat,
		CreatedAt:     heartbeat,
	}
	if err := s.CreateWorker(context.Background(), w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	return w
}

func seedTask(t *testing.T, s *Store, userID string, priority int, estimate float64, createdAt time.Time) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:              uuid.NewString(),
		UserID:          userID,
		Type:            models.TaskTypeInference,
		Status:          models.TaskStatusPending,
		Priority:        priority,
		InputData:       json.RawMessage(`{"prompt":"hi"}`),
		CreditsEstimate: estimate,
		CreatedAt:       createdAt,
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateUserDuplicate(t *testing.T) {
	s := openTestStore(t)
	u := seedUser(t, s, 10)

	dup := *u
	dup.ID = uuid.NewString()
	if err := s.CreateUser(context.Background(), &dup); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestDepositAndSpend(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 0)
	now := time.Now()

	entry, err := s.Deposit(ctx, u.ID, 50, models.TxDeposit, "", "initial deposit", now)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if entry.BalanceAfter != 50 {
		t.Fatalf("balance after deposit = %v, want 50", entry.BalanceAfter)
	}

	if _, err := s.Spend(ctx, u.ID, 20, "", "task cost", now); err != nil {
		t.Fatalf("Spend: %v", err)
	}

	balance, err := s.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 30 {
		t.Fatalf("balance = %v, want 30", balance)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.TotalEarned != 50 || got.TotalSpent != 20 {
		t.Fatalf("totals = earned %v spent %v, want 50/20", got.TotalEarned, got.TotalSpent)
	}
}

func TestSpendInsufficient(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 5)

	_, err := s.Spend(ctx, u.ID, 12.5, "", "too much", time.Now())
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if insufficient.Required != 12.5 || insufficient.Current != 5 {
		t.Fatalf("amounts = %v/%v, want 12.5/5", insufficient.Required, insufficient.Current)
	}

	// balance untouched after a rejected spend
	balance, err := s.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("balance = %v, want 5", balance)
	}
}

func TestCreateTaskCharged(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 10)
	now := time.Now()

	task := &models.Task{
		ID:              uuid.NewString(),
		UserID:          u.ID,
		Type:            models.TaskTypeInference,
		Status:          models.TaskStatusPending,
		CreditsEstimate: 3,
		CreatedAt:       now,
	}
	entry, err := s.CreateTaskCharged(ctx, task, now)
	if err != nil {
		t.Fatalf("CreateTaskCharged: %v", err)
	}
	if entry == nil || entry.Amount != 3 || entry.BalanceAfter != 7 {
		t.Fatalf("unexpected charge: %+v", entry)
	}

	// an unaffordable task is not created at all
	expensive := &models.Task{
		ID:              uuid.NewString(),
		UserID:          u.ID,
		Type:            models.TaskTypeInference,
		Status:          models.TaskStatusPending,
		CreditsEstimate: 100,
		CreatedAt:       now,
	}
	if _, err := s.CreateTaskCharged(ctx, expensive, now); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := s.GetTask(ctx, expensive.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("rejected task was created anyway: %v", err)
	}
	balance, _ := s.Balance(ctx, u.ID)
	if balance != 7 {
		t.Fatalf("balance = %v, want 7", balance)
	}
}

func TestPendingTasksOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 100)
	base := time.Now()

	low1 := seedTask(t, s, u.ID, 0, 1, base)
	high := seedTask(t, s, u.ID, 5, 1, base.Add(time.Second))
	low2 := seedTask(t, s, u.ID, 0, 1, base.Add(2*time.Second))

	got, err := s.PendingTasks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	want := []string{high.ID, low1.ID, low2.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestAssignTaskOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 100)
	task := seedTask(t, s, u.ID, 0, 2, time.Now())

	if err := s.AssignTask(ctx, task.ID, "worker-a", time.Now()); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	err := s.AssignTask(ctx, task.ID, "worker-b", time.Now())
	if !errors.Is(err, ErrTaskNotPending) {
		t.Fatalf("second assign: expected ErrTaskNotPending, got %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AssignedWorkerID != "worker-a" {
		t.Fatalf("assigned worker = %s, want worker-a", got.AssignedWorkerID)
	}
}

func TestSettleTaskSuccess(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	owner := seedUser(t, s, 10)
	w := seedWorker(t, s, owner.ID, time.Now())
	task := seedTask(t, s, owner.ID, 0, 4.5, time.Now())
	now := time.Now()

	if err := s.AssignTask(ctx, task.ID, w.ID, now); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if err := s.StartTask(ctx, task.ID, w.ID); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	entry, err := s.SettleTaskSuccess(ctx, task.ID, w.ID, json.RawMessage(`{"output":"ok"}`), 0, 0.01, 2.0, now)
	if err != nil {
		t.Fatalf("SettleTaskSuccess: %v", err)
	}
	if entry == nil || entry.Amount != 4.5 || entry.BalanceAfter != 14.5 {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("task = %s completed_at=%v, want completed with timestamp", got.Status, got.CompletedAt)
	}

	worker, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if worker.Status != models.WorkerStatusOnline {
		t.Fatalf("worker status = %s, want online", worker.Status)
	}
	if worker.TotalTasksCompleted != 1 || worker.TotalEarnings != 4.5 {
		t.Fatalf("worker counters = %d completed, %v earned", worker.TotalTasksCompleted, worker.TotalEarnings)
	}
	if !closeTo(worker.Reputation, 1.01) {
		t.Fatalf("worker reputation = %v, want 1.01", worker.Reputation)
	}

	// a second report on the now-terminal task is rejected
	if err := s.SettleTaskFailure(ctx, task.ID, w.ID, "late", 0.05, 0.1, now); !errors.Is(err, ErrTaskNotActive) {
		t.Fatalf("expected ErrTaskNotActive on terminal task, got %v", err)
	}
}

func TestSettleTaskSuccessFallbackEarnings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	owner := seedUser(t, s, 10)
	w := seedWorker(t, s, owner.ID, time.Now())
	task := seedTask(t, s, owner.ID, 0, 0, time.Now())

	if err := s.AssignTask(ctx, task.ID, w.ID, time.Now()); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	// a zero-estimate task settles for the fallback amount
	entry, err := s.SettleTaskSuccess(ctx, task.ID, w.ID, nil, 4.5, 0.01, 2.0, time.Now())
	if err != nil {
		t.Fatalf("SettleTaskSuccess: %v", err)
	}
	if entry == nil || entry.Amount != 4.5 || entry.BalanceAfter != 14.5 {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}

	worker, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if worker.TotalEarnings != 4.5 {
		t.Fatalf("worker earnings = %v, want 4.5", worker.TotalEarnings)
	}
}

func TestSettleTaskSuccessGuestWorker(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	submitter := seedUser(t, s, 10)
	w := seedWorker(t, s, "", time.Now())
	task := seedTask(t, s, submitter.ID, 0, 3, time.Now())

	if err := s.AssignTask(ctx, task.ID, w.ID, time.Now()); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	entry, err := s.SettleTaskSuccess(ctx, task.ID, w.ID, nil, 0, 0.01, 2.0, time.Now())
	if err != nil {
		t.Fatalf("SettleTaskSuccess: %v", err)
	}
	if entry != nil {
		t.Fatalf("guest worker produced a ledger entry: %+v", entry)
	}

	worker, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if worker.TotalEarnings != 3 {
		t.Fatalf("worker earnings = %v, want 3", worker.TotalEarnings)
	}
}

func TestSettleTaskFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 10)
	w := seedWorker(t, s, u.ID, time.Now())
	task := seedTask(t, s, u.ID, 0, 2, time.Now())

	if err := s.AssignTask(ctx, task.ID, w.ID, time.Now()); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if err := s.SettleTaskFailure(ctx, task.ID, w.ID, "out of memory", 0.05, 0.1, time.Now()); err != nil {
		t.Fatalf("SettleTaskFailure: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	var result map[string]string
	if err := json.Unmarshal(got.ResultData, &result); err != nil {
		t.Fatalf("result_data: %v", err)
	}
	if result["error"] != "out of memory" {
		t.Fatalf("failure reason = %q", result["error"])
	}

	worker, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if worker.TotalTasksFailed != 1 || !closeTo(worker.Reputation, 0.95) {
		t.Fatalf("worker = %d failed, reputation %v", worker.TotalTasksFailed, worker.Reputation)
	}

	// no credits moved on failure
	balance, err := s.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance = %v, want 10", balance)
	}
}

func TestSettleWorkerMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 10)
	w := seedWorker(t, s, u.ID, time.Now())
	task := seedTask(t, s, u.ID, 0, 1, time.Now())

	if err := s.AssignTask(ctx, task.ID, w.ID, time.Now()); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	_, err := s.SettleTaskSuccess(ctx, task.ID, "imposter", nil, 0, 0.01, 2.0, time.Now())
	if !errors.Is(err, ErrWorkerMismatch) {
		t.Fatalf("expected ErrWorkerMismatch, got %v", err)
	}
}

func TestReputationClamps(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	w := seedWorker(t, s, "", time.Now())

	// drive reputation to the ceiling
	for i := 0; i < 120; i++ {
		if err := s.RecordWorkerCompletion(ctx, w.ID, 0, 0.01, 2.0); err != nil {
			t.Fatalf("RecordWorkerCompletion: %v", err)
		}
	}
	got, _ := s.GetWorker(ctx, w.ID)
	if got.Reputation != 2.0 {
		t.Fatalf("reputation = %v, want ceiling 2.0", got.Reputation)
	}

	// then to the floor
	for i := 0; i < 60; i++ {
		if err := s.RecordWorkerFailure(ctx, w.ID, 0.05, 0.1); err != nil {
			t.Fatalf("RecordWorkerFailure: %v", err)
		}
	}
	got, _ = s.GetWorker(ctx, w.ID)
	if got.Reputation != 0.1 {
		t.Fatalf("reputation = %v, want floor 0.1", got.Reputation)
	}
}

func TestAvailableWorkersLiveness(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	fresh := seedWorker(t, s, "", now.Add(-59*time.Second))
	stale := seedWorker(t, s, "", now.Add(-61*time.Second))
	lowRep := seedWorker(t, s, "", now)
	for i := 0; i < 20; i++ {
		if err := s.RecordWorkerFailure(ctx, lowRep.ID, 0.05, 0.1); err != nil {
			t.Fatalf("RecordWorkerFailure: %v", err)
		}
	}

	got, err := s.AvailableWorkers(ctx, now.Add(-60*time.Second), 0.5)
	if err != nil {
		t.Fatalf("AvailableWorkers: %v", err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("available = %d workers, want only the fresh one (stale=%s)", len(got), stale.ID)
	}
}

func TestRequeueStaleTasks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 100)
	now := time.Now()

	stale := seedWorker(t, s, "", now.Add(-5*time.Minute))
	fresh := seedWorker(t, s, "", now)

	orphaned := seedTask(t, s, u.ID, 0, 1, now.Add(-10*time.Minute))
	healthy := seedTask(t, s, u.ID, 0, 1, now.Add(-10*time.Minute))
	if err := s.AssignTask(ctx, orphaned.ID, stale.ID, now.Add(-4*time.Minute)); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if err := s.AssignTask(ctx, healthy.ID, fresh.ID, now.Add(-4*time.Minute)); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	requeued, err := s.RequeueStaleTasks(ctx, now.Add(-60*time.Second), now.Add(-120*time.Second))
	if err != nil {
		t.Fatalf("RequeueStaleTasks: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	got, err := s.GetTask(ctx, orphaned.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusPending || got.AssignedWorkerID != "" {
		t.Fatalf("orphaned task = %s assigned to %q, want pending/unassigned", got.Status, got.AssignedWorkerID)
	}

	staleWorker, err := s.GetWorker(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if staleWorker.Status != models.WorkerStatusOffline {
		t.Fatalf("stale worker status = %s, want offline", staleWorker.Status)
	}

	kept, err := s.GetTask(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if kept.Status != models.TaskStatusAssigned {
		t.Fatalf("healthy task status = %s, want assigned", kept.Status)
	}
}

func TestVerifyTask(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 10)
	w := seedWorker(t, s, "", time.Now())
	task := seedTask(t, s, u.ID, 0, 1, time.Now())

	if err := s.VerifyTask(ctx, task.ID, "abc", true); !errors.Is(err, ErrTaskNotActive) {
		t.Fatalf("verify on pending task: expected ErrTaskNotActive, got %v", err)
	}

	if err := s.AssignTask(ctx, task.ID, w.ID, time.Now()); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if _, err := s.SettleTaskSuccess(ctx, task.ID, w.ID, nil, 0, 0.01, 2.0, time.Now()); err != nil {
		t.Fatalf("SettleTaskSuccess: %v", err)
	}
	if err := s.VerifyTask(ctx, task.ID, "abc", true); err != nil {
		t.Fatalf("VerifyTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusVerified || got.OutputHash != "abc" {
		t.Fatalf("task = %s hash=%q, want verified/abc", got.Status, got.OutputHash)
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := seedUser(t, s, 0)
	now := time.Now()

	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Token:     "tok-123",
		CreatedAt: now,
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := s.GetSessionByToken(ctx, "tok-123")
	if err != nil {
		t.Fatalf("GetSessionByToken: %v", err)
	}
	if got.UserID != u.ID {
		t.Fatalf("session user = %s, want %s", got.UserID, u.ID)
	}

	removed, err := s.DeleteExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.GetSessionByToken(ctx, "tok-123"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
