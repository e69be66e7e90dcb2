package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logger.Nop()), st
}

func seedUser(t *testing.T, st *store.Store, credits float64) *models.User {
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
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestCalculateCreditsEarned(t *testing.T) {
	cases := []struct {
		name                           string
		base, ramGB, cores, gpuGB, rep float64
		want                           float64
	}{
		{"small cpu node", 1, 2, 2, 0, 1.0, 4.0},
		{"gpu node", 1, 8, 4, 2, 1.0, 96.0},
		{"tiny declaration floors", 1, 0.01, 0.01, 0, 1.0, 0.01},
		{"reputation scales", 1, 2, 2, 0, 2.0, 8.0},
		{"reputation clamped high", 1, 1, 1, 0, 10.0, 3.0},
		{"reputation clamped low", 1, 10, 10, 0, 0.0, 10.0},
		{"zero gpu means no bonus", 2, 1, 1, 0, 1.0, 2.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateCreditsEarned(tc.base, tc.ramGB, tc.cores, tc.gpuGB, tc.rep)
			if got != tc.want {
				t.Errorf("CalculateCreditsEarned(%v, %v, %v, %v, %v) = %v, want %v",
					tc.base, tc.ramGB, tc.cores, tc.gpuGB, tc.rep, got, tc.want)
			}
		})
	}
}

func TestWorkerReward(t *testing.T) {
	w := &models.Worker{
		CPUCores:    4,
		MemoryBytes: 8 << 30,
		GPUs:        []models.GPUInfo{{Name: "RTX 3090", VRAMMB: 2048}},
		Reputation:  1.0,
	}
	if got := WorkerReward(1, w); got != 96.0 {
		t.Fatalf("WorkerReward = %v, want 96.0", got)
	}
}

func TestDepositSpendConservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	u := seedUser(t, l.store, 0)

	if _, err := l.Deposit(ctx, u.ID, 25, "funding"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := l.Spend(ctx, u.ID, 10, "", "task"); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if _, err := l.Deposit(ctx, u.ID, 5, "top up"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	balance, err := l.Balance(ctx, u.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 20 {
		t.Fatalf("balance = %v, want 20", balance)
	}

	// balance_after must replay to the same value
	history, err := l.History(ctx, u.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].BalanceAfter != balance {
		t.Fatalf("latest balance_after = %v, want %v", history[0].BalanceAfter, balance)
	}
}

func TestSpendRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	u := seedUser(t, l.store, 3)

	_, err := l.Spend(ctx, u.ID, 3.01, "", "too much")
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	// exact balance is spendable
	if _, err := l.Spend(ctx, u.ID, 3, "", "all in"); err != nil {
		t.Fatalf("Spend full balance: %v", err)
	}
	balance, _ := l.Balance(ctx, u.ID)
	if balance != 0 {
		t.Fatalf("balance = %v, want 0", balance)
	}
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	u := seedUser(t, l.store, 10)

	if _, err := l.Deposit(ctx, u.ID, 0, ""); err == nil {
		t.Fatal("zero deposit accepted")
	}
	if _, err := l.Deposit(ctx, u.ID, -5, ""); err == nil {
		t.Fatal("negative deposit accepted")
	}
	if _, err := l.Spend(ctx, u.ID, -1, "", ""); err == nil {
		t.Fatal("negative spend accepted")
	}
}

func TestAwardEarnings(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t)
	owner := seedUser(t, st, 0)

	now := time.Now()
	w := &models.Worker{
		ID:            uuid.NewString(),
		OwnerUserID:   owner.ID,
		Hostname:      "node",
		Status:        models.WorkerStatusOnline,
		Reputation:    1.0,
		AuthToken:     uuid.NewString(),
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	entry, err := l.AwardEarnings(ctx, w.ID, 7.5, "task-1")
	if err != nil {
		t.Fatalf("AwardEarnings: %v", err)
	}
	if entry == nil || entry.UserID != owner.ID || entry.Amount != 7.5 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Type != models.TxEarn {
		t.Fatalf("entry type = %s, want earn", entry.Type)
	}

	got, err := st.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if got.TotalEarnings != 7.5 {
		t.Fatalf("worker earnings = %v, want 7.5", got.TotalEarnings)
	}
}
