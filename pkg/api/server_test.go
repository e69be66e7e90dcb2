package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/coordinator"
	"github.com/hivemind-network/hivemind/pkg/ledger"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/queue"
	"github.com/hivemind-network/hivemind/pkg/registry"
	"github.com/hivemind-network/hivemind/pkg/store"
	"github.com/hivemind-network/hivemind/pkg/users"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := logger.Nop()
	policy := config.DefaultPolicy()
	reg := registry.New(st, nil, policy, log)
	q := queue.New(st, policy, log)
	led := ledger.New(st, log)
	coord := coordinator.New(st, reg, q, led, policy, log)
	accounts := users.New(st, config.AuthConfig{JWTSecret: "test-secret", SessionTTLHours: 1}, log)

	srv := New(coord, reg, q, led, accounts, log)
	return srv.Router(), st
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func registerAndLogin(t *testing.T, router *gin.Engine) (string, string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "password123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}
	userID := decode(t, w)["user"].(map[string]any)["id"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    "alice@example.com",
		"password": "password123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", w.Code, w.Body.String())
	}
	token := decode(t, w)["token"].(string)
	return userID, token
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestSubmitTaskFlow(t *testing.T) {
	router, _ := newTestRouter(t)
	userID, token := registerAndLogin(t, router)

	// fund the account
	w := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/users/%s/deposit", userID), token, gin.H{"amount": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks", token, gin.H{
		"type":             "inference",
		"input_data":       gin.H{"prompt": "hello"},
		"credits_estimate": 3,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["charged"].(float64) != 3 || resp["balance"].(float64) != 7 {
		t.Fatalf("submit response = %v", resp)
	}
	taskID := resp["task"].(map[string]any)["id"].(string)

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+taskID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get task = %d", w.Code)
	}
	if decode(t, w)["status"].(string) != "pending" {
		t.Fatalf("task status: %s", w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/users/%s/balance", userID), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance = %d", w.Code)
	}
	if decode(t, w)["balance"].(float64) != 7 {
		t.Fatalf("balance: %s", w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/users/%s/transactions", userID), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transactions = %d", w.Code)
	}
	if n := len(decode(t, w)["transactions"].([]any)); n != 2 {
		t.Fatalf("transactions = %d, want 2 (deposit + charge)", n)
	}
}

func TestSubmitTaskInsufficientCredits(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := registerAndLogin(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", token, gin.H{
		"type":             "inference",
		"credits_estimate": 5,
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("submit = %d, want 402: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["required"].(float64) != 5 || resp["current"].(float64) != 0 {
		t.Fatalf("402 body = %v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", "", gin.H{"type": "inference"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", w.Code)
	}
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks", "garbage-token", gin.H{"type": "inference"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", w.Code)
	}
}

func TestSelfOnlyAccess(t *testing.T) {
	router, _ := newTestRouter(t)
	_, token := registerAndLogin(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/users/someone-else/balance", token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign balance = %d, want 403", w.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	router, _ := newTestRouter(t)
	registerAndLogin(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"email":    "alice@example.com",
		"password": "not-the-password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", w.Code)
	}
}

func TestNetworkStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/network/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("network status = %d", w.Code)
	}
	resp := decode(t, w)
	if _, ok := resp["capacity"]; !ok {
		t.Fatalf("missing capacity: %v", resp)
	}
	if _, ok := resp["tasks"]; !ok {
		t.Fatalf("missing tasks: %v", resp)
	}
}
