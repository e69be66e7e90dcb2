package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-network/hivemind/pkg/coordinator"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/store"
	"github.com/hivemind-network/hivemind/pkg/users"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := s.users.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if errors.Is(err, store.ErrUserExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "username or email already taken"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, u, err := s.users.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": u})
}

type submitTaskRequest struct {
	Type            models.TaskType `json:"type" binding:"required"`
	InputData       json.RawMessage `json:"input_data"`
	Priority        int             `json:"priority"`
	CreditsEstimate float64         `json:"credits_estimate"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	u := authedUser(c)
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, charge, err := s.coord.SubmitTask(c.Request.Context(), coordinator.SubmitRequest{
		UserID:          u.ID,
		Type:            req.Type,
		InputData:       req.InputData,
		Priority:        req.Priority,
		CreditsEstimate: req.CreditsEstimate,
	})
	var insufficient *store.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":    "insufficient credits",
			"required": insufficient.Required,
			"current":  insufficient.Current,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"task": task}
	if charge != nil {
		resp["charged"] = charge.Amount
		resp["balance"] = charge.BalanceAfter
	}
	c.JSON(http.StatusCreated, resp)
}

type depositRequest struct {
	Amount float64 `json:"amount" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := s.ledger.Deposit(c.Request.Context(), c.Param("id"), req.Amount, "account deposit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": entry, "balance": entry.BalanceAfter})
}

func (s *Server) handleBalance(c *gin.Context) {
	balance, err := s.ledger.Balance(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "balance": balance})
}

func (s *Server) handleTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if entries == nil {
		entries = []models.CreditTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

func (s *Server) handleUserStats(c *gin.Context) {
	stats, err := s.ledger.Stats(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if workers == nil {
		workers = []*models.Worker{}
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := s.queue.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleNetworkStatus(c *gin.Context) {
	now := time.Now()
	capacity, err := s.registry.Capacity(c.Request.Context(), now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"capacity": capacity, "tasks": stats})
}
