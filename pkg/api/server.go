// Package api is the HTTP facade over the coordinator: account
// registration and login, task submission, and read-only projections of
// the network state. Workers never use HTTP; they speak the TCP
// protocol.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/coordinator"
	"github.com/hivemind-network/hivemind/pkg/ledger"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/models"
	"github.com/hivemind-network/hivemind/pkg/queue"
	"github.com/hivemind-network/hivemind/pkg/registry"
	"github.com/hivemind-network/hivemind/pkg/users"
)

// Server is the HTTP API server
type Server struct {
	coord    *coordinator.Coordinator
	registry *registry.Registry
	queue    *queue.Queue
	ledger   *ledger.Ledger
	users    *users.Service
	log      *logger.Logger
	server   *http.Server
}

// New creates the API server
func New(coord *coordinator.Coordinator, reg *registry.Registry, q *queue.Queue, led *ledger.Ledger, accounts *users.Service, log *logger.Logger) *Server {
	return &Server{
		coord:    coord,
		registry: reg,
		queue:    q,
		ledger:   led,
		users:    accounts,
		log:      log.Named("api"),
	}
}

// Router builds the gin engine with all routes mounted
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/auth/register", s.handleRegister)
		v1.POST("/auth/login", s.handleLogin)

		v1.GET("/workers", s.handleListWorkers)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.GET("/network/status", s.handleNetworkStatus)

		authed := v1.Group("", s.requireAuth())
		{
			authed.POST("/tasks", s.handleSubmitTask)
			authed.POST("/users/:id/deposit", s.requireSelf(), s.handleDeposit)
			authed.GET("/users/:id/balance", s.requireSelf(), s.handleBalance)
			authed.GET("/users/:id/transactions", s.requireSelf(), s.handleTransactions)
			authed.GET("/users/:id/stats", s.requireSelf(), s.handleUserStats)
		}
	}
	return r
}

// Start begins serving on address. Non-blocking, like the gateway the
// caller owns the lifecycle.
func (s *Server) Start(address string) error {
	s.server = &http.Server{
		Addr:    address,
		Handler: s.Router(),
	}
	s.log.Info("http api starting", zap.String("address", address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

const userKey = "authedUser"

// requireAuth resolves the bearer token to an account
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		u, err := s.users.Authenticate(c.Request.Context(), token)
		if errors.Is(err, users.ErrUnauthenticated) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

// requireSelf restricts :id routes to the token's own account
func (s *Server) requireSelf() gin.HandlerFunc {
	return func(c *gin.Context) {
		u := authedUser(c)
		if u == nil || u.ID != c.Param("id") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func authedUser(c *gin.Context) *models.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}
