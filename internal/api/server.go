// Package api exposes the settlement endpoint, read-only health, metrics and
// balances, the admin breaker reset and a websocket stream of accepted prices.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/oracle"
	"github.com/terminal-bench/settlementrelay/internal/poller"
	"github.com/terminal-bench/settlementrelay/internal/replay"
	"github.com/terminal-bench/settlementrelay/internal/settlement"
	"github.com/terminal-bench/settlementrelay/pkg/circuit"
)

// Settler runs settlements and reads party holdings.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
	Balance(ctx context.Context, party string) (decimal.Decimal, error)
	CacheSize(ctx context.Context) (int, error)
	CacheCapacity() int
}

// PriceMonitor is the price engine as seen by the API.
type PriceMonitor interface {
	Assets() []string
	LastAccepted(asset string) (oracle.ConsensusPrice, bool)
	Health() oracle.Health
	Reset(ctx context.Context)
}

// NonceView exposes replay state.
type NonceView interface {
	State() []replay.NonceState
	ProcessedCount(ctx context.Context) (int, error)
}

// LoopStats exposes poll loop history.
type LoopStats interface {
	Stats() []poller.Stats
}

// BreakerStates exposes the ledger transport breakers.
type BreakerStates interface {
	BreakerStates() map[string]circuit.State
}

// SettlementHistory lists journaled settlements.
type SettlementHistory interface {
	Settlements(ctx context.Context, party string, limit int) ([]settlement.Entry, error)
}

// Deps are the components behind the API. Only Settler is required.
type Deps struct {
	Settler Settler
	Prices  PriceMonitor
	Nonces  NonceView
	Loops   LoopStats
	Ledger  BreakerStates
	History SettlementHistory
}

type Config struct {
	// AdminToken guards admin routes. Empty disables them.
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	cfg         Config
	deps        Deps
	router      *gin.Engine
	hub         *Hub
	rateLimiter *RateLimiter
	logger      *zap.Logger
	started     time.Time
	now         func() time.Time
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  gin.New(),
		hub:     NewHub(logger),
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.health)
	s.router.GET("/metrics", s.metrics)
	s.router.POST("/redeem", s.rateLimitMiddleware(), s.redeem)
	s.router.GET("/settlements/:party", s.settlements)
	s.router.GET("/balances/:party", s.balance)
	s.router.GET("/ws/prices", s.streamPrices)

	admin := s.router.Group("/admin", s.adminMiddleware())
	{
		admin.POST("/breaker/reset", s.resetBreaker)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the price stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects stream subscribers.
func (s *Server) Close() {
	s.hub.Close()
}

// Middleware

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("correlation_id", c.GetString("correlation_id")),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			s.logger.Error("request failed", fields...)
		case status >= 400:
			s.logger.Warn("request rejected", fields...)
		default:
			s.logger.Debug("request served", fields...)
		}
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter != nil && !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, failure("rate limit exceeded"))
			return
		}
		c.Next()
	}
}

func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization"})
			return
		}
		c.Next()
	}
}

var errNoPrices = errors.New("price engine not configured")

// PruneRateLimits forgets idle clients. It has the shape of a poll tick.
func (s *Server) PruneRateLimits(_ context.Context) error {
	if s.rateLimiter == nil {
		return nil
	}
	if n := s.rateLimiter.Prune(); n > 0 {
		s.logger.Debug("pruned rate limit entries", zap.Int("count", n))
	}
	return nil
}
