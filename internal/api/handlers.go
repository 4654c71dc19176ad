package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/replay"
	"github.com/terminal-bench/settlementrelay/internal/settlement"
	"github.com/terminal-bench/settlementrelay/internal/validator"
	"github.com/terminal-bench/settlementrelay/pkg/circuit"
	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
)

// RedeemRequest is the body of POST /redeem. Amount may be a JSON string or
// number. The idempotency key is always derived from the selected inventory.
type RedeemRequest struct {
	Party  string          `json:"party"`
	Amount decimal.Decimal `json:"amount"`
}

type failureResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Requested string `json:"requested,omitempty"`
	Available string `json:"available,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
}

func failure(msg string) failureResponse {
	return failureResponse{Success: false, Error: msg}
}

func (s *Server) redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, failure("invalid request body: "+err.Error()))
		return
	}

	result, err := s.deps.Settler.Settle(c.Request.Context(), settlement.Request{
		Party:  req.Party,
		Amount: req.Amount,
	})
	if err != nil {
		status, body := settlementFailure(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("settlement failed",
				zap.String("party", req.Party),
				zap.String("amount", req.Amount.String()),
				zap.Error(err))
		}
		_ = c.Error(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// settlementFailure maps a settlement error to a status and body.
func settlementFailure(err error) (int, failureResponse) {
	body := failure(err.Error())

	var insufficient *settlement.InsufficientError
	var verr *validator.ValidationError
	var rejected *ledger.RejectedError
	switch {
	case errors.As(err, &insufficient):
		body.Kind = "insufficient_balance"
		if errors.Is(err, settlement.ErrInsufficientOperatorInventory) {
			body.Kind = "insufficient_operator_inventory"
		}
		body.Requested = insufficient.Requested.String()
		body.Available = insufficient.Available.String()
		body.Shortfall = insufficient.Shortfall.String()
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, settlement.ErrInvalidRequest):
		body.Kind = "invalid_request"
		return http.StatusBadRequest, body
	case errors.As(err, &verr), errors.Is(err, validator.ErrUnknownTemplate):
		body.Kind = "validation"
		return http.StatusBadRequest, body
	case errors.Is(err, replay.ErrReplay):
		body.Kind = "replay"
		return http.StatusConflict, body
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrTooManyRequests),
		errors.Is(err, ledger.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		body.Kind = "unavailable"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, settlement.ErrNoService):
		body.Kind = "no_service"
		return http.StatusServiceUnavailable, body
	case errors.As(err, &rejected):
		body.Kind = "ledger_rejected"
		return http.StatusBadGateway, body
	default:
		body.Kind = "internal"
		return http.StatusInternalServerError, body
	}
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	resp := gin.H{
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
	}
	if s.deps.Prices != nil {
		paused := s.deps.Prices.Health().Paused
		resp["price_paused"] = paused
		if paused {
			status = "degraded"
		}
	}
	if s.deps.Ledger != nil {
		breakers := s.deps.Ledger.BreakerStates()
		for _, st := range breakers {
			if st == circuit.StateOpen {
				status = "degraded"
			}
		}
		resp["ledger"] = breakers
	}
	resp["status"] = status
	c.JSON(http.StatusOK, resp)
}

type priceMetric struct {
	Asset        string          `json:"asset"`
	Price        decimal.Decimal `json:"price"`
	SingleSource bool            `json:"single_source"`
	At           time.Time       `json:"at"`
	AgeSeconds   float64         `json:"age_seconds"`
}

func (s *Server) metrics(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{
		"ws_clients": s.hub.Count(),
	}

	if size, err := s.deps.Settler.CacheSize(ctx); err != nil {
		s.logger.Warn("failed to read idempotency store size", zap.Error(err))
	} else {
		resp["idempotency_entries"] = size
	}
	if capacity := s.deps.Settler.CacheCapacity(); capacity > 0 {
		resp["idempotency_capacity"] = capacity
	}

	if s.deps.Prices != nil {
		resp["price_breaker"] = s.deps.Prices.Health()
		now := s.now()
		prices := make([]priceMetric, 0)
		for _, asset := range s.deps.Prices.Assets() {
			cp, ok := s.deps.Prices.LastAccepted(asset)
			if !ok {
				continue
			}
			prices = append(prices, priceMetric{
				Asset:        cp.Asset,
				Price:        cp.Price,
				SingleSource: cp.SingleSource,
				At:           cp.At,
				AgeSeconds:   now.Sub(cp.At).Seconds(),
			})
		}
		resp["prices"] = prices
	}

	if s.deps.Nonces != nil {
		resp["nonces"] = s.deps.Nonces.State()
		if n, err := s.deps.Nonces.ProcessedCount(ctx); err != nil {
			s.logger.Warn("failed to read processed set size", zap.Error(err))
		} else {
			resp["processed_requests"] = n
		}
	}

	if s.deps.Loops != nil {
		resp["loops"] = s.deps.Loops.Stats()
	}
	if s.deps.Ledger != nil {
		resp["ledger_breakers"] = s.deps.Ledger.BreakerStates()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) resetBreaker(c *gin.Context) {
	if s.deps.Prices == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoPrices.Error()})
		return
	}
	s.deps.Prices.Reset(c.Request.Context())
	s.logger.Info("price breaker reset by operator",
		zap.String("client_ip", c.ClientIP()),
		zap.String("correlation_id", c.GetString("correlation_id")))
	c.JSON(http.StatusOK, gin.H{"paused": s.deps.Prices.Health().Paused})
}

func (s *Server) settlements(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement history not configured"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	entries, err := s.deps.History.Settlements(c.Request.Context(), c.Param("party"), limit)
	if err != nil {
		s.logger.Error("failed to list settlements", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list settlements"})
		return
	}
	if entries == nil {
		entries = []settlement.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"settlements": entries})
}

type balanceResponse struct {
	Party   string `json:"party"`
	Balance string `json:"balance"`
}

func (s *Server) balance(c *gin.Context) {
	party := c.Param("party")
	if !validator.IsParty(party) {
		c.JSON(http.StatusBadRequest, failure("invalid party "+strconv.Quote(party)))
		return
	}
	total, err := s.deps.Settler.Balance(c.Request.Context(), party)
	if err != nil {
		status, body := settlementFailure(err)
		s.logger.Warn("failed to read balance", zap.String("party", party), zap.Error(err))
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Party: party, Balance: pdec.LedgerString(total)})
}

func (s *Server) streamPrices(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	var snapshot [][]byte
	if s.deps.Prices != nil {
		for _, asset := range s.deps.Prices.Assets() {
			if cp, ok := s.deps.Prices.LastAccepted(asset); ok {
				if msg, err := encodePrice(cp); err == nil {
					snapshot = append(snapshot, msg)
				}
			}
		}
	}
	s.hub.serve(conn, snapshot)
}
