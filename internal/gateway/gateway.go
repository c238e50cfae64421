// Package gateway exposes the engine over HTTP. It authenticates callers,
// rate limits, sheds load through circuit breakers when the settlement
// substrate is failing, and relays notifications to websocket observers.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/aeromutual/internal/consensus"
	"github.com/terminal-bench/aeromutual/internal/engine"
	"github.com/terminal-bench/aeromutual/internal/escrow"
	"github.com/terminal-bench/aeromutual/internal/identity"
	"github.com/terminal-bench/aeromutual/internal/registry"
	"github.com/terminal-bench/aeromutual/pkg/circuit"
	"github.com/terminal-bench/aeromutual/pkg/leader"
	"github.com/terminal-bench/aeromutual/pkg/messaging"
)

// Config holds gateway settings.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Gateway fronts the engine.
type Gateway struct {
	router   *gin.Engine
	engine   *engine.Engine
	ids      *identity.Service
	writers  leader.Gate
	breakers *circuit.BreakerGroup
	limiter  *RateLimiter
	hub      *Hub
}

// New assembles the gateway. msg may be nil when no broker is configured;
// the websocket feed is then disabled. rdb may be nil; rate limiting falls
// back to an in-process window.
func New(cfg Config, eng *engine.Engine, ids *identity.Service, writers leader.Gate, rdb *redis.Client, msg *messaging.Client) *Gateway {
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:  gin.Default(),
		engine:  eng,
		ids:     ids,
		writers: writers,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		limiter: NewRateLimiter(rdb, cfg.RateLimitMax, cfg.RateLimitWindow),
		hub:     NewHub(),
	}

	if msg != nil {
		g.hub.Relay(msg)
	}

	g.setupRoutes()
	return g
}

// Router returns the underlying handler, mainly for tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Start serves until the listener fails.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/accounts", g.createAccount)
		v1.POST("/auth/token", g.issueToken)

		v1.GET("/status", g.getStatus)
		v1.GET("/airlines/:id", g.getAirline)
		v1.GET("/insurees/:id", g.getInsuree)

		v1.POST("/airlines", g.authMiddleware(), g.registerAirline)
		v1.POST("/airlines/:id/fund", g.authMiddleware(), g.fundAirline)
		v1.POST("/deposit", g.authMiddleware(), g.deposit)
		v1.PUT("/operations", g.authMiddleware(), g.setOperatingStatus)

		v1.POST("/insurance", g.authMiddleware(), g.buyInsurance)
		v1.POST("/insurance/credit", g.authMiddleware(), g.creditInsurees)
		v1.POST("/insurance/pay", g.authMiddleware(), g.pay)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		caller, err := g.ids.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("caller", caller)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiter.Allow(c.Request.Context(), c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func caller(c *gin.Context) uuid.UUID {
	return c.MustGet("caller").(uuid.UUID)
}

// execute runs a mutating engine call. Writes are accepted only on the
// elected replica, and substrate failures (not domain rejections) feed the
// circuit breaker.
func (g *Gateway) execute(c *gin.Context, name string, fn func(ctx context.Context) error) bool {
	if !g.writers.IsLeader() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not the writing replica"})
		return false
	}

	var domainErr error
	err := g.breakers.Execute(c.Request.Context(), name, func() error {
		if err := fn(c.Request.Context()); err != nil {
			if isDomainError(err) {
				domainErr = err
				return nil
			}
			return err
		}
		return nil
	})

	if domainErr != nil {
		c.JSON(statusFor(domainErr), gin.H{"error": domainErr.Error()})
		return false
	}
	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) || errors.Is(err, circuit.ErrTooManyRequests) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func isDomainError(err error) bool {
	for _, sentinel := range []error{
		engine.ErrNotOperational,
		engine.ErrNotOwner,
		engine.ErrIdentityMismatch,
		registry.ErrAlreadyRegistered,
		registry.ErrNotRegistered,
		registry.ErrNotAuthorized,
		registry.ErrDuplicateVote,
		consensus.ErrAlreadyVoted,
		escrow.ErrInvalidAmount,
		escrow.ErrInsufficientCredit,
		escrow.ErrUnknownInsuree,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotOperational):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotOwner),
		errors.Is(err, engine.ErrIdentityMismatch),
		errors.Is(err, registry.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, registry.ErrDuplicateVote),
		errors.Is(err, consensus.ErrAlreadyVoted):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, escrow.ErrUnknownInsuree):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrInsufficientCredit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) createAccount(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account, secret, err := g.ids.CreateAccount(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": account, "secret": secret})
}

func (g *Gateway) issueToken(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id" binding:"required"`
		Secret    string `json:"secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}

	token, err := g.ids.Authenticate(c.Request.Context(), accountID, req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (g *Gateway) getStatus(c *gin.Context) {
	s := g.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"mode":              s.Mode.String(),
		"phase":             s.Phase.String(),
		"registered_count":  s.RegisteredCount,
		"authorized_count":  s.AuthorizedCount,
		"change_votes":      s.ChangeVotes,
		"insurance_balance": s.InsuranceBalance.String(),
	})
}

func (g *Gateway) getAirline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid airline id"})
		return
	}

	airline, ok := g.engine.Airline(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "airline not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":          airline.Account,
		"name":             airline.Name,
		"registered":       airline.Registered,
		"authorized":       airline.Authorized,
		"operational_vote": airline.OperationalVote,
	})
}

func (g *Gateway) getInsuree(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid insuree id"})
		return
	}

	insuree, ok := g.engine.Insuree(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "insuree not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":          insuree.Account,
		"insurance_amount": insuree.InsuranceAmount.String(),
		"payout_balance":   insuree.PayoutBalance.String(),
	})
}

func (g *Gateway) registerAirline(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		AccountID string `json:"account_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account, err := uuid.Parse(req.AccountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}

	if !g.execute(c, "registry", func(ctx context.Context) error {
		return g.engine.RegisterAirline(ctx, caller(c), req.Name, account)
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"registered": g.engine.IsAirline(account)})
}

func (g *Gateway) fundAirline(c *gin.Context) {
	airline, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid airline id"})
		return
	}

	value, ok := bindValue(c)
	if !ok {
		return
	}

	if !g.execute(c, "escrow", func(ctx context.Context) error {
		return g.engine.Fund(ctx, caller(c), airline, value)
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"funded": true})
}

func (g *Gateway) deposit(c *gin.Context) {
	value, ok := bindValue(c)
	if !ok {
		return
	}

	if !g.execute(c, "escrow", func(ctx context.Context) error {
		return g.engine.Deposit(ctx, caller(c), value)
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"funded": true})
}

func (g *Gateway) setOperatingStatus(c *gin.Context) {
	var req struct {
		Operational *bool `json:"operational" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var changed bool
	if !g.execute(c, "consensus", func(ctx context.Context) error {
		var err error
		changed, err = g.engine.SetOperatingStatus(ctx, caller(c), *req.Operational)
		return err
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"changed": changed, "mode": g.engine.Status().Mode.String()})
}

func (g *Gateway) buyInsurance(c *gin.Context) {
	var req struct {
		AirlineID string `json:"airline_id" binding:"required"`
		Flight    string `json:"flight" binding:"required"`
		Timestamp int64  `json:"timestamp" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
		Value     string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	airline, err := uuid.Parse(req.AirlineID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid airline id"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return
	}

	insuree := caller(c)
	var flightKey string
	if !g.execute(c, "escrow", func(ctx context.Context) error {
		var err error
		flightKey, err = g.engine.Buy(ctx, insuree, airline, insuree, req.Flight, req.Timestamp, amount, value)
		return err
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"flight_key": flightKey})
}

func (g *Gateway) creditInsurees(c *gin.Context) {
	var req struct {
		InsureeID string `json:"insuree_id" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	insuree, err := uuid.Parse(req.InsureeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid insuree id"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	airline := caller(c)
	if !g.execute(c, "escrow", func(ctx context.Context) error {
		return g.engine.CreditInsurees(ctx, airline, airline, insuree, amount)
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"credited": true})
}

func (g *Gateway) pay(c *gin.Context) {
	var req struct {
		InsureeID string `json:"insuree_id" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	insuree, err := uuid.Parse(req.InsureeID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid insuree id"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	airline := caller(c)
	if !g.execute(c, "escrow", func(ctx context.Context) error {
		return g.engine.Pay(ctx, airline, airline, insuree, amount)
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"paid": true})
}

func bindValue(c *gin.Context) (decimal.Decimal, bool) {
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return decimal.Zero, false
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return decimal.Zero, false
	}
	return value, true
}
