package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/command"
	"forex-executor/internal/events"
	"forex-executor/internal/journal"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/positions"
	"forex-executor/internal/recovery"
	"forex-executor/internal/scheduler"
)

// Config holds local API settings
type Config struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	OperatorKey    string   `json:"-"`
	JWTSecret      string   `json:"-"`
	TokenMinutes   int      `json:"token_minutes"`
	AllowOrigins   []string `json:"allow_origins"`
}

// DefaultConfig returns defaults for a single-operator local API
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Host:         "127.0.0.1",
		Port:         8787,
		TokenMinutes: 60,
		AllowOrigins: []string{"http://localhost:3000", "http://localhost:8080"},
	}
}

// Deps are the runtime components the API exposes
type Deps struct {
	Processor  *command.Processor
	Scheduler  *scheduler.Scheduler
	Book       *positions.Book
	KillSwitch *killswitch.Switch
	Recovery   *recovery.Manager
	Cache      *marketdata.Cache
	Bus        *events.Bus
	Client     bridge.Client
	Journal    *journal.Journal // nil when journaling is disabled
}

// rateLimiter provides simple in-memory rate limiting per client key
type rateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// allow checks if a request is allowed for the given key
func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the local HTTP control surface
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      Config
	deps        Deps
	tokens      *TokenManager
	rateLimiter *rateLimiter
	logger      zerolog.Logger
	started     time.Time
}

// NewServer creates the local API server
func NewServer(config Config, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	s := &Server{
		config:      config,
		deps:        deps,
		tokens:      NewTokenManager(config.JWTSecret, time.Duration(config.TokenMinutes)*time.Minute),
		rateLimiter: newRateLimiter(10, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
		started:     time.Now(),
	}

	router := gin.New()
	router.Use(s.requestLogger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s.router = router
	s.setupRoutes()
	return s
}

// requestLogger logs each request through the structured logger
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/token", s.handleToken)

	api := s.router.Group("/api")
	api.Use(s.tokens.Middleware())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)

		api.GET("/strategies", s.handleListStrategies)
		api.GET("/strategies/:id", s.handleGetStrategy)
		api.POST("/strategies", s.handleStartStrategy)
		api.POST("/strategies/:id/start", s.handleStartByID)
		api.POST("/strategies/:id/stop", s.handleStopStrategy)
		api.POST("/strategies/:id/pause", s.handlePauseStrategy)
		api.POST("/strategies/:id/resume", s.handleResumeStrategy)
		api.PUT("/strategies/:id", s.handleUpdateStrategy)

		api.GET("/positions", s.handlePositions)

		api.GET("/killswitch", s.handleKillSwitchStatus)
		api.POST("/killswitch/activate", s.handleKillSwitchActivate)
		api.POST("/killswitch/reset", s.handleKillSwitchReset)

		api.GET("/recovery", s.handleRecoveryStatus)
		api.POST("/recovery/confirm", s.handleRecoveryConfirm)
		api.GET("/recovery/snapshots", s.handleSnapshots)

		api.GET("/journal/trades", s.handleJournalTrades)
		api.GET("/journal/stats", s.handleJournalStats)

		api.POST("/command", s.handleCommand)
	}
}

// Start starts the HTTP server in the background
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Local API disabled")
		return nil
	}
	if s.config.JWTSecret == "" || s.config.OperatorKey == "" {
		return errors.New("api enabled but operator key or jwt secret not configured")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("Local API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ==================== AUTH ====================

func (s *Server) handleToken(c *gin.Context) {
	if !s.rateLimiter.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}

	var req struct {
		OperatorKey string `json:"operatorKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !checkOperatorKey(req.OperatorKey, s.config.OperatorKey) {
		s.logger.Warn().Str("ip", c.ClientIP()).Msg("Rejected operator key")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator key"})
		return
	}

	token, expiresAt, err := s.tokens.Issue("operator")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

// ==================== STATUS ====================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	hits, misses, hitRate := s.deps.Cache.Stats()

	status := gin.H{
		"uptime":          time.Since(s.started).String(),
		"positions":       s.deps.Book.Count(),
		"strategies":      s.deps.Scheduler.List(),
		"killSwitch":      s.deps.KillSwitch.Status(),
		"recoveryPending": s.deps.Recovery.RequiresConfirmation(),
		"droppedEvents":   s.deps.Bus.Dropped(),
		"cache": gin.H{
			"hits":    hits,
			"misses":  misses,
			"hitRate": hitRate,
		},
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if account, err := s.deps.Client.GetAccount(ctx); err == nil {
		status["account"] = account
	} else {
		status["accountError"] = err.Error()
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAccount(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	account, err := s.deps.Client.GetAccount(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

// ==================== STRATEGIES ====================

func (s *Server) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.deps.Scheduler.List()})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	id := c.Param("id")
	status, err := s.deps.Scheduler.Status(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		return
	}
	def, _ := s.deps.Scheduler.Definition(id)
	c.JSON(http.StatusOK, gin.H{"status": status, "definition": def})
}

// handleStartStrategy loads and starts a strategy from the request body
func (s *Server) handleStartStrategy(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy definition required"})
		return
	}
	s.execute(c, command.Command{
		Type:    command.TypeStartStrategy,
		Payload: payload,
	})
}

func (s *Server) handleStartByID(c *gin.Context) {
	s.execute(c, command.Command{
		Type:       command.TypeStartStrategy,
		StrategyID: c.Param("id"),
	})
}

func (s *Server) handleStopStrategy(c *gin.Context) {
	s.execute(c, command.Command{
		Type:       command.TypeStopStrategy,
		StrategyID: c.Param("id"),
	})
}

func (s *Server) handlePauseStrategy(c *gin.Context) {
	s.execute(c, command.Command{
		Type:       command.TypePauseStrategy,
		StrategyID: c.Param("id"),
	})
}

func (s *Server) handleResumeStrategy(c *gin.Context) {
	s.execute(c, command.Command{
		Type:       command.TypeResumeStrategy,
		StrategyID: c.Param("id"),
	})
}

func (s *Server) handleUpdateStrategy(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy definition required"})
		return
	}
	s.execute(c, command.Command{
		Type:       command.TypeUpdateStrategy,
		StrategyID: c.Param("id"),
		Payload:    payload,
	})
}

// ==================== POSITIONS ====================

func (s *Server) handlePositions(c *gin.Context) {
	open := s.deps.Book.All()
	c.JSON(http.StatusOK, gin.H{"count": len(open), "positions": open})
}

// ==================== KILL SWITCH ====================

func (s *Server) handleKillSwitchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.KillSwitch.Status())
}

func (s *Server) handleKillSwitchActivate(c *gin.Context) {
	var req struct {
		Reason   string `json:"reason"`
		Severity string `json:"severity"`
	}
	_ = c.ShouldBindJSON(&req)

	payload := fmt.Sprintf(`{"reason":%q,"severity":%q}`, req.Reason, req.Severity)
	s.execute(c, command.Command{
		Type:    command.TypeKillSwitch,
		Payload: []byte(payload),
	})
}

func (s *Server) handleKillSwitchReset(c *gin.Context) {
	s.execute(c, command.Command{Type: command.TypeResetKillSwitch})
}

// ==================== RECOVERY ====================

func (s *Server) handleRecoveryStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requiresConfirmation": s.deps.Recovery.RequiresConfirmation(),
	})
}

func (s *Server) handleRecoveryConfirm(c *gin.Context) {
	s.execute(c, command.Command{Type: command.TypeConfirmRecovery})
}

func (s *Server) handleSnapshots(c *gin.Context) {
	snaps, err := s.deps.Recovery.Snapshots()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summaries := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		summaries = append(summaries, gin.H{
			"id":        snap.ID,
			"kind":      snap.Kind,
			"reason":    snap.Reason,
			"takenAt":   snap.TakenAt,
			"positions": len(snap.Positions),
		})
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": summaries})
}

// ==================== JOURNAL ====================

func (s *Server) handleJournalTrades(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := s.deps.Journal.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleJournalStats(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	stats, err := s.deps.Journal.TradeStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ==================== COMMANDS ====================

// handleCommand accepts a raw command envelope, same shape as the platform link
func (s *Server) handleCommand(c *gin.Context) {
	var cmd command.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command envelope"})
		return
	}
	s.execute(c, cmd)
}

// execute runs a command through the processor and maps the ack to HTTP
func (s *Server) execute(c *gin.Context, cmd command.Command) {
	ack := s.deps.Processor.Execute(cmd)
	c.JSON(ackStatusCode(ack), ack)
}

func ackStatusCode(ack command.Ack) int {
	switch ack.Status {
	case command.StatusExecuted:
		return http.StatusOK
	case command.StatusRejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
