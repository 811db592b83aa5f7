// Package api is the admin HTTP surface (§4.12): health check, read-only
// views of open positions and today's risk state, and a kill-switch
// toggle. Grounded on the teacher's gin middleware stack (recovery,
// request-id, CORS, per-IP rate limit, timeout) generalized from a
// multi-user trading UI down to a single-operator admin surface: the
// operator trades a configured static secret for a short-lived JWT, which
// then guards every /admin route as a bearer token.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trading-core/internal/obs"
	"trading-core/internal/riskgate"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Server wires the admin HTTP endpoints around the repository and gates.
type Server struct {
	router  *gin.Engine
	repo    *db.Repository
	gates   *riskgate.Gates
	metrics *obs.Metrics
	cfg     *config.Config
}

func NewServer(repo *db.Repository, gates *riskgate.Gates, metrics *obs.Metrics, cfg *config.Config) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(metrics))
	r.Use(rateLimitMiddleware())
	r.Use(corsMiddleware())
	r.Use(timeoutMiddleware(10 * time.Second))

	s := &Server{router: r, repo: repo, gates: gates, metrics: metrics, cfg: cfg}
	s.routes()
	return s
}

func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.POST("/admin/login", s.login)

	admin := s.router.Group("/admin")
	admin.Use(s.bearerAuth())
	{
		admin.GET("/metrics", s.getMetrics)
		admin.GET("/positions", s.getOpenPositions)
		admin.GET("/risk-state", s.getRiskState)
		admin.POST("/kill-switch", s.setKillSwitch)
		admin.GET("/execution-traces", s.getExecutionTraces)
	}
}

// operatorClaims identifies the single operator session issued by login.
// There is no user table behind this core: the operator presents the
// configured static secret once and trades it for a short-lived token.
type operatorClaims struct {
	jwt.RegisteredClaims
}

func (s *Server) login(c *gin.Context) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if s.cfg.JWTSecret == "" || body.Secret != s.cfg.JWTSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	expiresAt := time.Now().Add(12 * time.Hour)
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt.UTC().Format(time.RFC3339)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.cfg.ExecutionMode})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.GetSnapshot())
}

func (s *Server) getOpenPositions(c *gin.Context) {
	positions, err := s.repo.ListOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getRiskState(c *gin.Context) {
	date := c.Query("trade_date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	st, err := s.repo.GetRiskState(c.Request.Context(), date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no risk state for trade_date"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getExecutionTraces(c *gin.Context) {
	idem := c.Query("idempotency_key")
	if idem == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key is required"})
		return
	}
	limit := 200
	traces, err := s.repo.ListExecutionTraces(c.Request.Context(), idem, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, traces)
}

func (s *Server) setKillSwitch(c *gin.Context) {
	var body struct {
		On bool `json:"on"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gates.SetKillSwitch(c.Request.Context(), body.On); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kill_switch": body.On})
}

func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JWTSecret == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}
		if _, err := parseOperatorToken(raw, s.cfg.JWTSecret); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func parseOperatorToken(raw, secret string) (*operatorClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &operatorClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*operatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

var (
	ipLimiters   = map[string]*rate.Limiter{}
	ipLimitersMu sync.Mutex
)

func rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		ipLimitersMu.Lock()
		limiter, ok := ipLimiters[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(20), 50)
			ipLimiters[ip] = limiter
		}
		ipLimitersMu.Unlock()

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func timeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger(metrics *obs.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		metrics.IncrementAPI()
		metrics.APILatency.RecordDuration(latency)
		if c.Writer.Status() >= 400 {
			metrics.IncrementAPIErrors()
		}
	}
}
