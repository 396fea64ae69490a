package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/config"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	// 检查是否超过限制
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	// 记录新请求
	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用用户 ID 或 IP 作为限制 key
		key := c.GetString("userID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
}

// 全局速率限制器: 每用户每分钟最多 30 次请求
var userRateLimiter = NewRateLimiter(30, time.Minute)

func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "fleet-orchestrator",
		})
	})

	// Internal API - called by payment-gateway and sibling services
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		// Provisioning entry points
		internal.POST("/payment/confirmed", s.handler.PaymentConfirmed)
		internal.POST("/renewal", s.handler.Renewal)

		// Job status queries
		internal.GET("/jobs/:id", s.handler.GetJob)
		internal.POST("/jobs/:id/cancel", s.handler.CancelJob)

		// Account status queries
		internal.GET("/accounts/:id", s.handler.GetAccount)
		internal.GET("/accounts/:id/events", s.handler.GetAccountEvents)
	}

	// Internal Admin API - fleet management
	internalAdmin := s.router.Group("/api/internal/admin")
	internalAdmin.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internalAdmin.POST("/servers", s.handler.RegisterServer)
		internalAdmin.GET("/servers", s.handler.ListServers)
		internalAdmin.PUT("/servers/:id/capacity", s.handler.UpdateCapacity)
		internalAdmin.DELETE("/servers/:id", s.handler.RemoveServer)
		internalAdmin.POST("/accounts/:id/revoke", s.handler.RevokeAccount)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(userRateLimiter)) // 用户 API 速率限制
	{
		user.GET("/my/account", s.handler.GetMyAccount)
		user.GET("/my/account/config", s.handler.GetMyAccountConfig)
	}
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
