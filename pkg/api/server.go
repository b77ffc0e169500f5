package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"villagecal/pkg/api/middleware"
	"villagecal/pkg/auth"
	"villagecal/pkg/status"
)

// Server is the HTTP surface: enqueue, poll, and the admin job/analytics
// endpoints. Heavy work never happens in a request; every mutation is a
// queue row.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	facade *status.Facade
	db     *gorm.DB
	jwt    *auth.JWTService
	log    *zap.Logger

	authEnabled bool
}

// Config holds API server configuration.
type Config struct {
	Port        string
	Facade      *status.Facade
	DB          *gorm.DB
	JWT         *auth.JWTService
	AuthEnabled bool
	Log         *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware("villagecal-api"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20)) // 1MB

	s := &Server{
		router:      router,
		facade:      cfg.Facade,
		db:          cfg.DB,
		jwt:         cfg.JWT,
		log:         cfg.Log,
		authEnabled: cfg.AuthEnabled,
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("api server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authCfg := middleware.AuthConfig{JWTService: s.jwt}

	v1 := s.router.Group("/api/v1")
	{
		// Guest editors enqueue renders without a session; claims, when
		// present, carry the tier.
		renders := v1.Group("", middleware.OptionalAuth(authCfg))
		{
			renders.POST("/calendars/:id/pdf", s.enqueuePDF)
			renders.GET("/jobs/:id", s.getJobStatus)
			renders.POST("/jobs/:id/cancel", s.cancelJob)
		}

		admin := v1.Group("/admin")
		if s.authEnabled {
			admin.Use(middleware.AuthMiddleware(authCfg))
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
		}
		{
			admin.GET("/jobs", s.listJobs)
			admin.POST("/jobs/:id/retry", s.retryJob)
			admin.GET("/analytics/chart", s.analyticsChart)
		}
	}
}

// requestLogger logs each request through zap.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// healthCheck reports liveness and a cheap DB probe.
func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{"postgres": false}

	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			deps["postgres"] = sqlDB.PingContext(c.Request.Context()) == nil
		}
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	httpStatus := http.StatusOK
	state := "healthy"
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
		state = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":       state,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
