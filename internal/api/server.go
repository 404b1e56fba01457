package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ksred/dbmigrator/internal/config"
	"github.com/ksred/dbmigrator/internal/migrator"
	"github.com/ksred/dbmigrator/internal/utils"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Migrations is the engine surface the endpoints drive
type Migrations interface {
	ApplyPendingScripts(ctx context.Context) error
	RollbackToMigration(ctx context.Context, target string) error
	Status(ctx context.Context) (*migrator.Status, error)
}

// HealthChecker reports database reachability
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Server struct {
	router     *gin.Engine
	config     *config.Config
	db         HealthChecker
	migrations Migrations
	auth       *Authorizer
	logger     zerolog.Logger
	httpServer *http.Server
}

func NewServer(cfg *config.Config, db HealthChecker, migrations Migrations, logger zerolog.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	auth, err := NewAuthorizer(cfg.JWT, cfg.HTTP)
	if err != nil {
		return nil, fmt.Errorf("configure authorization: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.HTTP.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.HTTP.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Requested-With"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour

	router.Use(cors.New(corsConfig))

	server := &Server{
		router:     router,
		config:     cfg,
		db:         db,
		migrations: migrations,
		auth:       auth,
		logger:     utils.Component(logger, "http"),
	}

	server.setupRoutes()

	return server, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if !s.config.HTTP.EnableMigrationEndpoints {
		return
	}

	migrations := s.router.Group(s.config.HTTP.MigrationRoute)
	if s.config.HTTP.RequiredRole != "" {
		migrations.Use(s.requireRole(s.config.HTTP.RequiredRole))
	}
	{
		migrations.GET("/status", s.statusHandler)
		migrations.POST("/apply", s.applyHandler)
		migrations.POST("/rollback/:target", s.rollbackHandler)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   s.writeTimeout(),
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// writeTimeout leaves room for a full apply or rollback
func (s *Server) writeTimeout() time.Duration {
	if s.config.Migrator.OperationTimeout <= 0 {
		return 0
	}
	return s.config.Migrator.OperationTimeout + 30*time.Second
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func LoggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info().
			Str("client_ip", clientIP).
			Str("method", method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("error", errorMessage).
			Msg("HTTP request")
	}
}

// @title dbmigrator API
// @version 1.0
// @description Operator endpoints for applying and rolling back SQL migrations

// @host localhost:8082
// @BasePath /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// healthHandler godoc
// @Summary Health check
// @Description Check that the database is reachable
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (s *Server) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  DatabaseHealth{Healthy: true},
	}
	if err := s.db.Health(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = DatabaseHealth{Healthy: false, Error: err.Error()}
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}
