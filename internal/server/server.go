// Package server exposes the control-plane HTTP API consumed by the desktop
// UI: task CRUD and lifecycle, resources, login, licensing, and health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"noteops/internal/dispatcher"
	"noteops/internal/license"
	"noteops/internal/logcollect"
	"noteops/internal/observability"
	"noteops/internal/paths"
	"noteops/internal/sidecar"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Long-running manual executions are expected; the write timeout must
// accommodate a full run.
const writeTimeout = 30 * time.Minute

// Deps are the collaborators the API translates requests into.
type Deps struct {
	Scheduler *dispatcher.Scheduler
	License   *license.Manager
	Collector *logcollect.Collector
	Sidecar   *sidecar.Client
	Layout    paths.Layout
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// New builds the router. The server listens on loopback or LAN only, so CORS
// allows every origin.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{deps: deps}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.Use(s.requestLogger())

	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := engine.Group("/api/v1")
	{
		api.GET("/health", s.health)

		api.GET("/dispatcher/status", s.dispatcherStatus)
		api.POST("/dispatcher/start", s.dispatcherStart)
		api.POST("/dispatcher/stop", s.dispatcherStop)

		api.POST("/tasks", s.createTask)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.PATCH("/tasks/:id", s.updateTask)
		api.DELETE("/tasks/:id", s.deleteTask)
		api.POST("/tasks/:id/pause", s.pauseTask)
		api.POST("/tasks/:id/resume", s.resumeTask)
		api.POST("/tasks/:id/reorder", s.reorderTask)
		api.POST("/tasks/:id/execute", s.executeTask)
		api.GET("/tasks/:id/logs", s.taskLogs)
		api.GET("/tasks/:id/logs/stream", s.taskLogStream)

		api.GET("/tasks/:id/resources/source", s.getSource)
		api.PUT("/tasks/:id/resources/source", s.putSource)
		api.POST("/tasks/:id/resources/source/upload", s.uploadSource)
		api.GET("/tasks/:id/resources/source/download", s.downloadSource)
		api.GET("/tasks/:id/resources/images", s.listImages)
		api.GET("/tasks/:id/resources/images/:filename", s.getImage)

		api.GET("/tasks/:id/login/qrcode", s.loginQRCode)
		api.GET("/tasks/:id/login/status", s.loginStatus)
		api.POST("/tasks/:id/login/confirm", s.loginConfirm)

		api.GET("/license/status", s.licenseStatus)
		api.POST("/license/activate", s.licenseActivate)
	}

	s.engine = engine
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run(host string, port int) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
	}
	s.deps.Logger.Info("control plane listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	log := s.deps.Logger.With("module", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   Version,
	})
}
