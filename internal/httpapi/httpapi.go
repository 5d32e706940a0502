// Package httpapi implements the external HTTP surface of spec.md §6: the
// connection-management and sync-trigger endpoints cmd/mailsync-api serves.
// Routing follows gin, the stack the teacher's own (since-removed) nested
// api/go.mod declared; CORS follows eshaffer321-itemize's allow-list
// middleware, adapted to gin-contrib/cors's config shape.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/syncengine"
	"github.com/kiwisdev/mailsync/internal/watch"
)

// Server wires the handlers of spec.md §6 against Store and JobQueue; it
// never touches ProviderClient directly except to validate a new
// connection's token (spec.md §2 "talks to the same Store and JobQueue,
// never touches ProviderClient directly" — the one exception is documented
// per-handler below).
type Server struct {
	connections store.ConnectionStore
	folders     store.FolderStore
	jobs        *queue.Queue
	jobStore    store.JobStore
	clients     map[models.Provider]provider.Client
	watches     *watch.Manager
	engine      *syncengine.Engine
	metrics     *metrics.Registry

	router *gin.Engine
}

type Config struct {
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"}}
}

func NewServer(
	cfg Config,
	connections store.ConnectionStore,
	folders store.FolderStore,
	jobs *queue.Queue,
	jobStore store.JobStore,
	clients map[models.Provider]provider.Client,
	watches *watch.Manager,
	engine *syncengine.Engine,
	m *metrics.Registry,
) *Server {
	s := &Server{
		connections: connections,
		folders:     folders,
		jobs:        jobs,
		jobStore:    jobStore,
		clients:     clients,
		watches:     watches,
		engine:      engine,
		metrics:     m,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	authed := router.Group("/")
	authed.Use(requireUser())
	{
		authed.POST("/email-connections", s.createConnection)
		authed.GET("/email-connections/:id/status", s.connectionStatus)
		authed.POST("/sync/full", s.enqueueFullSync)
		authed.POST("/sync/incremental", s.runIncrementalSync)
		authed.POST("/sync/on-demand", s.onDemandSync)
		authed.GET("/sync/status/:id", s.syncStatus)
		authed.POST("/sync/cancel/:id", s.cancelSync)
		authed.GET("/sync/history", s.syncHistory)
	}

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(c.Request.Context(), "http request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Int64("duration_ms", time.Since(start).Milliseconds()))
	}
}

const userIDHeader = "X-User-Id"

// requireUser trusts an upstream gateway to have already authenticated the
// caller and forwarded their identity (spec.md §6 "authenticated as the
// owning user"); the service still filters every Store query by this id
// itself rather than relying on the header alone (spec.md §6 tenant
// isolation).
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userIDHeader})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString("user_id")
}
