// Package api exposes the darwin pipeline over HTTP: signal ingestion, read
// access to topics and tasks, task lifecycle operations, rule management,
// the forge webhook endpoint, and operational surfaces (health, stats,
// prometheus metrics).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darwin-engine/darwin/internal/fix"
	"github.com/darwin-engine/darwin/internal/forge"
	"github.com/darwin-engine/darwin/internal/ingest"
	"github.com/darwin-engine/darwin/internal/learning"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/review"
	"github.com/darwin-engine/darwin/internal/store"
)

const (
	// maxWebhookBody bounds a forge delivery.
	maxWebhookBody = 10 << 20

	// defaultListLimit and maxListLimit bound collection responses.
	defaultListLimit = 50
	maxListLimit     = 500

	shutdownTimeout = 10 * time.Second
)

// FixRunner starts fix attempts. *fix.Runner implements it.
type FixRunner interface {
	Run(ctx context.Context, taskID string) (*fix.Result, error)
}

// IssueCreator opens forge issues. *forge.Client implements it.
type IssueCreator interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*forge.Issue, error)
}

// Deps wires the server to the pipeline. Runner and Issues may be nil when
// the respective collaborator is not configured; the affected endpoints then
// report PROVIDER_ERROR.
type Deps struct {
	Store         store.Store
	Ingest        *ingest.Service
	Learning      *learning.Store
	Review        *review.Handler
	Runner        FixRunner
	Issues        IssueCreator
	ProductRepos  map[string]string
	WebhookSecret string
	Logger        observability.Logger
	Metrics       *observability.Metrics
}

// Server is the darwin HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
	srv    *http.Server
	logger observability.Logger
}

// NewServer builds the router and handler set for addr.
func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		router: router,
		logger: deps.Logger.WithPrefix("api"),
		srv: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
	}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/stats", s.stats)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	s.router.POST("/ingest", s.ingestBatch)
	s.router.GET("/signals", s.listSignals)

	s.router.GET("/topics", s.listTopics)
	s.router.GET("/topics/:id", s.getTopic)

	s.router.GET("/tasks", s.listTasks)
	s.router.GET("/tasks/:id", s.getTask)
	s.router.PATCH("/tasks/:id", s.patchTask)
	s.router.POST("/tasks/:id/create-issue", s.createIssue)
	s.router.POST("/tasks/:id/fix", s.startFix)

	s.router.GET("/products", s.listProducts)
	s.router.GET("/products/:product/rules", s.listRules)
	s.router.POST("/products/:product/rules", s.createRule)
	s.router.DELETE("/products/:product/rules/:id", s.deleteRule)

	s.router.POST("/webhooks/forge", s.forgeWebhook)
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the shutdown grace.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// requestLogger records every request's method, path, status and latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}
