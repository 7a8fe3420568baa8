// Package api serves the engine operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/milepost/internal/auth"
	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/metrics"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/negotiation"
	"github.com/zulandar/milepost/internal/service"
	"github.com/zulandar/milepost/internal/settlement"
	"go.uber.org/zap"
)

// Engine is the set of operations the HTTP surface exposes.
type Engine interface {
	CreateProposal(ctx context.Context, actor auth.Actor, opts negotiation.CreateOpts) (*models.Proposal, error)
	RespondProposal(ctx context.Context, actor auth.Actor, proposalID string, action negotiation.Action) (*negotiation.Result, error)
	CounterProposal(ctx context.Context, actor auth.Actor, opts negotiation.CounterOpts) (*models.Proposal, error)
	SubmitMilestone(ctx context.Context, actor auth.Actor, opts settlement.SubmitOpts) (*models.MilestoneSubmission, error)
	DecideMilestone(ctx context.Context, actor auth.Actor, opts settlement.DecideOpts) (*models.Milestone, error)
	SyncContractMilestones(ctx context.Context, actor auth.Actor, contractID string) ([]models.Milestone, error)
	GetProposal(ctx context.Context, actor auth.Actor, id string) (*models.Proposal, error)
	GetChain(ctx context.Context, actor auth.Actor, rootID string) (*service.ChainView, error)
	GetContract(ctx context.Context, actor auth.Actor, id string) (*models.Contract, error)
	ListSubmissions(ctx context.Context, actor auth.Actor, milestoneID string) ([]models.MilestoneSubmission, error)
	Inbox(ctx context.Context, actor auth.Actor, conversationRef string) ([]models.SystemMessage, error)
	AcknowledgeMessage(ctx context.Context, actor auth.Actor, conversationRef string, messageID uint) error
	Ready(ctx context.Context) error
}

// ConnChecker reports whether a broker connection is up.
type ConnChecker interface {
	IsConnected() bool
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Engine   Engine
	Verifier *auth.Verifier
	Broker   ConnChecker // optional
	Port     int
	Log      *zap.Logger
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Engine == nil {
		return fmt.Errorf("api: engine is required")
	}
	if opts.Verifier == nil {
		return fmt.Errorf("api: verifier is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	log := logging.OrNop(opts.Log)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("api shutdown", zap.Error(err))
		}
	}()

	log.Info("api listening", zap.Int("port", opts.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), observe(logging.OrNop(opts.Log)))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", handleReady(opts.Engine, opts.Broker))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{engine: opts.Engine}
	v1 := router.Group("/v1", auth.Middleware(opts.Verifier, func(c *gin.Context, status int, err error) {
		c.AbortWithStatusJSON(status, errorBody("unauthorized", err.Error()))
	}))
	v1.POST("/proposals", h.createProposal)
	v1.GET("/proposals/:id", h.getProposal)
	v1.POST("/proposals/:id/respond", h.respondProposal)
	v1.POST("/proposals/:id/counter", h.counterProposal)
	v1.GET("/chains/:id", h.getChain)
	v1.GET("/contracts/:id", h.getContract)
	v1.POST("/contracts/:id/sync", h.syncContract)
	v1.POST("/milestones/:id/submissions", h.submitMilestone)
	v1.GET("/milestones/:id/submissions", h.listSubmissions)
	v1.POST("/milestones/:id/decision", h.decideMilestone)
	v1.GET("/conversations/:ref/messages", h.inbox)
	v1.POST("/conversations/:ref/messages/:id/ack", h.ackMessage)

	return router
}

func handleReady(engine Engine, broker ConnChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := engine.Ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if broker != nil && !broker.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// observe records request latency by route template and logs failures.
func observe(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(status), time.Since(start))
		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.String("errors", c.Errors.String()),
			)
		}
	}
}
