// Package api serves the engine over REST under /v2.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
)

const shutdownTimeout = 5 * time.Second

// Server routes HTTP requests to an Engine.
type Server struct {
	engine *engine.Engine
	router *gin.Engine
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer builds the router.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		router: gin.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.routes()
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("api stopped")
	return nil
}

func (s *Server) routes() {
	s.router.GET("/", s.handleIndex)

	v2 := s.router.Group("/v2")
	{
		v2.GET("/elements", s.handleListElements)
		v2.GET("/elements/types", s.handleElementTypes)
		v2.GET("/elements/type/:type", s.handleListElementsByType)
		v2.GET("/element/:id", s.handleGetElement)
		v2.GET("/element/name/:name", s.handleGetElementByName)
		v2.POST("/element", s.handleAddElement)
		v2.DELETE("/element/:id", s.handleArchiveElement)
		v2.PUT("/element/:id", s.handleUpdateElement)
		v2.PATCH("/element/:id", s.handleUpdateElement)

		v2.GET("/policies", s.handleListPolicies)
		v2.GET("/policy/:id", s.handleGetPolicy)
		v2.GET("/policy/name/:name", s.handleGetPolicyByName)
		v2.POST("/policy", s.handleAddPolicy)
		v2.PUT("/policy", s.handleUpdatePolicy)
		v2.PATCH("/policy", s.handleUpdatePolicy)
		v2.DELETE("/policy", s.handleDeletePolicy)
		v2.DELETE("/policy/:id", s.handleDeletePolicy)

		v2.GET("/expectedvalues", s.handleListExpectedValues)
		v2.GET("/expectedvalue/:id", s.handleGetExpectedValueByID)
		v2.GET("/expectedvalue/:id/:pid", s.handleGetExpectedValue)
		v2.POST("/expectedvalue", s.handleAddExpectedValue)

		v2.GET("/session/:id", s.handleGetSession)
		v2.GET("/sessions/open", s.handleListSessions(model.SessionOpen))
		v2.GET("/sessions/closed", s.handleListSessions(model.SessionClosed))
		v2.POST("/sessions/open", s.handleOpenSession)
		v2.DELETE("/session/:id", s.handleCloseSession)
		v2.POST("/session/:id/claim/:cid", s.handleAssociateClaim)
		v2.POST("/session/:id/result/:rid", s.handleAssociateResult)
		v2.POST("/session/:id/subsession/:inner", s.handleAssociateSession)

		v2.GET("/claims", s.handleListClaims)
		v2.GET("/claims/element/:id", s.handleClaimsForElement)
		v2.GET("/claim/:id", s.handleGetClaim)
		v2.GET("/claim/associatedresults/:id", s.handleResultsForClaim)

		v2.GET("/results", s.handleListResults)
		v2.GET("/results/latest", s.handleResultsSince)
		v2.GET("/results/element/latest/:id", s.handleLatestForElement)
		v2.GET("/results/element/latest/:id/:pid", s.handleLatestForElement)
		v2.GET("/result/:id", s.handleGetResult)

		v2.POST("/attest", s.handleAttest)
		v2.POST("/verify", s.handleVerify)
		v2.GET("/rules", s.handleListRules)
		v2.POST("/campaign", s.handleCampaign)
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
