// Package server exposes the control-plane HTTP API consumed by the
// kworkspace CLI.
//
// Every workspace endpoint authenticates by SSH public key: the caller
// presents its key and the server derives the username from the
// whitelist. There is no way for a caller to act on another user's
// workspace, because usernames are never read from the request.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/refaktory/kube-workspace/internal/api"
	"github.com/refaktory/kube-workspace/internal/auth"
	"github.com/refaktory/kube-workspace/internal/metrics"
	"github.com/refaktory/kube-workspace/internal/reconciler"
	"github.com/refaktory/kube-workspace/internal/template"
)

// WorkspaceManager is the subset of the reconciler the server needs.
// Narrowed to an interface so handler tests can stub it.
type WorkspaceManager interface {
	EnsureRunning(ctx context.Context, owner string) (*reconciler.Workspace, error)
	EnsureStopped(ctx context.Context, owner string) error
	Status(ctx context.Context, owner string) (*reconciler.Workspace, error)
}

// Server is the control-plane HTTP API.
type Server struct {
	authn   *auth.Authenticator
	manager WorkspaceManager
	log     logr.Logger
	metrics *metrics.Recorder
	router  *gin.Engine
}

// New wires the routes. The metrics recorder may be nil; the /metrics
// endpoint is then not registered.
func New(
	authn *auth.Authenticator,
	manager WorkspaceManager,
	log logr.Logger,
	rec *metrics.Recorder,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		authn:   authn,
		manager: manager,
		log:     log,
		metrics: rec,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	v1 := router.Group("/api/v1")
	v1.POST("/workspace/start", s.handleStart)
	v1.POST("/workspace/stop", s.handleStop)
	v1.POST("/workspace/status", s.handleStatus)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if rec != nil {
		router.GET("/metrics", gin.WrapH(rec.Handler()))
	}

	s.router = router
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("control-plane api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStart(c *gin.Context) {
	id, ok := s.authenticate(c)
	if !ok {
		return
	}
	ws, err := s.manager.EnsureRunning(c.Request.Context(), id.Username)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(id.Username, ws))
}

func (s *Server) handleStop(c *gin.Context) {
	id, ok := s.authenticate(c)
	if !ok {
		return
	}
	if err := s.manager.EnsureStopped(c.Request.Context(), id.Username); err != nil {
		s.writeError(c, err)
		return
	}
	ws, err := s.manager.Status(c.Request.Context(), id.Username)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(id.Username, ws))
}

func (s *Server) handleStatus(c *gin.Context) {
	id, ok := s.authenticate(c)
	if !ok {
		return
	}
	ws, err := s.manager.Status(c.Request.Context(), id.Username)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(id.Username, ws))
}

// authenticate decodes the request body and resolves the presented key
// against the whitelist. On failure the response is already written.
func (s *Server) authenticate(c *gin.Context) (auth.Identity, bool) {
	var req api.WorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body"})
		return auth.Identity{}, false
	}
	id, err := s.authn.Authenticate(req.PublicKey)
	if err != nil {
		s.metrics.AuthFailure()
		switch {
		case errors.Is(err, auth.ErrMalformedKey):
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "malformed public key"})
		default:
			// Unknown keys get a deliberately uninformative message.
			c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
		}
		return auth.Identity{}, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses. Transient cluster
// trouble is a 503 so clients know a retry is worthwhile.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validation *template.ValidationError
		permanent  *reconciler.PermanentError
		transient  *reconciler.TransientError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, api.ErrorResponse{Error: validation.Error()})
	case errors.As(err, &transient):
		c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: transient.Error()})
	case errors.As(err, &permanent):
		c.JSON(http.StatusBadGateway, api.ErrorResponse{Error: permanent.Error()})
	default:
		s.log.Error(err, "request failed", "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.V(1).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func statusResponse(username string, ws *reconciler.Workspace) api.WorkspaceStatus {
	return api.WorkspaceStatus{
		Username:      username,
		Phase:         ws.Phase,
		SSH:           ws.SSH,
		Info:          ws.Info,
		TemplateDrift: ws.TemplateDrift,
	}
}
