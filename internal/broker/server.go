package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/internal/common/logger"
)

// Server wires the Store, Hub, and gin engine into one listener bound to
// spec §4.5's loopback address.
type Server struct {
	cfg    config.BrokerConfig
	log    *logger.Logger
	store  *Store
	hub    *Hub
	token  string
	http   *http.Server
}

// New builds a Server. It mints or loads the bearer token at
// cfg.TokenPath() before returning (spec §4.5: "Startup writes a 32-byte
// hex bearer token to a well-known per-user file").
func New(cfg config.BrokerConfig, trackerCfg config.TrackerConfig, log *logger.Logger) (*Server, error) {
	token, err := LoadOrMintToken(cfg.TokenPath())
	if err != nil {
		return nil, fmt.Errorf("load auth token: %w", err)
	}

	store := NewStore()
	hub := NewHub(log)
	h := newHandler(store, hub, log, trackerCfg.CliPingThreshold)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(recovery(log), requestLogger(log), errorHandler(), loopbackOnly())

	engine.GET("/v1/health", h.health)

	authed := engine.Group("/v1")
	authed.Use(bearerAuth(store, token))
	{
		authed.POST("/tasks/upsert", h.upsertTasks)
		authed.POST("/tasks/state", h.setState)
		authed.POST("/tasks/details", h.setDetails)
		authed.POST("/tasks/done", h.done)
		authed.POST("/tasks/:taskId/pin", h.setPinned)
		authed.POST("/tasks/:taskId/permission", h.permissionRespond)
		authed.GET("/tasks/:taskId/permission/:id", h.permissionPoll)
		authed.POST("/debug/update", h.debugUpdate)
		authed.GET("/debug/:taskId", h.debugGet)
		authed.GET("/state", h.state)
		authed.GET("/cli-connectivity", h.cliConnectivity)
		authed.GET("/events", h.ws)
	}

	return &Server{
		cfg:   cfg,
		log:   log,
		store: store,
		hub:   hub,
		token: token,
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Token returns the bearer token minted or loaded at startup.
func (s *Server) Token() string {
	return s.token
}

// Store returns the canonical Store, for hook-ingress callers (spec §4.4
// Hook source) wired at a higher level.
func (s *Server) Store() *Store {
	return s.store
}

// Run starts the hub's event loop and blocks serving HTTP until ctx is
// canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("broker listening on %s", s.cfg.Addr()))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
