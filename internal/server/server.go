// Package server assembles the HTTP router, the websocket service and the stats reporter,
// and runs them until the root context is cancelled.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nmea-ws-proxy/backend/api/handlers"
	"github.com/nmea-ws-proxy/backend/internal/config"
	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/repository"
	"github.com/nmea-ws-proxy/backend/internal/session"
	"github.com/nmea-ws-proxy/backend/internal/ws"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// Server is the proxy process.
type Server struct {
	cfg        *config.Config
	service    *ws.Service
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

// Deps are the optional stores. Nil fields disable the matching feature.
type Deps struct {
	History *repository.UplinkRepository
	Mirror  *repository.RedisSessionMirror
}

// New builds a server from configuration. ctx bounds every session's lifetime.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	sessCfg := session.Config{
		DialTimeout:   cfg.DialTimeout,
		ReadChunkSize: cfg.ReadChunkSize,
		MaxLineLength: cfg.MaxLineLength,
	}

	// Typed nils must not leak into the interfaces below.
	var mirror session.Mirror
	var fleet handlers.FleetStore
	if deps.Mirror != nil {
		mirror = deps.Mirror
		fleet = deps.Mirror
	}
	var history handlers.HistoryStore
	if deps.History != nil {
		sessCfg.History = deps.History
		history = deps.History
	}

	service := ws.NewService(ctx, ws.ServiceConfig{
		Handler: ws.Options{
			Origins:      cfg.Origins,
			PingInterval: cfg.PingInterval,
			PingTimeout:  cfg.PingTimeout,
			Session:      sessCfg,
		},
		Mirror:        mirror,
		StatsInterval: cfg.StatsInterval,
	})

	s := &Server{
		cfg:     cfg,
		service: service,
		log:     logger.Component("server"),
	}
	s.router = s.newRouter(history, fleet)
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) newRouter(history handlers.HistoryStore, fleet handlers.FleetStore) *gin.Engine {
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))
	r.Use(corsMiddleware(s.cfg))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket routes
	handlers.NewWebSocketHandler(s.service.Handler()).RegisterRoutes(&r.RouterGroup)

	// Introspection routes
	api := r.Group("/api")
	{
		handlers.NewSessionHandler(s.service.Registry(), history, fleet).RegisterRoutes(api)
	}
	return r
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP listener and the stats reporter on ln until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().
			Str("addr", ln.Addr().String()).
			Strs("origins", s.cfg.OriginList()).
			Msg("NMEA WebSocket proxy listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return s.service.RunReporter(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	s.log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// Stop accepting first; hijacked websocket connections are closed by the service.
	httpErr := s.httpServer.Shutdown(ctx)
	if err := s.service.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("sessions did not drain")
	}

	if httpErr != nil {
		return httpErr
	}
	s.log.Info().Msg("server stopped")
	return nil
}

// requestLogger logs REST requests. Websocket upgrades are logged by the session.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware applies the origin allow-list to cross-origin REST calls.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case cfg.AllowsAnyOrigin():
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && cfg.Origins[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", "Accept", "Origin", "Cache-Control"}, ", "))
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
