package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/session"
)

// ServiceConfig holds the settings for a Service.
type ServiceConfig struct {
	Handler Options

	// Mirror receives session snapshots; nil disables mirroring.
	Mirror session.Mirror

	// StatsInterval is the reporter period.
	StatsInterval time.Duration
}

// Service ties the websocket handler to the session registry and the stats reporter.
type Service struct {
	registry *session.Registry
	handler  *Handler
	reporter *session.Reporter
	cancel   context.CancelFunc
	log      zerolog.Logger
}

// NewService creates a websocket service. Cancelling ctx stops every session loop.
func NewService(ctx context.Context, cfg ServiceConfig) *Service {
	ctx, cancel := context.WithCancel(ctx)
	registry := session.NewRegistry(cfg.Mirror)

	return &Service{
		registry: registry,
		handler:  NewHandler(ctx, registry, cfg.Handler),
		reporter: session.NewReporter(registry, cfg.Mirror, cfg.StatsInterval),
		cancel:   cancel,
		log:      logger.Component("ws"),
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Registry returns the live session registry.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// RunReporter runs the stats reporter until ctx is cancelled.
func (s *Service) RunReporter(ctx context.Context) error {
	return s.reporter.Run(ctx)
}

// Close hangs up every connection through the normal teardown path and waits for the pumps to
// exit, or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	err := s.registry.CloseAll(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.handler.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil {
		s.log.Warn().Err(err).Msg("websocket shutdown incomplete")
		return err
	}
	s.log.Info().Msg("all websocket sessions closed")
	return nil
}
