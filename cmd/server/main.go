package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/nmea-ws-proxy/backend/internal/config"
	"github.com/nmea-ws-proxy/backend/internal/db"
	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/repository"
	"github.com/nmea-ws-proxy/backend/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "nmea-ws-proxy: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "nmea-ws-proxy: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deps server.Deps

	// Initialize uplink history
	if cfg.DBPath != "" {
		database, err := db.InitDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database at %s: %w", cfg.DBPath, err)
		}
		defer db.CloseDB()
		deps.History = repository.NewUplinkRepository(database)
	}

	// Fleet mirror is best effort: a missing redis must not keep the proxy down.
	if cfg.RedisAddr != "" {
		mirror, err := repository.NewRedisSessionMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, instanceName(cfg.Port))
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, fleet mirror disabled")
		} else {
			defer mirror.Close()
			deps.Mirror = mirror
		}
	}

	return server.New(ctx, cfg, deps).Run(ctx)
}

// instanceName identifies this process in the fleet mirror.
func instanceName(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(port)
}
