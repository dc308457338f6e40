package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/internal/config"
	"github.com/Bboy9090/PhoenixCore/internal/server"
)

func main() {
	cfg := config.FromEnv()
	logger := config.NewLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("phoenixd exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	srv, err := server.New(logger, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.StartAuditor(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info().Str("addr", cfg.Bind).Str("version", server.Version).Msg("phoenixd listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
