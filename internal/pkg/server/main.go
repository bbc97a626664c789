package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/config"
	"github.com/outlivion/outlivion-api/internal/pkg/env"
)

const shutdownTimeout = 30 * time.Second

// Main is the process entry point shared by main.go and cmd/outlivion.
func Main() {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	if cfg.App.Env == "dev" {
		log.SetLevel(log.LevelDebug)
	}

	srv, err := New(cfg)
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = srv.Serve(ctx)
	stop()
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
}

// Serve runs the server until ctx is done or the listener fails, then shuts
// everything down. A listener failure is returned.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run()
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			log.Errorf("[Server] %v", runErr)
		}
	case <-ctx.Done():
		log.Info("[Server] Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warnf("[Server] Shutdown: %v", err)
	}
	return runErr
}
