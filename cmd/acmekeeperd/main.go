package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/acmekeeper/internal/config"
	"github.com/blockadesystems/acmekeeper/internal/housekeeping"
	"github.com/blockadesystems/acmekeeper/internal/server"
	"github.com/blockadesystems/acmekeeper/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("acmekeeper starting...",
		zap.String("storage_type", cfg.DB.StorageType),
		zap.String("handler_file", cfg.CAHandler.HandlerFile),
		zap.Bool("eab_support", cfg.EAB.Enabled),
		zap.Int("api_keys", len(cfg.Server.APIKeys)))

	store, err := storage.NewStorage(&cfg.DB)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.DB.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A mismatch is logged as critical; the daemon keeps serving.
	if cfg.Housekeeping.Present {
		housekeeping.New(store).CheckVersion(ctx, housekeeping.ExpectedVersion(cfg))
	}

	e := echo.New()
	server.ApplyCommonMiddleware(e, store, cfg, logger)
	server.SetupRouter(e, store, cfg)

	go func() {
		address := cfg.Server.Address
		logger.Info("listening on address", zap.String("address", address))
		if err := e.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("error starting HTTP server", zap.Error(err), zap.String("address", address))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
