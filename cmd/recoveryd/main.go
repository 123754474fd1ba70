package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fahmaliyi/keyvault/config"
	"github.com/fahmaliyi/keyvault/recovery"
	"github.com/fahmaliyi/keyvault/server"
)

func main() {
	fs := pflag.NewFlagSet("recoveryd", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	config.AddServerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg, os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("recoveryd stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Recovery)
	if err != nil {
		return err
	}
	defer closeStore()

	keyHex, err := cfg.Recovery.EscrowKeyHex()
	if err != nil {
		return err
	}
	escrow, err := recovery.EscrowFromHex(keyHex)
	if err != nil {
		return err
	}
	deliverer, err := newDeliverer(cfg.Recovery, logger)
	if err != nil {
		return err
	}

	svc := recovery.NewService(store, escrow, deliverer,
		recovery.WithPolicy(cfg.Recovery.Policy()),
		recovery.WithTimeout(cfg.Recovery.Timeout),
		recovery.WithLogger(logger),
	)
	trusted, err := cfg.Server.TrustedPrefixes()
	if err != nil {
		return err
	}
	srv := server.New(svc,
		server.WithLogger(logger),
		server.WithPolicy(cfg.Recovery.Policy()),
		server.WithTrustedProxies(trusted...),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
		server.WithRateLimit(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Recovery.Store).Msg("recoveryd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, c config.RecoveryConfig) (recovery.Store, func(), error) {
	switch c.Store {
	case "sqlite":
		s, err := recovery.OpenSQLiteStore(c.SQLitePath, 0)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "mongo":
		s, err := recovery.NewMongoStore(ctx, c.MongoURI, c.MongoDB, c.MongoCollection)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Close(closeCtx)
		}, nil
	default:
		return recovery.NewMemoryStore(), func() {}, nil
	}
}

func newDeliverer(c config.RecoveryConfig, logger zerolog.Logger) (recovery.Deliverer, error) {
	if c.Deliverer == "smtp" {
		return recovery.NewSMTPDeliverer(c.SMTP)
	}
	return recovery.LogDeliverer{Logger: logger}, nil
}
