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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/cli"
	"github.com/civicpulse/realtime/internal/config"
	"github.com/civicpulse/realtime/internal/relay"
	"github.com/civicpulse/realtime/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "civic-relay",
		Short: "civic-relay - development server for the realtime wire protocol",
		Long: `civic-relay accepts realtime client connections, routes room, opinion and
location subscriptions, forwards typing indicators and tracks presence.
Several instances can share traffic through Redis pub/sub.`,
		SilenceUsage: true,
	}

	cli.AddGlobalFlags(root)
	root.PersistentFlags().String("secret", "", "HS256 signing secret, at least 16 bytes (CIVIC_AUTH_SECRET)")
	root.PersistentFlags().String("issuer", "", "Token issuer (CIVIC_AUTH_ISSUER)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newTopicsCmd())
	root.AddCommand(cli.NewVersionCmd("civic-relay"))
	return root
}

func relayBindings(extra map[string]string) map[string]string {
	b := map[string]string{
		"auth.secret": "secret",
		"auth.issuer": "issuer",
	}
	for k, v := range extra {
		b[k] = v
	}
	return b
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd, relayBindings(map[string]string{
				"relay.addr":        "addr",
				"relay.admin_token": "admin-token",
				"relay.redis_addr":  "redis-addr",
			}))
			if err != nil {
				return err
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", ":3001", "HTTP listen address (CIVIC_RELAY_ADDR)")
	cmd.Flags().String("admin-token", "", "Bearer token for POST /api/v1/publish; empty disables it (CIVIC_RELAY_ADMIN_TOKEN)")
	cmd.Flags().String("redis-addr", "", "Redis address for multi-instance fan-out (CIVIC_RELAY_REDIS_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := cli.BuildLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tokens, err := session.NewTokenManager(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	var broker relay.Broker
	if cfg.Relay.RedisAddr != "" {
		dialCtx, done := context.WithTimeout(ctx, 5*time.Second)
		broker, err = relay.NewRedisBroker(dialCtx, cfg.Relay.RedisAddr, cfg.Relay.RedisChannel, logger)
		done()
		if err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r, err := relay.New(relay.Config{
		Path:          cfg.Relay.Path,
		AdminToken:    cfg.Relay.AdminToken,
		PresenceTTL:   cfg.Relay.PresenceTTL,
		SweepInterval: cfg.Relay.SweepInterval,
		RateLimit:     cfg.Relay.RateLimit,
		RateBurst:     cfg.Relay.RateBurst,
		Tokens:        tokens,
		Broker:        broker,
		Registry:      reg,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("starting civic relay",
		zap.String("version", cli.Version),
		zap.String("addr", cfg.Relay.Addr),
		zap.String("path", cfg.Relay.Path),
		zap.Bool("redis", cfg.Relay.RedisAddr != ""),
		zap.Bool("admin_api", cfg.Relay.AdminToken != ""),
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = r.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down civic relay")
	// Stopping the relay first closes the sockets, which the HTTP server
	// would otherwise wait on.
	stopErr := r.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(stopErr, fmt.Errorf("http shutdown: %w", err))
	}
	return stopErr
}
