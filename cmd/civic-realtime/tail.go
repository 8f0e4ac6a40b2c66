package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/cli"
	"github.com/civicpulse/realtime/internal/config"
	"github.com/civicpulse/realtime/internal/journal"
	"github.com/civicpulse/realtime/internal/realtime"
	"github.com/civicpulse/realtime/internal/session"
)

// pruneInterval is how often the journal drops entries past retention.
const pruneInterval = time.Hour

type tailOptions struct {
	rooms     []string
	opinions  []string
	locations []string
	status    string
	types     []string
}

func newTailCmd() *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect and print every event until interrupted",
		Long: `tail keeps a realtime connection open, reconnecting with exponential
backoff, and prints every event it receives. Rooms and subscriptions given
as flags are re-sent after every (re)connect.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.rooms, "room", nil, "Room to join (repeatable)")
	cmd.Flags().StringSliceVar(&opts.opinions, "opinion", nil, "Opinion to subscribe to (repeatable)")
	cmd.Flags().StringSliceVar(&opts.locations, "location", nil, "Location to subscribe to (repeatable)")
	cmd.Flags().StringVar(&opts.status, "status", "", "Presence to announce after connecting (online, away, busy)")
	cmd.Flags().StringSliceVar(&opts.types, "type", nil, "Only print these event types (default: all)")
	cmd.Flags().Bool("journal", false, "Record events in the journal (CIVIC_JOURNAL_ENABLED)")
	cmd.Flags().String("journal-driver", "sqlite", "Journal database driver: sqlite or postgres")
	cmd.Flags().String("journal-dsn", "", "Journal DSN or SQLite file path")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

func runTail(cmd *cobra.Command, opts *tailOptions) error {
	cfg, err := cli.LoadConfig(cmd, clientBindings(map[string]string{
		"journal.enabled": "journal",
		"journal.driver":  "journal-driver",
		"journal.dsn":     "journal-dsn",
		"metrics.addr":    "metrics-addr",
	}))
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	status := realtime.PresenceStatus(opts.status)
	if status != "" && !status.Valid() {
		return errors.New("--status must be one of online, away, busy, offline")
	}

	logger, err := cli.BuildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	store, conn, err := newConnection(cfg, logger, reg, true)
	if err != nil {
		return err
	}
	unbind := conn.BindStores(realtime.Stores{Status: store})
	defer unbind()

	printer := cli.NewEventPrinter(cmd.OutOrStdout())
	for _, t := range printedTypes(opts.types) {
		conn.On(t, printer.Print)
	}

	conn.On(realtime.EventConnected, func(realtime.Message) {
		for _, id := range opts.rooms {
			conn.JoinRoom(id)
		}
		for _, id := range opts.opinions {
			conn.SubscribeOpinion(id)
		}
		for _, id := range opts.locations {
			conn.SubscribeLocation(id)
		}
		if status != "" {
			conn.UpdatePresence(status)
		}
	})

	if cfg.Journal.Enabled {
		j, err := openJournal(cfg, logger)
		if err != nil {
			return err
		}
		defer j.Close()

		handler := j.Handler()
		for _, t := range journaledTypes(opts.types) {
			conn.On(t, handler)
		}
		if cfg.Journal.Retention > 0 {
			pruner, err := j.SchedulePrune(cfg.Journal.Retention, pruneInterval)
			if err != nil {
				return err
			}
			defer pruner.Shutdown() //nolint:errcheck
		}
	}

	if cfg.Metrics.Addr != "" {
		srv := cli.MetricsServer(cfg.Metrics.Addr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	logger.Info("tailing realtime events",
		zap.String("host", cfg.Realtime.Host),
		zap.Strings("rooms", opts.rooms),
		zap.Bool("journal", cfg.Journal.Enabled),
	)
	return conn.Run(ctx)
}

// newConnection logs the configured token into a session store and builds
// a Connection on top of it. autoConnect overrides the configured value.
func newConnection(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, autoConnect bool) (*session.Store, *realtime.Connection, error) {
	if cfg.Auth.Token == "" {
		return nil, nil, errors.New("an access token is required: set --token or CIVIC_AUTH_TOKEN")
	}
	store := session.NewStore(logger)
	if err := store.Login(cfg.Auth.Token, nil); err != nil {
		return nil, nil, err
	}

	rc := cfg.Realtime.Connection()
	rc.AutoConnect = autoConnect
	conn, err := realtime.New(rc, store, logger, realtime.WithMetrics(realtime.NewMetrics(reg)))
	if err != nil {
		return nil, nil, err
	}
	return store, conn, nil
}

func openJournal(cfg *config.Config, logger *zap.Logger) (*journal.Journal, error) {
	return journal.Open(journal.Config{
		Driver: cfg.Journal.Driver,
		DSN:    cfg.Journal.DSN,
		Logger: logger,
	})
}

// journaledTypes is every server event plus any extra type named with
// --type, so server-added types that are printed are recorded too.
func journaledTypes(filter []string) []realtime.EventType {
	out := realtime.ServerEvents()
	seen := make(map[realtime.EventType]struct{}, len(out))
	for _, t := range out {
		seen[t] = struct{}{}
	}
	for _, t := range printedTypes(filter) {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func printedTypes(filter []string) []realtime.EventType {
	if len(filter) == 0 {
		return realtime.ServerEvents()
	}
	out := make([]realtime.EventType, 0, len(filter))
	for _, t := range filter {
		out = append(out, realtime.EventType(t))
	}
	return out
}
