package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/civicpulse/realtime/internal/cli"
	"github.com/civicpulse/realtime/internal/realtime"
)

func newSendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <type> [json]",
		Short: "Connect, send a single frame and disconnect",
		Example: `  civic-realtime send join_room '{"roomId":"city-hall"}'
  civic-realtime send presence_update '{"status":"away"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the connection")
	return cmd
}

func runSend(cmd *cobra.Command, args []string, timeout time.Duration) error {
	payload := json.RawMessage("{}")
	if len(args) == 2 {
		if !jsoniter.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}
		payload = json.RawMessage(args[1])
	}

	cfg, err := cli.LoadConfig(cmd, clientBindings(nil))
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	// One shot: no reconnects.
	cfg.Realtime.ReconnectAttempts = 0

	logger, err := cli.BuildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	_, conn, err := newConnection(cfg, logger, nil, false)
	if err != nil {
		return err
	}

	ready := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once
	conn.On(realtime.EventConnected, func(realtime.Message) {
		once.Do(func() { close(ready) })
	})
	conn.On(realtime.EventError, func(m realtime.Message) {
		var info realtime.ErrorInfo
		_ = m.Decode(&info)
		select {
		case failed <- errors.New(info.Error):
		default:
		}
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn.Connect()
	defer conn.Disconnect()

	select {
	case <-ready:
	case err := <-failed:
		return fmt.Errorf("connecting: %w", err)
	case <-time.After(timeout):
		return fmt.Errorf("not connected after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	t := realtime.EventType(args[0])
	if !conn.Send(t, payload) {
		if err := conn.LastError(); err != nil {
			return fmt.Errorf("sending %s: %w", t, err)
		}
		return fmt.Errorf("sending %s failed", t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", t)
	return nil
}
