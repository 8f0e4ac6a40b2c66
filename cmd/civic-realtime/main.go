package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicpulse/realtime/internal/cli"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "civic-realtime",
		Short: "civic-realtime - command-line client for the civic platform realtime channel",
		Long: `civic-realtime connects to the platform's realtime WebSocket, keeps the
connection alive and prints what the server pushes. It can also journal
events to SQLite or PostgreSQL and send single frames for debugging.`,
		SilenceUsage: true,
	}

	cli.AddGlobalFlags(root)
	root.PersistentFlags().String("host", "", "Realtime server host, host:port or URL (CIVIC_REALTIME_HOST)")
	root.PersistentFlags().Bool("secure", false, "Connect with wss:// (CIVIC_REALTIME_SECURE)")
	root.PersistentFlags().String("token", "", "Access token (CIVIC_AUTH_TOKEN)")

	root.AddCommand(newTailCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(cli.NewVersionCmd("civic-realtime"))
	return root
}

// clientBindings maps configuration keys to the root flags.
func clientBindings(extra map[string]string) map[string]string {
	b := map[string]string{
		"realtime.host":   "host",
		"realtime.secure": "secure",
		"auth.token":      "token",
	}
	for k, v := range extra {
		b[k] = v
	}
	return b
}
