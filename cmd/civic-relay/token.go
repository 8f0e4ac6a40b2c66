package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/civicpulse/realtime/internal/cli"
	"github.com/civicpulse/realtime/internal/session"
)

func newTokenCmd() *cobra.Command {
	var (
		user session.User
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		Example: `  civic-relay token --user u-1 --username alice
  CIVIC_AUTH_TOKEN=$(civic-relay token --user u-1) civic-realtime tail --host localhost:3001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd, relayBindings(nil))
			if err != nil {
				return err
			}
			tokens, err := session.NewTokenManager(cfg.Auth.Secret, cfg.Auth.Issuer)
			if err != nil {
				return fmt.Errorf("%w (set --secret or CIVIC_AUTH_SECRET)", err)
			}
			token, err := tokens.Issue(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user.ID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&user.Username, "username", "", "Username claim")
	cmd.Flags().StringVar(&user.Email, "email", "", "Email claim")
	cmd.Flags().StringVar(&user.Role, "role", "", "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", session.DefaultTokenTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTopicsCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List the topics of a running relay and their subscriber counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rows, err := fetchTopics(ctx, url)
			if err != nil {
				return err
			}
			cli.PrintTopics(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:3001", "Base URL of the relay")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func fetchTopics(ctx context.Context, baseURL string) ([]cli.TopicRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/v1/topics", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying relay: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Data  []cli.TopicRow `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding relay response (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if body.Error != nil {
			msg = body.Error.Message
		}
		return nil, fmt.Errorf("relay answered %d: %s", resp.StatusCode, msg)
	}
	return body.Data, nil
}
