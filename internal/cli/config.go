package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/civicpulse/realtime/internal/config"
)

// Flag names shared by both binaries.
const (
	FlagConfig   = "config"
	FlagEnvFile  = "env-file"
	FlagLogLevel = "log-level"
)

// AddGlobalFlags registers --config, --env-file and --log-level on root.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().String(FlagConfig, "", "Path to a YAML config file (default: ./civic.yaml or ~/.config/civic/civic.yaml)")
	root.PersistentFlags().String(FlagEnvFile, ".env", "Path to a .env file loaded before the environment is read")
	root.PersistentFlags().String(FlagLogLevel, "info", "Log level (debug, info, warn, error)")
}

// LoadConfig loads the .env file, binds the flags named in bindings
// (config key to flag name) and decodes the configuration. Flags only
// override other sources when set explicitly.
func LoadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	flags := cmd.Flags()

	envFile, _ := flags.GetString(FlagEnvFile)
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	bindings["log.level"] = FlagLogLevel
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			return nil, fmt.Errorf("cli: no flag %q to bind to %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("cli: binding --%s: %w", name, err)
		}
	}

	file, _ := flags.GetString(FlagConfig)
	return config.Load(v, file)
}

// MetricsServer serves /metrics for reg on addr.
func MetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
