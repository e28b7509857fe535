package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loginus/internal/config"
	"loginus/internal/events"
	"loginus/internal/httpapi"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "loginusd",
		Short:         "Loginus ID plugin extension runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("LOGINUS_CONFIG"), "Config file (.yaml, .json or .toml); defaults LOGINUS_CONFIG")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	root.AddCommand(newServeCmd(opts), newPluginsCmd(opts), newEventsCmd(), newVersionCmd())
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, pluginsDir, kafkaBrokers string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and restore enabled plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if pluginsDir != "" {
				cfg.PluginsDir = pluginsDir
			}
			if b := splitCSV(kafkaBrokers); len(b) > 0 {
				cfg.Kafka.Brokers = b
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&pluginsDir, "plugins-dir", "", "Directory holding one sub-directory per plugin")
	cmd.Flags().StringVar(&kafkaBrokers, "kafka-brokers", os.Getenv("LOGINUS_KAFKA_BROKERS"), "Comma-separated Kafka brokers for event forwarding")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.LogLevel)
	rt, err := buildRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.startRetention(); err != nil {
		return err
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.HTTP.CORS.Enabled, cfg.HTTP.CORS.Origins, cfg.HTTP.CORS.Methods, cfg.HTTP.CORS.Headers)
	httpapi.SetBaseContext(ctx)

	var ready atomic.Bool
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(rt.services(ready.Load)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("plugins_dir", cfg.PluginsDir).Msg("loginusd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := rt.bootstrap(ctx); err != nil {
		log.Error().Err(err).Msg("plugin bootstrap failed")
	}
	ready.Store(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	log.Info().Msg("loginusd stopped")
	return nil
}

func newPluginsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "plugins", Short: "Inspect and install plugins without starting the server"}
	withRuntime := func(fn func(context.Context, *runtime, io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer rt.Close()
			return fn(cmd.Context(), rt, cmd.OutOrStdout())
		}
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "discover",
		Short:   "Install manifests found under the plugins directory (disabled)",
		Example: "  loginusd plugins discover --config loginus.yaml",
		RunE: withRuntime(func(ctx context.Context, rt *runtime, w io.Writer) error {
			rep, err := rt.ctrl.DiscoverAndInstall(ctx)
			if err != nil {
				return err
			}
			return printJSON(w, rep)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		RunE: withRuntime(func(ctx context.Context, rt *runtime, w io.Writer) error {
			list, err := rt.ctrl.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(w, list)
		}),
	})
	return cmd
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Event taxonomy utilities"}
	cmd.AddCommand(&cobra.Command{
		Use:   "catalog",
		Short: "Print every built-in event name, sorted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := events.DefaultCatalog()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "# catalog %s\n", c.Version())
			for _, n := range c.SortedEventNames() {
				fmt.Fprintln(w, n)
			}
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitCSV splits a comma-separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
