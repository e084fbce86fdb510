package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/FranksOps/prospect/internal/config"
	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Server
}

func newApp() *app {
	return &app{v: config.New()}
}

// stopMetrics shuts down the metrics server if PersistentPreRunE started one.
// cobra skips post-run hooks when RunE fails, so callers defer this instead.
func (a *app) stopMetrics() {
	if a.metrics == nil {
		return
	}
	if err := a.metrics.Stop(context.Background()); err != nil && a.logger != nil {
		a.logger.Warn("failed to stop metrics server", "err", err)
	}
	a.metrics = nil
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "prospect",
		Short: "Consume live Google Maps scrapes from the dashboard backend",
		Long: `prospect starts Google Maps scrapes on the dashboard backend, follows the
live result stream, and saves every completed result set back to the
backend and to optional local archives.

Settings come from prospect.yaml, PROSPECT_* environment variables and
flags, in increasing precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(a.logger)

			if cfg.MetricsPort > 0 {
				srv, err := metrics.Start(cfg.MetricsPort, a.logger)
				if err != nil {
					return err
				}
				a.metrics = srv
				a.logger.Info("metrics server listening", "port", cfg.MetricsPort)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ./prospect.yaml or ~/.config/prospect/prospect.yaml)")
	flags.String("base-url", "", "dashboard backend URL, e.g. http://localhost:3000")
	flags.String("token", "", "bearer token for the backend")
	flags.String("scrape-path", config.Default.ScrapePath, "scrape stream endpoint path")
	flags.String("save-path", config.Default.SavePath, "save endpoint path")
	flags.Int("max-results", config.Default.MaxResults, "maximum businesses per search")
	flags.String("exclude-sector", "", "sector the backend should leave out")
	flags.Duration("clear-delay", config.Default.ClearDelay, "how long final progress stays visible")
	flags.Duration("header-timeout", config.Default.HeaderTimeout, "bound on waiting for response headers")
	flags.String("tls-profile", config.Default.TLSProfile, "TLS client hello: go, chrome, firefox, safari or random")
	flags.Bool("tls-insecure", false, "skip certificate verification")
	flags.StringSlice("archive", nil, "local archive, repeatable: sqlite:<dsn>, postgres:<dsn>, json:<path>, csv:<path>")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	flags.String("log-level", config.Default.LogLevel, "debug, info, warn or error")
	flags.String("log-format", config.Default.LogFormat, "text or json")

	for _, name := range []string{
		"base-url", "token", "scrape-path", "save-path", "max-results", "exclude-sector",
		"clear-delay", "header-timeout", "tls-profile", "tls-insecure", "archive",
		"metrics-port", "log-level", "log-format",
	} {
		_ = a.v.BindPFlag(flagKey(name), flags.Lookup(name))
	}

	root.AddCommand(newScrapeCmd(a), newBatchCmd(a), newRecordsCmd(a))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		stop()
		os.Exit(1)
	}
}

// run executes one command line and stops the metrics server afterwards,
// whether or not the command succeeded.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := newApp()
	defer a.stopMetrics()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// flagKey maps a flag name to its config key.
func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
