package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tracyhatemice/mtfss/internal/config"
	"github.com/tracyhatemice/mtfss/internal/mailbox"
	"github.com/tracyhatemice/mtfss/internal/sorter"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mtfss",
		Usage: "sort a catch-all IMAP inbox into per-recipient folders",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML configuration file"},
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "IMAP server host (IMAP_SERVER)"},
			&cli.IntFlag{Name: "port", Usage: "IMAP server port, 993 for tls and 143 otherwise (IMAP_PORT)"},
			&cli.StringFlag{Name: "security", Usage: "tls, starttls or insecure (IMAP_SECURITY)"},
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "IMAP username (IMAP_USERNAME)"},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "IMAP password (IMAP_PASSWORD)"},
			&cli.StringFlag{Name: "domain", Aliases: []string{"d"}, Usage: "primary domain (PRIMARY_DOMAIN)"},
			&cli.IntFlag{Name: "interval", Aliases: []string{"i"}, Value: 30, Usage: "seconds between sweeps (POLL_INTERVAL)"},
			&cli.BoolFlag{Name: "once", Aliases: []string{"o"}, Usage: "sweep once and exit (RUN_ONCE)"},
			&cli.StringFlag{Name: "inbox", Usage: "mailbox to sort (IMAP_INBOX)"},
			&cli.StringSliceFlag{Name: "envelope-header", Usage: "header consulted before To, Cc and Bcc; repeatable (ENVELOPE_HEADERS)"},
			&cli.IntFlag{Name: "max-reconnects", Usage: "reconnect attempts before giving up, 0 for unbounded (MAX_RECONNECT_ATTEMPTS)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (LOG_LEVEL)"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json (LOG_FORMAT)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "listen address for /metrics, empty to disable (METRICS_ADDR)"},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:  "healthcheck",
				Usage: "exit 0 if the binary starts",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, "ok")
					return nil
				},
			},
		},
	}
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("server") {
		cfg.Server = c.String("server")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("security") {
		cfg.Security = c.String("security")
	}
	if c.IsSet("username") {
		cfg.Username = c.String("username")
	}
	if c.IsSet("password") {
		cfg.Password = c.String("password")
	}
	if c.IsSet("domain") {
		cfg.PrimaryDomain = c.String("domain")
	}
	if c.IsSet("interval") {
		cfg.PollIntervalSeconds = c.Int("interval")
	}
	if c.IsSet("once") {
		cfg.RunOnce = c.Bool("once")
	}
	if c.IsSet("inbox") {
		cfg.Inbox = c.String("inbox")
	}
	if c.IsSet("envelope-header") {
		cfg.EnvelopeHeaders = c.StringSlice("envelope-header")
	}
	if c.IsSet("max-reconnects") {
		cfg.MaxReconnectAttempts = c.Int("max-reconnects")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go forceExitOnSecondSignal(ctx, logger)

	dial := mailbox.NewDialer(mailbox.Options{
		Host:     cfg.Server,
		Port:     cfg.GetPort(),
		Security: cfg.Security,
		Username: cfg.Username,
		Password: cfg.Password,
		Inbox:    cfg.GetInbox(),
		Logger:   logger,
	})
	loop := sorter.New(cfg, dial, logger)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		// The metrics listener lives only as long as the loop.
		defer stop()
		_, err := loop.Run(runCtx)
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(runCtx, cfg.MetricsAddr, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("mtfss stopped")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func forceExitOnSecondSignal(ctx context.Context, logger *slog.Logger) {
	<-ctx.Done()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Warn("forced shutdown")
	os.Exit(1)
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
