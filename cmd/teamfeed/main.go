package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"teamfeed/internal/config"
	"teamfeed/internal/ics"
	appLog "teamfeed/internal/log"
	"teamfeed/internal/metrics"
	"teamfeed/internal/pipeline"
	"teamfeed/internal/store"
	"teamfeed/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		appLog.Debug("no .env loaded", "err", err)
	}

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("teamfeed starting", "version", version)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"database", conf.Database,
		"refresh", conf.RefreshCron,
		"workers", conf.Workers,
		"default_timezone", conf.DefaultTimezone,
		"backfill_days", conf.BackfillDays,
		"horizon_days", conf.HorizonDays,
		"feed_count", len(conf.Feeds),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("teamfeed exiting with error", err)
		os.Exit(1)
	}
	appLog.Info("teamfeed exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	st, err := store.Open(ctx, conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedFeeds(ctx, st, conf.Feeds); err != nil {
		return err
	}

	rec := metrics.New()
	fetcher := ics.NewFetcher(conf.FetchTimeout(),
		ics.WithUserAgent(conf.UserAgent),
		ics.WithMaxBytes(conf.MaxFeedBytes),
	)
	engine := pipeline.New(fetcher, st, pipeline.Options{
		Metrics:         rec,
		DefaultLocation: conf.DefaultLocation(),
		Backfill:        time.Duration(conf.BackfillDays) * 24 * time.Hour,
		Horizon:         time.Duration(conf.HorizonDays) * 24 * time.Hour,
		Workers:         conf.Workers,
	})

	if once {
		_, err := engine.RunAll(ctx)
		return err
	}

	sched, err := startScheduler(ctx, conf.RefreshCron, func(ctx context.Context) {
		if _, err := engine.RunAll(ctx); err != nil {
			appLog.Error("scheduled sync failed", err)
		}
	})
	if err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, engine, st, rec).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	defaultPath := os.Getenv("TEAMFEED_CONFIG")
	if defaultPath == "" {
		defaultPath = "/etc/teamfeed/config.yaml"
	}

	flag.StringVar(&cfg.configPath, "config", defaultPath, "Path to config file (env TEAMFEED_CONFIG)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Sync every feed once and exit")

	flag.Parse()

	return cfg
}
