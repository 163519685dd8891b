package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"ravenhub/internal/config"
	"ravenhub/internal/database"
	"ravenhub/internal/metrics"
	"ravenhub/internal/monitoring"
	"ravenhub/internal/web"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("ravenhub exited with error")
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		showVer    bool
	)

	flagSet := pflag.NewFlagSet("ravenhub", pflag.ContinueOnError)
	flagSet.StringVarP(&configFile, "config", "c", "config.yaml", "configuration file path")
	flagSet.BoolVar(&showVer, "version", false, "show version information")
	logLevel := flagSet.String("log-level", "", "override logging.level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVer {
		fmt.Printf("ravenhub %s (commit %s, built %s)\n", web.Version, web.GitCommit, web.BuildTime)
		return nil
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": configFile,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Path,
	}).Info("Starting ravenhub")

	store, err := database.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	metricsCollector := metrics.NewCollector(store)

	engine, err := monitoring.NewEngine(cfg, store, metricsCollector)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	webServer := web.NewServer(cfg, store, engine, metricsCollector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The engine outlives ctx so accepted batches drain after the signal.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	if err := engine.Start(engineCtx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	grp, groupCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return webServer.Start(groupCtx)
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		logrus.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout+cfg.Maintenance.DrainTimeout)
		defer cancel()

		var errs []error
		if err := webServer.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("web server: %w", err))
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
		return errors.Join(errs...)
	})

	start := time.Now()
	err = grp.Wait()
	logrus.WithField("uptime", time.Since(start).Round(time.Second)).Info("Shutdown complete")
	return err
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
