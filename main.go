package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailgrove/mailgrove/api"
	"github.com/mailgrove/mailgrove/config"
	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/logger"
	"github.com/mailgrove/mailgrove/pkg/retry"
	"github.com/mailgrove/mailgrove/relay"
)

func main() {
	fConfig := flag.String("config", "mailgrove.toml", "path to the TOML configuration file")
	fDomain := flag.String("domain", "", "instance domain for loop-marker headers (overrides config)")
	fInterval := flag.String("interval", "", "poll interval, e.g. 60s or 5m (overrides config)")
	fLogLevel := flag.String("loglevel", "", "log level: debug, info, warn, error (overrides config)")
	fLogOutput := flag.String("logoutput", "", "log output: stderr, stdout, syslog, or file path (overrides config)")
	fAPIAddr := flag.String("apiaddr", "", "status API listen address (overrides config, implies -startapi)")
	fStartAPI := flag.Bool("startapi", false, "start the read-only status API")
	flag.Parse()

	cfg, found, err := config.Load(*fConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags win over the file.
	if *fDomain != "" {
		cfg.Poller.Domain = *fDomain
	}
	if *fInterval != "" {
		cfg.Poller.Interval = *fInterval
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}
	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}
	if *fAPIAddr != "" {
		cfg.API.Addr = *fAPIAddr
		cfg.API.Start = true
	}
	if *fStartAPI {
		cfg.API.Start = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(logger.Options{
		Output: cfg.Logging.Output,
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if !found {
		logger.Warnf("configuration file %s not found, using defaults and flags", *fConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := connectDatabase(ctx, &cfg)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	interval, _ := cfg.Poller.GetInterval()
	connectTimeout, _ := cfg.Poller.GetConnectTimeout()
	poller := relay.NewPoller(database, database, relay.PollerOptions{
		Interval:       interval,
		InstanceDomain: cfg.Poller.Domain,
		Folders:        cfg.Folders,
		IMAPDefaults:   cfg.IMAPDefaults,
		SMTPDefaults:   cfg.SMTPDefaults,
		ConnectTimeout: connectTimeout,
	})
	poller.Start(ctx)

	apiErr := make(chan error, 1)
	if cfg.API.Start {
		server := api.NewServer(database, cfg.API.Addr)
		go func() {
			apiErr <- server.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received signal %v, shutting down", sig)
	case err := <-apiErr:
		if err != nil {
			logger.Errorf("status api failed: %v", err)
		}
	}

	poller.Stop()
	cancel()
	// Give the current message a moment to finish before the pools close.
	time.Sleep(200 * time.Millisecond)
	logger.Info("shutdown complete")
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*db.Database, error) {
	maxLifetime, err := cfg.Database.GetMaxConnLifetime()
	if err != nil {
		return nil, err
	}
	maxIdle, err := cfg.Database.GetMaxConnIdleTime()
	if err != nil {
		return nil, err
	}

	var poolConfig *db.PoolConfig
	if cfg.Database.MaxConns > 0 {
		poolConfig = &db.PoolConfig{
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnLifetime: maxLifetime,
			MaxConnIdleTime: maxIdle,
		}
	}

	var database *db.Database
	err = retry.WithRetry(ctx, func() error {
		var connErr error
		database, connErr = db.NewDatabase(ctx,
			cfg.Database.Host, cfg.Database.Port,
			cfg.Database.User, cfg.Database.Password, cfg.Database.Name,
			cfg.Database.TLSMode, cfg.Database.LogQueries, poolConfig)
		return connErr
	}, retry.BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      4,
	})
	return database, err
}
