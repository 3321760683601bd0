// Package main provides the quasard daemon - a light-client wallet
// tracker that follows address histories on an Electrum server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quasar-wallet/quasard/internal/addrsync"
	"github.com/quasar-wallet/quasard/internal/config"
	"github.com/quasar-wallet/quasard/internal/electrum"
	"github.com/quasar-wallet/quasard/internal/overlay"
	"github.com/quasar-wallet/quasard/internal/storage"
	"github.com/quasar-wallet/quasard/pkg/helpers"
	"github.com/quasar-wallet/quasard/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "Data directory (overrides config)")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet     = flag.Bool("testnet", false, "Run on testnet")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("quasard %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile, *dataDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *testnet {
		cfg.Network = config.Testnet
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log.SetLevel(logging.ParseLevel(cfg.LogLevel))

	dir := cfg.ExpandDataDir()
	if cfg.Network == config.Testnet {
		dir = filepath.Join(dir, "testnet")
	}
	params := config.ChainParams(cfg.Network)

	store, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	var overlayClient *overlay.Client
	if cfg.Overlay.Enabled {
		overlayClient = overlay.NewClient(cfg.Overlay.Host, cfg.Overlay.User, cfg.Overlay.Pass)
		log.Info("token overlay enabled", "host", cfg.Overlay.Host)
	}

	engine, err := addrsync.New(&addrsync.Config{
		Store:             store,
		Params:            params,
		Logger:            log.Component("addrsync"),
		Overlay:           overlayClient,
		OverlayPropertyID: cfg.Overlay.PropertyID,
	})
	if err != nil {
		log.Fatalf("failed to restore wallet state: %v", err)
	}

	client := electrum.NewClient(
		cfg.Electrum.Servers,
		cfg.Electrum.UseTLS,
		params,
		time.Duration(cfg.Electrum.Timeout)*time.Second,
	)
	syncer := electrum.NewSyncer(&electrum.SyncerConfig{
		Client:   client,
		Engine:   engine,
		Params:   params,
		Interval: cfg.SyncIntervalDuration(),
		Logger:   log.Component("syncer"),
	})
	syncer.OnVerified = func(txid string, info addrsync.MinedInfo) {
		log.Info("tx verified", "txid", txid, "height", info.Height, "conf", info.Conf)
	}
	syncer.OnStatus = func() {
		c, u, x := engine.GetBalance(nil)
		log.Info("wallet status",
			"confirmed", helpers.FormatAmount(c, 8),
			"unconfirmed", helpers.FormatAmount(u, 8),
			"immature", helpers.FormatAmount(x, 8),
		)
	}
	engine.StartNetwork(syncer, nil, syncer)

	for _, addr := range cfg.Watch {
		engine.AddAddress(addr)
	}
	log.Info("starting quasard",
		"network", cfg.Network,
		"addresses", len(cfg.Watch),
		"servers", len(cfg.Electrum.Servers),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := client.Connect(ctx); err != nil {
		log.Warn("electrum connect failed, will retry in background", "error", err)
	}
	cancel()
	syncer.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	syncer.Stop()
	client.Close()
	if err := engine.Stop(true); err != nil {
		log.Error("failed to flush wallet state", "error", err)
	}
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
	if configFile == "" {
		base := dataDir
		if base == "" {
			base = config.Default().ExpandDataDir()
		}
		configFile = filepath.Join(base, "config.yaml")
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}
