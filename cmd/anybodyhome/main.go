package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/delaneymorgan/anybodyhome/internal/config"
	"github.com/delaneymorgan/anybodyhome/internal/metrics"
	"github.com/delaneymorgan/anybodyhome/internal/notify"
	"github.com/delaneymorgan/anybodyhome/internal/poller"
	"github.com/delaneymorgan/anybodyhome/internal/presence"
	"github.com/delaneymorgan/anybodyhome/internal/probe"
	"github.com/delaneymorgan/anybodyhome/internal/server"
	"github.com/delaneymorgan/anybodyhome/internal/store"
	"github.com/delaneymorgan/anybodyhome/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("anybodyhome starting", zap.String("version", version.Short()))

	// Load configuration. Malformed device entries are fatal here; the
	// poller never revalidates per cycle.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Persistence adapters. Redis is primary; SQLite keeps an optional
	// local roll-call history for the query side.
	startupCtx, startupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startupCancel()

	redisStore, err := store.NewRedisStore(startupCtx,
		cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB,
		cfg.Store.Redis.KeyPrefix, cfg.Store.Redis.HistoryLimit)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	stores := []store.Store{redisStore}
	var history server.HistoryReader
	if cfg.Store.SQLite.Path != "" {
		sqliteStore, err := store.NewSQLiteStore(cfg.Store.SQLite.Path)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err))
		}
		stores = append(stores, sqliteStore)
		history = sqliteStore
	}
	st := store.NewMulti(stores...)
	defer st.Close()

	// Notifiers.
	notifiers := notify.Fanout{notify.NewLogNotifier(logger)}
	if cfg.MQTT.Broker != "" {
		mqttNotifier, err := notify.NewMQTTNotifier(startupCtx, notify.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			logger.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		defer mqttNotifier.Close()
		notifiers = append(notifiers, mqttNotifier)
	}

	// Probers, one per kind in use.
	probers := map[probe.Kind]probe.Prober{}
	for _, device := range cfg.Devices {
		if _, ok := probers[device.Kind]; ok {
			continue
		}
		prober, err := probe.ForKind(device.Kind, cfg.Poll.ProbeTimeout, cfg.Poll.PingCount)
		if err != nil {
			logger.Fatal("failed to build prober", zap.String("device", device.Name), zap.Error(err))
		}
		probers[device.Kind] = prober
	}

	names := make([]string, len(cfg.Devices))
	for i, d := range cfg.Devices {
		names[i] = d.Name
	}
	table := presence.NewTable(names)

	sched := poller.New(poller.Options{
		Interval:          cfg.Poll.Interval,
		HomeInterval:      cfg.Poll.HomeInterval,
		AwayInterval:      cfg.Poll.AwayInterval,
		MaxInFlight:       cfg.Poll.MaxInFlight,
		Rate:              cfg.Poll.Rate,
		DebounceThreshold: cfg.Poll.DebounceThreshold,
		WriteTimeout:      cfg.Store.WriteTimeout,
	}, cfg.Devices, probers, table, st, notifiers, m, logger)

	go sched.Run(ctx)

	srv := server.New(cfg.Server.Addr, table, history, registry, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("anybodyhome ready",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("devices", len(cfg.Devices)),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("anybodyhome stopped")
}
