package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/artifact"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/config"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/logging"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/scheduler"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/server"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
)

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	cfg := config.DefaultServerConfig()
	config.LoadEnv(&cfg)

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.testbed/testbed.db)")
	flag.StringVar(&cfg.QueueDBPath, "queue-db", cfg.QueueDBPath, "Work queue database path (default next to --db)")
	flag.StringVar(&cfg.ArtifactDir, "artifact-dir", cfg.ArtifactDir, "Artifact directory (default next to --db)")
	flag.DurationVar(&cfg.ScheduleInterval, "schedule-interval", cfg.ScheduleInterval, "Scheduler tick interval")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Mark gateways and devices offline after this much silence (0 disables)")
	flag.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "MQTT broker for job status events, e.g. tcp://localhost:1883 (empty logs events instead)")
	flag.StringVar(&cfg.MQTT.StatusTopic, "mqtt-status-topic", cfg.MQTT.StatusTopic, "MQTT status topic template")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, "testbed-server")

	// Resolve storage paths.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatal("cannot determine home directory: %v", err)
		}
		dir := filepath.Join(home, ".testbed")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal("cannot create %s: %v", dir, err)
		}
		dbPath = filepath.Join(dir, "testbed.db")
	}
	queuePath := cfg.QueueDBPath
	if queuePath == "" {
		queuePath = strings.TrimSuffix(dbPath, filepath.Ext(dbPath)) + "-queue.db"
	}
	artifactDir := cfg.ArtifactDir
	if artifactDir == "" {
		artifactDir = filepath.Join(filepath.Dir(dbPath), "artifacts")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fatal("migrate database: %v", err)
	}
	logger.Info("database ready", "path", dbPath)

	queue, err := broker.NewSQLiteQueue(queuePath, logger)
	if err != nil {
		fatal("open work queue: %v", err)
	}
	defer queue.Close()
	logger.Info("work queue ready", "path", queuePath)

	// Status events go to MQTT when a broker is configured, else to the log.
	var status broker.StatusPublisher = broker.NewLogPublisher(logger)
	if cfg.MQTT.Broker != "" {
		mqttPub, err := broker.NewMQTTPublisher(broker.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			StatusTopic: cfg.MQTT.StatusTopic,
		}, logger)
		if err != nil {
			fatal("connect MQTT: %v", err)
		}
		defer mqttPub.Close()
		status = mqttPub
		logger.Info("publishing job status over MQTT", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.StatusTopic)
	}
	br := broker.New(queue, status, logger)

	arts, err := artifact.NewStore(artifactDir)
	if err != nil {
		fatal("open artifact store: %v", err)
	}
	logger.Info("artifact store ready", "dir", artifactDir)

	sched := scheduler.NewLoop(st, br, scheduler.Config{
		PollInterval:     cfg.ScheduleInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, logger)

	srv := server.New(cfg, st, br, sched, logger, server.WithArtifactStore(arts))
	sched.SetSweeper(srv.Fleet())

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the scheduler before the HTTP server so no dispatch starts mid-shutdown.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("server stopped")
}
