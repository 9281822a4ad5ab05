package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/agent"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to agent YAML config")
	server := flag.String("server", "", "Testbed server URL (overrides config)")
	gatewayID := flag.String("gateway-id", "", "Gateway ID (overrides config)")
	token := flag.String("token", "", "Gateway token (overrides config)")
	workDir := flag.String("workdir", "", "Working directory for job files (overrides config)")
	concurrency := flag.Int("concurrency", 0, "Maximum concurrent pipelines (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.Setup(*logLevel, *logFormat, "testbed-agent")

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	// Flags take precedence over file and environment.
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *gatewayID != "" {
		cfg.GatewayID = *gatewayID
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(cfg.ServerURL, cfg.GatewayID, cfg.Token)

	transfer, err := agent.NewTransfer(ctx, cfg, client)
	if err != nil {
		logger.Error("configure transfer", "error", err)
		os.Exit(1)
	}
	sink, err := agent.NewLogSink(ctx, cfg.LogSinks, logger)
	if err != nil {
		logger.Error("configure log sinks", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	a, err := agent.New(cfg, client, logger, agent.WithTransfer(transfer), agent.WithLogSink(sink))
	if err != nil {
		logger.Error("create agent", "error", err)
		os.Exit(1)
	}

	logger.Info("agent starting",
		"server", cfg.ServerURL,
		"gateway_id", cfg.GatewayID,
		"transfer", cfg.Transfer.Type,
	)
	if err := a.Run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
