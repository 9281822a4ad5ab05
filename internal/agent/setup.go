package agent

import (
	"context"
	"fmt"
	"log/slog"
)

// NewTransfer builds the transfer named by cfg.Transfer.Type.
func NewTransfer(ctx context.Context, cfg Config, client *Client) (Transfer, error) {
	switch cfg.Transfer.Type {
	case "", "http":
		return NewHTTPTransfer(client, cfg.Transfer.MaxRetries, cfg.Transfer.RetryDelay), nil
	case "s3":
		return NewS3Transfer(ctx, cfg.Transfer.S3)
	default:
		return nil, fmt.Errorf("unknown transfer type %q", cfg.Transfer.Type)
	}
}

// NewLogSink builds the log sinks enabled in cfg. Device output always goes
// to the agent log; ClickHouse and MQTT are added when their addresses are set.
func NewLogSink(ctx context.Context, cfg LogSinkConfig, logger *slog.Logger) (LogSink, error) {
	sinks := MultiSink{NewSlogSink(logger)}

	if cfg.ClickHouse.Addr != "" {
		ch, err := NewClickHouseSink(ctx, cfg.ClickHouse)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		logger.Info("clickhouse log sink enabled", "addr", cfg.ClickHouse.Addr)
		sinks = append(sinks, ch)
	}
	if cfg.MQTT.Broker != "" {
		m, err := NewMQTTSink(cfg.MQTT, logger)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		logger.Info("mqtt log sink enabled", "broker", cfg.MQTT.Broker)
		sinks = append(sinks, m)
	}
	return sinks, nil
}
