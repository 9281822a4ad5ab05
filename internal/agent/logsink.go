package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
)

// LogLine is one line of device serial output.
type LogLine struct {
	GatewayID string    `json:"gateway_id"`
	DeviceID  string    `json:"device_id"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// LogSink receives captured device output as it arrives.
type LogSink interface {
	WriteLine(ctx context.Context, l LogLine) error
	Close() error
}

// SlogSink writes device output to the agent log.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink that logs each line at INFO.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) WriteLine(ctx context.Context, l LogLine) error {
	s.logger.InfoContext(ctx, "device output", "job_id", l.JobID, "device_id", l.DeviceID, "line", l.Line)
	return nil
}

func (s *SlogSink) Close() error { return nil }

// MultiSink fans each line out to several sinks.
type MultiSink []LogSink

func (m MultiSink) WriteLine(ctx context.Context, l LogLine) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteLine(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- ClickHouse ---

const deviceLogsTable = `
	CREATE TABLE IF NOT EXISTS device_logs (
		timestamp  DateTime64(3),
		gateway_id String,
		device_id  String,
		job_id     String,
		line       String
	) ENGINE = MergeTree()
	ORDER BY (device_id, timestamp)
`

// chConn is the part of a ClickHouse connection the sink uses.
type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// ClickHouseSink stores device output in the device_logs table.
type ClickHouseSink struct {
	conn chConn
}

// NewClickHouseSink connects to ClickHouse and creates the device_logs table.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return newClickHouseSink(ctx, conn)
}

func newClickHouseSink(ctx context.Context, conn chConn) (*ClickHouseSink, error) {
	if err := conn.Exec(ctx, deviceLogsTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create device_logs table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteLine(ctx context.Context, l LogLine) error {
	err := s.conn.Exec(ctx,
		`INSERT INTO device_logs (timestamp, gateway_id, device_id, job_id, line) VALUES (?, ?, ?, ?, ?)`,
		l.Timestamp, l.GatewayID, l.DeviceID, l.JobID, l.Line,
	)
	if err != nil {
		return fmt.Errorf("insert device log: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// --- MQTT ---

// jsonPublisher publishes a JSON document to a topic.
type jsonPublisher interface {
	PublishJSON(topic string, v any) error
}

// MQTTSink publishes each line to a per-device topic.
type MQTTSink struct {
	pub   jsonPublisher
	topic string
	close func()
}

// NewMQTTSink connects to an MQTT broker for log streaming.
func NewMQTTSink(cfg MQTTSinkConfig, logger *slog.Logger) (*MQTTSink, error) {
	pub, err := broker.NewMQTTPublisher(broker.MQTTConfig{
		Broker:   cfg.Broker,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
	}, logger)
	if err != nil {
		return nil, err
	}
	s := newMQTTSink(pub, cfg.Topic)
	s.close = pub.Close
	return s, nil
}

func newMQTTSink(pub jsonPublisher, topic string) *MQTTSink {
	if topic == "" {
		topic = "testbed/devices/{device_id}/log"
	}
	return &MQTTSink{pub: pub, topic: topic}
}

func (s *MQTTSink) topicFor(l LogLine) string {
	return strings.NewReplacer("{device_id}", l.DeviceID, "{job_id}", l.JobID).Replace(s.topic)
}

func (s *MQTTSink) WriteLine(_ context.Context, l LogLine) error {
	return s.pub.PublishJSON(s.topicFor(l), l)
}

func (s *MQTTSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
