package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds gateway agent configuration. It is usually loaded from a YAML
// file and then overlaid with TESTBED_* environment variables and flags.
type Config struct {
	ServerURL string `yaml:"server"`
	GatewayID string `yaml:"gateway_id"`
	Token     string `yaml:"token"`
	WorkDir   string `yaml:"work_dir"`

	// Concurrency caps how many pipelines run at once.
	Concurrency       int           `yaml:"concurrency"`
	PollWait          time.Duration `yaml:"poll_wait"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Devices maps device ids to serial port paths on this gateway.
	Devices map[string]string `yaml:"devices"`

	// Command templates. Placeholders: {dir} {source} {output} {port}.
	CompileCommand string        `yaml:"compile_command"`
	FlashCommand   string        `yaml:"flash_command"`
	FlashTimeout   time.Duration `yaml:"flash_timeout"`

	Serial   SerialConfig   `yaml:"serial"`
	Transfer TransferConfig `yaml:"transfer"`
	LogSinks LogSinkConfig  `yaml:"log_sinks"`
}

// SerialConfig controls device log capture.
type SerialConfig struct {
	BaudRate      int           `yaml:"baud_rate"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	CaptureWindow time.Duration `yaml:"capture_window"`
	// ResetPulse is how long DTR/RTS are held low to reset the board.
	ResetPulse time.Duration `yaml:"reset_pulse"`
}

// TransferConfig selects where sources are fetched from and logs uploaded to.
type TransferConfig struct {
	Type       string        `yaml:"type"` // "http" (default) or "s3"
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	S3         S3Config      `yaml:"s3"`
}

// S3Config configures the S3 transfer backend.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // custom endpoint, e.g. MinIO
}

// LogSinkConfig enables optional mirrors for captured serial lines.
type LogSinkConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	MQTT       MQTTSinkConfig   `yaml:"mqtt"`
}

// ClickHouseConfig enables the ClickHouse sink when Addr is set.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTSinkConfig enables the MQTT sink when Broker is set.
type MQTTSinkConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // may contain {device_id} and {job_id}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "http://localhost:8080",
		WorkDir:           "./downloads",
		Concurrency:       4,
		PollWait:          30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		Devices:           map[string]string{},
		CompileCommand:    "make -C {dir} SOURCE={source} OUTPUT={output}",
		FlashCommand:      "make flash PORT={port} SRC_DIR={dir}",
		FlashTimeout:      30 * time.Second,
		Serial: SerialConfig{
			BaudRate:      115200,
			ReadTimeout:   time.Second,
			CaptureWindow: 60 * time.Second,
			ResetPulse:    500 * time.Millisecond,
		},
		Transfer: TransferConfig{
			Type:       "http",
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		LogSinks: LogSinkConfig{
			ClickHouse: ClickHouseConfig{Database: "testbed", Username: "default"},
			MQTT:       MQTTSinkConfig{ClientID: "testbed-agent", Topic: "testbed/devices/{device_id}/log"},
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	if cfg.Devices == nil {
		cfg.Devices = map[string]string{}
	}
	return cfg, nil
}

// ApplyEnv reads .env if present and overlays TESTBED_* variables.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("TESTBED_SERVER"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("TESTBED_GATEWAY_ID"); v != "" {
		c.GatewayID = v
	}
	if v := os.Getenv("TESTBED_GATEWAY_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("TESTBED_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		c.LogSinks.ClickHouse.Addr = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.LogSinks.MQTT.Broker = v
	}
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	switch {
	case c.ServerURL == "":
		return fmt.Errorf("server URL is required")
	case c.GatewayID == "":
		return fmt.Errorf("gateway id is required")
	case c.Token == "":
		return fmt.Errorf("gateway token is required")
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1")
	case c.Transfer.Type == "s3" && c.Transfer.S3.Bucket == "":
		return fmt.Errorf("s3 transfer requires a bucket")
	}
	return nil
}
