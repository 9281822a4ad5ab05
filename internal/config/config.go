// Package config holds server configuration. Defaults can be overridden by
// TESTBED_* environment variables (optionally from a .env file) and then by
// command-line flags.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds configuration for the testbed server.
type ServerConfig struct {
	Addr        string // Listen address (default ":8080")
	LogLevel    string // Log level: debug, info, warn, error
	LogFormat   string // Log format: text, json
	DBPath      string // SQLite database path (default ~/.testbed/testbed.db, ":memory:" for testing)
	QueueDBPath string // SQLite path for the work queue (default next to DBPath)
	ArtifactDir string // Directory for uploaded sources and device logs

	ScheduleInterval time.Duration // Scheduler tick interval
	HeartbeatTimeout time.Duration // Mark gateways/devices offline after this much silence; 0 disables

	MQTT MQTTConfig
}

// MQTTConfig configures status publishing. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	StatusTopic string
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
		ScheduleInterval: 5 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		MQTT: MQTTConfig{
			ClientID:    "testbed-server",
			StatusTopic: "testbed/jobs/{job_id}/status",
		},
	}
}

// LoadEnv reads .env if present and applies TESTBED_* overrides to cfg.
func LoadEnv(cfg *ServerConfig) {
	_ = godotenv.Load()

	cfg.Addr = getEnv("TESTBED_ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("TESTBED_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("TESTBED_LOG_FORMAT", cfg.LogFormat)
	cfg.DBPath = getEnv("TESTBED_DB", cfg.DBPath)
	cfg.QueueDBPath = getEnv("TESTBED_QUEUE_DB", cfg.QueueDBPath)
	cfg.ArtifactDir = getEnv("TESTBED_ARTIFACT_DIR", cfg.ArtifactDir)
	cfg.ScheduleInterval = getEnvDuration("TESTBED_SCHEDULE_INTERVAL", cfg.ScheduleInterval)
	cfg.HeartbeatTimeout = getEnvDuration("TESTBED_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.StatusTopic = getEnv("MQTT_TOPIC_STATUS", cfg.MQTT.StatusTopic)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", value, "error", err)
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer value of key, or defaultValue when unset or invalid.
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", value, "error", err)
		return defaultValue
	}
	return n
}
