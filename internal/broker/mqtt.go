package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// DefaultStatusTopic is the topic template for job status events.
const DefaultStatusTopic = "testbed/jobs/{job_id}/status"

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	StatusTopic string // must contain {job_id}
}

// publisher is the subset of mqtt.Client used for publishing.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes job status events to an MQTT broker.
type MQTTPublisher struct {
	client  publisher
	conn    mqtt.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTTPublisher connects to the broker described by cfg.
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	logger = logger.With("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	p := newMQTTPublisher(client, cfg.StatusTopic, logger)
	p.conn = client
	return p, nil
}

func newMQTTPublisher(client publisher, topic string, logger *slog.Logger) *MQTTPublisher {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	return &MQTTPublisher{client: client, topic: topic, timeout: 5 * time.Second, logger: logger}
}

// StatusTopic returns the topic a job's status events are published on.
func (p *MQTTPublisher) StatusTopic(jobID string) string {
	return strings.ReplaceAll(p.topic, "{job_id}", jobID)
}

// PublishStatus publishes ev at QoS 1.
func (p *MQTTPublisher) PublishStatus(_ context.Context, jobID string, ev model.StatusEvent) error {
	return p.PublishJSON(p.StatusTopic(jobID), ev)
}

// PublishJSON publishes v as JSON on topic at QoS 1.
func (p *MQTTPublisher) PublishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.Debug("published", "topic", topic)
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.conn != nil {
		p.conn.Disconnect(250)
	}
}
