// Package broker carries work between the server and gateways.
//
// Each gateway owns two FIFO queues: one for download notifications sent when
// a job group is created, one for dispatch messages sent by the scheduler.
// Job status changes are additionally published on a per-job channel.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// DefaultPopTimeout is how long a consumer blocks waiting for a message.
const DefaultPopTimeout = 30 * time.Second

// Broker is the server-side view of the gateway queues and status channel.
type Broker interface {
	PushDownload(ctx context.Context, gatewayID string, msg model.DownloadMessage) error
	PushJob(ctx context.Context, gatewayID string, msg model.DispatchMessage) error

	// PopDownload and PopJob block up to timeout and return nil when no message arrived.
	PopDownload(ctx context.Context, gatewayID string, timeout time.Duration) (*model.DownloadMessage, error)
	PopJob(ctx context.Context, gatewayID string, timeout time.Duration) (*model.DispatchMessage, error)

	PublishStatus(ctx context.Context, jobID string, ev model.StatusEvent) error
}

// Queue is a set of named FIFO queues holding opaque payloads.
type Queue interface {
	Push(ctx context.Context, key string, payload []byte) error
	// Pop returns nil, nil if nothing arrived before timeout.
	Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
}

// StatusPublisher delivers job status events to observers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, jobID string, ev model.StatusEvent) error
}

// DownloadQueueKey names a gateway's download queue.
func DownloadQueueKey(gatewayID string) string {
	return "gateway:" + gatewayID + ":downloads"
}

// JobQueueKey names a gateway's dispatch queue.
func JobQueueKey(gatewayID string) string {
	return "gateway:" + gatewayID + ":jobs"
}

// QueueBroker implements Broker over a Queue and a StatusPublisher.
type QueueBroker struct {
	queue  Queue
	status StatusPublisher
	logger *slog.Logger
}

// New creates a QueueBroker. A nil status publisher logs events instead.
func New(queue Queue, status StatusPublisher, logger *slog.Logger) *QueueBroker {
	logger = logger.With("component", "broker")
	if status == nil {
		status = NewLogPublisher(logger)
	}
	return &QueueBroker{queue: queue, status: status, logger: logger}
}

func (b *QueueBroker) PushDownload(ctx context.Context, gatewayID string, msg model.DownloadMessage) error {
	b.logger.Debug("push", "queue", DownloadQueueKey(gatewayID), "job_id", msg.JobID)
	return b.push(ctx, DownloadQueueKey(gatewayID), msg)
}

func (b *QueueBroker) PushJob(ctx context.Context, gatewayID string, msg model.DispatchMessage) error {
	b.logger.Debug("push", "queue", JobQueueKey(gatewayID), "job_id", msg.JobID)
	return b.push(ctx, JobQueueKey(gatewayID), msg)
}

func (b *QueueBroker) PopDownload(ctx context.Context, gatewayID string, timeout time.Duration) (*model.DownloadMessage, error) {
	var msg model.DownloadMessage
	ok, err := b.pop(ctx, DownloadQueueKey(gatewayID), timeout, &msg)
	if err != nil || !ok {
		return nil, err
	}
	return &msg, nil
}

func (b *QueueBroker) PopJob(ctx context.Context, gatewayID string, timeout time.Duration) (*model.DispatchMessage, error) {
	var msg model.DispatchMessage
	ok, err := b.pop(ctx, JobQueueKey(gatewayID), timeout, &msg)
	if err != nil || !ok {
		return nil, err
	}
	return &msg, nil
}

func (b *QueueBroker) PublishStatus(ctx context.Context, jobID string, ev model.StatusEvent) error {
	return b.status.PublishStatus(ctx, jobID, ev)
}

func (b *QueueBroker) push(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", key, err)
	}
	if err := b.queue.Push(ctx, key, payload); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

func (b *QueueBroker) pop(ctx context.Context, key string, timeout time.Duration, v any) (bool, error) {
	payload, err := b.queue.Pop(ctx, key, timeout)
	if err != nil {
		return false, fmt.Errorf("pop %s: %w", key, err)
	}
	if payload == nil {
		return false, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decode %s message: %w", key, err)
	}
	return true, nil
}

// LogPublisher writes status events to the log. Used when no MQTT broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishStatus(_ context.Context, jobID string, ev model.StatusEvent) error {
	p.logger.Info("job status", "job_id", jobID, "status", ev.Status, "message", ev.Message)
	return nil
}
