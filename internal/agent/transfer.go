package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transfer moves firmware sources in and device logs out.
type Transfer interface {
	Download(ctx context.Context, ref string) ([]byte, error)
	// Upload stores a job's device log and returns its output reference.
	Upload(ctx context.Context, jobID string, data []byte) (string, error)
}

// artifactAPI is the part of Client HTTPTransfer uses.
type artifactAPI interface {
	FetchArtifact(ctx context.Context, ref string) ([]byte, error)
	UploadLog(ctx context.Context, jobID string, data []byte) (string, error)
}

// HTTPTransfer uses the server's artifact endpoints, retrying transient
// failures with exponential backoff.
type HTTPTransfer struct {
	api        artifactAPI
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPTransfer creates an HTTPTransfer over the server API.
func NewHTTPTransfer(api artifactAPI, maxRetries int, retryDelay time.Duration) *HTTPTransfer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &HTTPTransfer{api: api, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Download fetches an artifact by reference.
func (t *HTTPTransfer) Download(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := t.withRetry(ctx, func() error {
		var err error
		data, err = t.api.FetchArtifact(ctx, ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	return data, nil
}

// Upload sends a job's device log to the server.
func (t *HTTPTransfer) Upload(ctx context.Context, jobID string, data []byte) (string, error) {
	var ref string
	err := t.withRetry(ctx, func() error {
		var err error
		ref, err = t.api.UploadLog(ctx, jobID, data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload log for %s: %w", jobID, err)
	}
	return ref, nil
}

func (t *HTTPTransfer) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(t.retryDelay, attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on client errors (4xx).
		if isClientError(err) {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", t.maxRetries, lastErr)
}

// retryDelay returns base * 2^(attempt-1), capped at 30 seconds.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func isClientError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}
