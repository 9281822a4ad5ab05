package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the server. A job that is
// already finished answers 409 to a transition it no longer accepts.
func IsConflict(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusConflict
}

// Client talks to the testbed server on behalf of one gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	gatewayID  string
	token      string
}

// NewClient creates a gateway API client with connection pooling. The client
// timeout leaves room for long-poll requests.
func NewClient(baseURL, gatewayID, token string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		gatewayID: gatewayID,
		token:     token,
		httpClient: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: transport,
		},
	}
}

// GatewayID returns the gateway this client acts for.
func (c *Client) GatewayID() string {
	return c.gatewayID
}

// PollDownload waits up to wait for the next download message.
// It returns nil when none arrived (204).
func (c *Client) PollDownload(ctx context.Context, wait time.Duration) (*model.DownloadMessage, error) {
	var msg model.DownloadMessage
	ok, err := c.poll(ctx, "downloads", wait, &msg)
	if err != nil || !ok {
		return nil, err
	}
	return &msg, nil
}

// PollJob waits up to wait for the next dispatch message.
func (c *Client) PollJob(ctx context.Context, wait time.Duration) (*model.DispatchMessage, error) {
	var msg model.DispatchMessage
	ok, err := c.poll(ctx, "jobs", wait, &msg)
	if err != nil || !ok {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) poll(ctx context.Context, queue string, wait time.Duration, dest any) (bool, error) {
	path := fmt.Sprintf("/api/v1/agent/%s/%s?wait=%s", url.PathEscape(c.gatewayID), queue, wait)
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", queue, err)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return false, nil
	}
	if err := decodeResponseData(resp, dest); err != nil {
		return false, fmt.Errorf("poll %s: %w", queue, err)
	}
	return true, nil
}

// ReportStatus sends a job status update.
func (c *Client) ReportStatus(ctx context.Context, jobID string, report model.StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPut, "/api/v1/jobs/"+url.PathEscape(jobID)+"/status", body, "application/json")
	if err != nil {
		return fmt.Errorf("report status: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Heartbeat tells the server which devices this gateway can reach.
func (c *Client) Heartbeat(ctx context.Context, activeDeviceIDs []string) error {
	if activeDeviceIDs == nil {
		activeDeviceIDs = []string{}
	}
	body, err := json.Marshal(model.HeartbeatRequest{ActiveDeviceIDs: activeDeviceIDs})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/gateways/"+url.PathEscape(c.gatewayID)+"/heartbeat", body, "application/json")
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

// FetchArtifact downloads an artifact by reference. Absolute http(s) URLs are
// fetched as-is; anything else is an artifact key on the server.
func (c *Client) FetchArtifact(ctx context.Context, ref string) ([]byte, error) {
	path := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		path = "/api/v1/artifacts/" + strings.TrimPrefix(ref, "/")
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// UploadLog stores a job's device log and returns its output reference.
func (c *Client) UploadLog(ctx context.Context, jobID string, data []byte) (string, error) {
	path := fmt.Sprintf("/api/v1/agent/%s/artifacts/%s", url.PathEscape(c.gatewayID), url.PathEscape(jobID))
	resp, err := c.doRequest(ctx, http.MethodPut, path, data, "text/plain")
	if err != nil {
		return "", err
	}
	var out struct {
		OutputRef string `json:"output_ref"`
	}
	if err := decodeResponseData(resp, &out); err != nil {
		return "", err
	}
	return out.OutputRef, nil
}

// doRequest executes an HTTP request with gateway credentials. Responses of
// 400 and above are returned as *HTTPError.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	target := path
	if strings.HasPrefix(path, "/") {
		target = c.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Gateway-ID", c.gatewayID)
	req.Header.Set("X-Gateway-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	return json.Unmarshal(envelope.Data, dest)
}
