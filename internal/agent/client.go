// Package agent is the daemon a host owner runs on a GPU machine. It
// registers the host with the broker, heartbeats, executes assigned
// jobs, and reports results.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

// Client communicates with the broker API on behalf of one host.
type Client struct {
	baseURL    string
	token      string
	hostID     string
	httpClient *http.Client
}

// NewClient creates a broker API client with connection pooling.
func NewClient(baseURL, token, hostID string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hostID:  hostID,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// HostSpec is the registration descriptor sent to the broker.
type HostSpec struct {
	GPUModel     string  `json:"gpu_model"`
	VRAMGB       int     `json:"vram_gb"`
	GPUCount     int     `json:"gpu_count"`
	PricePerHour float64 `json:"price_per_hour"`
	Location     string  `json:"location"`
}

// Register registers the host with the broker.
func (c *Client) Register(ctx context.Context, spec HostSpec) (*model.Host, error) {
	body, err := json.Marshal(struct {
		ID string `json:"id"`
		HostSpec
	}{ID: c.hostID, HostSpec: spec})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/hosts", body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var host model.Host
	if err := decodeResponseData(resp, &host); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &host, nil
}

// HeartbeatInfo is the broker's view of the host after a heartbeat.
type HeartbeatInfo struct {
	HostID       string           `json:"host_id"`
	Status       model.HostStatus `json:"status"`
	CurrentJobID string           `json:"current_job_id"`
}

// Heartbeat refreshes the host's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context) (*HeartbeatInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/v1/hosts/%s/heartbeat", c.hostID), nil)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	var info HeartbeatInfo
	if err := decodeResponseData(resp, &info); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &info, nil
}

// Deregister takes the host off the marketplace.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodDelete,
		fmt.Sprintf("/api/v1/hosts/%s", c.hostID), nil)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	drainBody(resp)
	return nil
}

// ReportStarted acknowledges that the job began executing.
func (c *Client) ReportStarted(ctx context.Context, jobID string) error {
	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/hosts/%s/jobs/%s/started", c.hostID, jobID), nil)
	if err != nil {
		return fmt.Errorf("report started: %w", err)
	}
	drainBody(resp)
	return nil
}

// CompleteReport is the final result sent for a job.
type CompleteReport struct {
	State      string `json:"state,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
	LogURL     string `json:"log_url,omitempty"`
	ResultsURL string `json:"results_url,omitempty"`
}

// ReportComplete sends the job's final result.
func (c *Client) ReportComplete(ctx context.Context, jobID string, report CompleteReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/hosts/%s/jobs/%s/complete", c.hostID, jobID), body)
	if err != nil {
		return fmt.Errorf("report complete: %w", err)
	}
	drainBody(resp)
	return nil
}

// drainBody discards and closes a response body whose payload the
// caller does not need, so the connection goes back to the pool.
func drainBody(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// StreamEvents opens the host's SSE feed and delivers events until the
// context is cancelled or the connection drops. The returned channel is
// closed when the stream ends.
func (c *Client) StreamEvents(ctx context.Context) (<-chan model.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+fmt.Sprintf("/api/v1/sse/hosts/%s", c.hostID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client's request timeout, so use a bare
	// client; cancellation comes from ctx.
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("open event stream: HTTP %d: %s", resp.StatusCode, body)
	}

	ch := make(chan model.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var eventName string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventName = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				// The init snapshot is a host object, not an Event.
				if eventName == "init" {
					continue
				}
				var ev model.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// doRequest executes an HTTP request and returns the response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
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
