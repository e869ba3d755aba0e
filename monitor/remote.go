package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RemoteConfig configures a RemoteCollector.
type RemoteConfig struct {
	BaseURL       string        `json:"base_url"`
	RunName       string        `json:"run_name"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultRemoteConfig returns the collector defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// RemotePayload is the body posted for each epoch.
type RemotePayload struct {
	Run     string             `json:"run"`
	RunID   string             `json:"run_id"`
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
	Time    time.Time          `json:"time"`
}

// RemoteResponse is the collector's reply.
type RemoteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RemoteCollector posts metrics to an HTTP collection service.
type RemoteCollector struct {
	config     RemoteConfig
	runID      string
	httpClient *http.Client
}

// NewRemoteCollector creates a collector client. Nothing is sent until Log.
func NewRemoteCollector(config RemoteConfig) *RemoteCollector {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &RemoteCollector{
		config:     config,
		runID:      uuid.New().String(),
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// RunID identifies this run to the collector.
func (rc *RemoteCollector) RunID() string { return rc.runID }

func (rc *RemoteCollector) Log(epoch int, metrics map[string]float64) error {
	payload := RemotePayload{
		Run:     rc.config.RunName,
		RunID:   rc.runID,
		Epoch:   epoch,
		Metrics: metrics,
		Time:    time.Now(),
	}
	var lastErr error
	for attempt := 0; attempt < rc.config.RetryAttempts; attempt++ {
		if lastErr = rc.send(payload); lastErr == nil {
			return nil
		}
		if attempt < rc.config.RetryAttempts-1 {
			time.Sleep(rc.config.RetryDelay)
		}
	}
	return fmt.Errorf("failed to send metrics after %d attempts: %w", rc.config.RetryAttempts, lastErr)
}

func (rc *RemoteCollector) send(payload RemotePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	req, err := http.NewRequest("POST", rc.config.BaseURL+"/api/metrics", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "category-trainer")

	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var reply RemoteResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &reply); err != nil {
			return fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, reply.Message)
	}
	return nil
}

// CheckHealth reports whether the collector answers on /health.
func (rc *RemoteCollector) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rc.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collector health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (rc *RemoteCollector) Close() error {
	rc.httpClient.CloseIdleConnections()
	return nil
}
