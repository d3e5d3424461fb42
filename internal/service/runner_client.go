package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RunnerMessage is the turn submission forwarded to the in-sandbox bridge.
type RunnerMessage struct {
	Message         string `json:"message"`
	StreamToken     string `json:"streamToken"`
	PersistToken    string `json:"persistToken"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	Watermark       int64  `json:"watermark"`
}

// RunnerClient talks to the bridge inside a sandbox.
type RunnerClient interface {
	SubmitMessage(ctx context.Context, runnerURL, token string, msg RunnerMessage) error
	Stop(ctx context.Context, runnerURL, token string) error
}

type httpRunnerClient struct {
	httpClient *http.Client
}

func NewRunnerClient() RunnerClient {
	return &httpRunnerClient{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (c *httpRunnerClient) SubmitMessage(ctx context.Context, runnerURL, token string, msg RunnerMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding runner message: %w", err)
	}
	return c.post(ctx, runnerURL+"/message", token, body, http.StatusAccepted)
}

func (c *httpRunnerClient) Stop(ctx context.Context, runnerURL, token string) error {
	return c.post(ctx, runnerURL+"/stop", token, nil, http.StatusOK)
}

func (c *httpRunnerClient) post(ctx context.Context, url, token string, body []byte, want int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building runner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
