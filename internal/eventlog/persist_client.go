package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PersistClient submits batches to the control plane's internal persist
// endpoint, authenticated with the per-turn persist token. Transient failures
// retry with capped exponential backoff; exhausting the attempts returns an
// error so the buffer requeues the batch.
type PersistClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

type PersistOption func(*PersistClient)

func WithRetries(maxRetries int, backoff time.Duration) PersistOption {
	return func(c *PersistClient) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

func WithHTTPClient(hc *http.Client) PersistOption {
	return func(c *PersistClient) {
		c.httpClient = hc
	}
}

func NewPersistClient(baseURL, token string, opts ...PersistOption) *PersistClient {
	c := &PersistClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 4,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PersistResult is the control plane's response body.
type PersistResult struct {
	Applied   int   `json:"applied"`
	Watermark int64 `json:"watermark"`
}

func (c *PersistClient) Persist(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, 8*time.Second)
		}

		lastErr = c.submit(ctx, body)
		if lastErr == nil {
			return nil
		}
		slog.WarnContext(ctx, "persist attempt failed",
			"attempt", attempt+1,
			"conversation_id", batch.ConversationID,
			"error", lastErr)
	}
	return fmt.Errorf("persist failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *PersistClient) submit(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/internal/v1/events", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building persist request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submitting batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, msg)
	}

	var result PersistResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding persist response: %w", err)
	}
	// applied may be lower than submitted when a retry overlaps the stored
	// watermark; that is the idempotence filter working, not an error.
	return nil
}
