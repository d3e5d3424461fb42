package main

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

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/reconcile"
)

// apiClient talks to the control plane and, during a turn, to the sandbox
// stream endpoint the control plane hands back.
type apiClient struct {
	baseURL        string
	conversationID int64
	httpClient     *http.Client
}

func newAPIClient(baseURL string, conversationID int64) *apiClient {
	return &apiClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		conversationID: conversationID,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

type conversationInfo struct {
	ID           int64 `json:"id"`
	Watermark    int64 `json:"watermark"`
	IsProcessing bool  `json:"is_processing"`
}

func (c *apiClient) CreateConversation(ctx context.Context) (*conversationInfo, error) {
	var info conversationInfo
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/conversations", nil, http.StatusCreated, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

type turnCoordinates struct {
	StreamURL   string `json:"stream_url"`
	StreamToken string `json:"stream_token"`
	Watermark   int64  `json:"watermark"`
}

var errTurnInProgress = fmt.Errorf("turn already in progress")

func (c *apiClient) StartTurn(ctx context.Context, message string) (*turnCoordinates, error) {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/v1/conversations/%d/turns", c.baseURL, c.conversationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, errTurnInProgress
	}
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("starting turn: %d: %s", resp.StatusCode, msg)
	}

	var coords turnCoordinates
	if err := json.NewDecoder(resp.Body).Decode(&coords); err != nil {
		return nil, err
	}
	return &coords, nil
}

func (c *apiClient) Stop(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/conversations/%d/stop", c.baseURL, c.conversationID)
	return c.doJSON(ctx, http.MethodPost, url, nil, http.StatusOK, nil)
}

// Transcript implements reconcile.TranscriptSource over the events endpoint.
func (c *apiClient) Transcript(ctx context.Context, afterSeq int64) (reconcile.PollSnapshot, error) {
	url := fmt.Sprintf("%s/api/v1/conversations/%d/events?after=%d", c.baseURL, c.conversationID, afterSeq)

	var page struct {
		Events []struct {
			ID   string          `json:"id"`
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
			Seq  int64           `json:"seq"`
		} `json:"events"`
		Watermark    int64 `json:"watermark"`
		IsProcessing bool  `json:"is_processing"`
	}
	if err := c.doJSON(ctx, http.MethodGet, url, nil, http.StatusOK, &page); err != nil {
		return reconcile.PollSnapshot{}, err
	}

	snap := reconcile.PollSnapshot{
		Watermark:    page.Watermark,
		IsProcessing: page.IsProcessing,
	}
	for _, ev := range page.Events {
		snap.Events = append(snap.Events, event.Semantic{
			ID:   ev.ID,
			Type: event.Type(ev.Type),
			Data: ev.Data,
		})
	}
	return snap, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, url string, body []byte, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d: %s", method, url, resp.StatusCode, msg)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// streamLive attaches to the sandbox SSE stream and feeds each event to the
// machine. Returns when the stream closes, errors, or ctx is cancelled.
// Comment keepalives reset nothing: only real events feed the dead timer.
func streamLive(ctx context.Context, streamURL, token string, machine *reconcile.Machine) error {
	url := streamURL
	if strings.Contains(url, "?") {
		url += "&token=" + token
	} else {
		url += "?token=" + token
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{} // no timeout: long-lived stream
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stream returned %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "event" && data.Len() > 0 {
				var ev event.Semantic
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
					if err := machine.HandleLive(time.Now(), ev); err != nil {
						return err
					}
					if machine.State() == reconcile.StateIdle {
						return nil
					}
				}
			}
			if eventName == "preempted" {
				return fmt.Errorf("stream preempted by another client")
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}
